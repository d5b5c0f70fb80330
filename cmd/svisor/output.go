package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/svisor/internal/health"
	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/supervisor"
)

// render writes v as json or yaml.
func render(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func printStatusTable(out io.Writer, sts []supervisor.ServiceStatus) {
	tw := newTable(out)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tRESTARTS\tUPTIME\tCPU%\tRSS(MB)\tURL\tLAST ERROR")
	for _, st := range sts {
		pid, uptime, cpu, rss := "-", "-", "-", "-"
		if st.PID != 0 {
			pid = strconv.Itoa(st.PID)
		}
		if !st.StartedAt.IsZero() && st.PID != 0 {
			uptime = time.Since(st.StartedAt).Round(time.Second).String()
		}
		if r := st.Resources; r != nil {
			cpu = strconv.FormatFloat(r.CPUPercent, 'f', 1, 64)
			rss = strconv.FormatFloat(r.MemoryMB, 'f', 1, 64)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			st.Name, st.State, pid, st.RestartCount, uptime, cpu, rss, st.URL, dash(st.LastError))
	}
	_ = tw.Flush()
}

func printDescriptors(out io.Writer, descs []supervisor.Descriptor) {
	tw := newTable(out)
	_, _ = fmt.Fprintln(tw, "NAME\tPORT\tHEALTH URL\tCOMMAND\tWORK DIR")
	for _, d := range descs {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", d.Name, d.Port, d.HealthURL(), d.Command, dash(d.WorkDir))
	}
	_ = tw.Flush()
}

func printProbe(out io.Writer, res health.Result) {
	tw := newTable(out)
	_, _ = fmt.Fprintf(tw, "URL\t%s\n", res.URL)
	_, _ = fmt.Fprintf(tw, "HEALTHY\t%t\n", res.Reachable)
	if !res.Reachable {
		_, _ = fmt.Fprintf(tw, "REASON\t%s\n", res.Reason)
		_, _ = fmt.Fprintf(tw, "DETAIL\t%s\n", dash(res.Detail))
	}
	if res.StatusCode != 0 {
		_, _ = fmt.Fprintf(tw, "HTTP\t%d\n", res.StatusCode)
	}
	if res.Payload != nil {
		_, _ = fmt.Fprintf(tw, "STATUS\t%s\n", res.Payload.Status)
		if res.Payload.Service != "" {
			_, _ = fmt.Fprintf(tw, "SERVICE\t%s\n", res.Payload.Service)
		}
	}
	_, _ = fmt.Fprintf(tw, "LATENCY\t%s\n", res.Latency.Round(time.Microsecond))
	_ = tw.Flush()
}

func printEvents(out io.Writer, events []history.Event) {
	tw := newTable(out)
	_, _ = fmt.Fprintln(tw, "TIME\tSERVICE\tEVENT\tSTATE\tPID\tRESTARTS\tDETAIL")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Service, e.Type, e.State, e.PID, e.RestartCount, dash(e.Detail))
	}
	_ = tw.Flush()
}

// printServiceURLs is the banner shown once every service is healthy.
func printServiceURLs(out io.Writer, sts []supervisor.ServiceStatus, took time.Duration) {
	_, _ = fmt.Fprintf(out, "All %d services healthy in %s\n", len(sts), took.Round(10*time.Millisecond))
	tw := newTable(out)
	for _, st := range sts {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\tpid %d\n", st.Name, st.URL, st.PID)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintln(out, "Press Ctrl+C to stop.")
}

func printReport(out io.Writer, rep supervisor.Report) {
	if len(rep.Failed) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "Startup failed:")
	tw := newTable(out)
	for _, f := range rep.Failed {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Name, f.State, f.Reason)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
