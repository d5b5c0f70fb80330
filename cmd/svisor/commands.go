package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/svisor/internal/health"
	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/history/factory"
)

func runValidate(out io.Writer, path string, flags ValidateFlags) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	var missing []error
	if flags.CheckExecutables {
		for _, d := range cfg.Services {
			if err := d.VerifyExecutable(); err != nil {
				missing = append(missing, err)
			}
		}
	}
	printDescriptors(out, cfg.Services)
	if err := errors.Join(missing...); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\n%s: %d service(s) OK\n", path, len(cfg.Services))
	return nil
}

func runStatus(out io.Writer, flags StatusFlags) error {
	sts, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Status(flags.Name)
	if err != nil {
		return err
	}
	if flags.Output == "table" {
		printStatusTable(out, sts)
		return nil
	}
	if flags.Name != "" && len(sts) == 1 {
		return render(out, flags.Output, sts[0])
	}
	return render(out, flags.Output, sts)
}

func runStop(out io.Writer, flags APIFlags) error {
	already, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Shutdown()
	if err != nil {
		return err
	}
	if already {
		_, _ = fmt.Fprintln(out, "shutdown already in progress")
		return nil
	}
	_, _ = fmt.Fprintln(out, "shutdown requested")
	return nil
}

func runProbe(ctx context.Context, out io.Writer, flags ProbeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res := health.NewProber(nil).Probe(ctx, flags.URL, flags.Timeout)
	if flags.Output == "table" {
		printProbe(out, res)
	} else if err := render(out, flags.Output, res); err != nil {
		return err
	}
	if !res.Reachable {
		return fmt.Errorf("%s is not healthy: %s", flags.URL, res.Reason)
	}
	return nil
}

func runHistory(ctx context.Context, out io.Writer, configPath string, flags HistoryFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := flags.DSN
	if dsn == "" {
		var err error
		if dsn, err = readableDSN(configPath); err != nil {
			return err
		}
	}
	reader, err := factory.NewReaderFromDSN(dsn)
	if err != nil {
		return err
	}
	if c, ok := reader.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	events, err := reader.List(ctx, history.Query{Service: flags.Name, Limit: flags.Limit})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if flags.Output == "table" {
		printEvents(out, events)
		return nil
	}
	return render(out, flags.Output, events)
}

// readableDSN picks the first sqlite or postgres DSN from the config.
func readableDSN(configPath string) (string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("no --dsn given and %w", err)
	}
	for _, dsn := range cfg.History.DSNs {
		if factory.Readable(dsn) {
			return dsn, nil
		}
	}
	return "", errors.New("no readable history DSN (sqlite or postgres) configured; pass --dsn")
}
