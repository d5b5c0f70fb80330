package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select a running supervisor's status surface.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	APIFlags
	Name   string
	Output string
}

type ProbeFlags struct {
	URL     string
	Timeout time.Duration
	Output  string
}

type ValidateFlags struct {
	CheckExecutables bool
}

type HistoryFlags struct {
	DSN    string
	Name   string
	Limit  int
	Output string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createValidateCommand(globalFlags, &ValidateFlags{}),
		createStatusCommand(&StatusFlags{}),
		createStopCommand(&APIFlags{}),
		createProbeCommand(&ProbeFlags{}),
		createHistoryCommand(globalFlags, &HistoryFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svisor",
		Short: "Supervisor for a fixed fleet of HTTP services",
		Long: `svisor launches a fleet of HTTP services, waits until each one reports
healthy, restarts any that crash and stops them all on interrupt.

Examples:
  svisor run --config svisor.toml
  svisor status --api-url http://localhost:8080/api
  svisor probe --url http://localhost:8001/health
  svisor history --dsn sqlite://svisor-history.db --name api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "svisor.toml", "path to TOML or YAML config file")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config]",
		Short: "Start the fleet and supervise it until interrupted",
		Long: `Start every configured service in order, wait for their health endpoints
and keep them running. Ctrl-C or SIGTERM stops the fleet in reverse order.

The command exits non-zero when a service is missing its executable or does
not become healthy during startup; the fleet is stopped first.

Examples:
  svisor run
  svisor run ./deploy/svisor.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			return runFleet(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func createValidateCommand(globalFlags *GlobalFlags, flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Load and validate the configuration",
		Long: `Load the configuration, validate it and list the services it defines.

Examples:
  svisor validate
  svisor validate --check-executables ./svisor.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runValidate(cmd.OutOrStdout(), path, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.CheckExecutables, "check-executables", false, "also verify each service's executable exists")
	return cmd
}

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running fleet",
		Long: `Query a running supervisor's status endpoint.

Examples:
  svisor status
  svisor status --name api -o json
  svisor status --api-url http://remote:8080/api -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Name, "name", "", "show a single service")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createStopCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running supervisor to stop the fleet and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.OutOrStdout(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createProbeCommand(flags *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe a health endpoint once",
		Long: `Send one GET to a health endpoint and report whether it is healthy.
Exits non-zero when the endpoint is unreachable or not healthy.

Examples:
  svisor probe --url http://localhost:8001/health
  svisor probe --url http://localhost:8002/health --timeout 500ms -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "health endpoint URL (required)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", time.Second, "request timeout")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	if err := cmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}
	return cmd
}

func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent lifecycle events",
		Long: `Print lifecycle events recorded by a sqlite or postgres history sink,
newest first. Without --dsn the first readable DSN in the config is used.

Examples:
  svisor history --dsn sqlite://svisor-history.db
  svisor history --name api --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.DSN, "dsn", "", "history DSN (sqlite:// or postgres://)")
	cmd.Flags().StringVar(&flags.Name, "name", "", "only events for this service")
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "supervisor status URL including base path")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
