package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/probe"
	"github.com/loykin/tunnelmon/internal/sampler"
)

const defaultAPITimeout = 10 * time.Second

func main() {
	root := buildRoot(probe.New())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand. prober backs the probe command.
func buildRoot(prober sampler.Prober) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createServeCommand(globalFlags),
		createProbeCommand(globalFlags, prober),
		createCheckCommand(globalFlags),
		createConfigCommand(globalFlags),
		createRemoteCommand(globalFlags, "status", "Show the monitor state of a running dashboard", cmdStatus),
		createRemoteCommand(globalFlags, "start", "Start the monitor in a running dashboard", cmdStart),
		createRemoteCommand(globalFlags, "stop", "Stop the monitor in a running dashboard", cmdStop),
		createRemoteCommand(globalFlags, "logs", "Print the dashboard's recent log entries", cmdLogs),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelmon",
		Short: "Keep a cloudflared tunnel up",
		Long: `Tunnelmon supervises cloudflared: it checks connectivity, starts the
tunnel when the network is up, watches its output for the public URL and
restarts it after repeated failures.

Examples:
  tunnelmon run --tunnel-url=http://localhost:8080
  tunnelmon serve                   # dashboard on [server].listen
  tunnelmon probe 1.1.1.1 --count=3
  tunnelmon status --api-url=http://127.0.0.1:5000/api
  tunnelmon config show`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.DefaultFile, "path to TOML config file")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise cloudflared in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *runFlags
			f.ConfigPath = globalFlags.ConfigPath
			return cmdRun(cmd.Context(), cmd.ErrOrStderr(), f)
		},
	}
	cmd.Flags().StringVar(&runFlags.TunnelURL, "tunnel-url", "", "local service to expose (overrides config)")
	cmd.Flags().StringVar(&runFlags.CloudflaredPath, "cloudflared", "", "cloudflared binary (overrides config)")
	cmd.Flags().StringVar(&runFlags.PingHost, "ping-host", "", "host used for connectivity checks (overrides config)")
	cmd.Flags().BoolVar(&runFlags.Debug, "debug", false, "debug logging")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard and control API",
		Long: `Start the dashboard. The monitor is started from the dashboard or the
API unless [server].auto_start or --auto-start is set.

Examples:
  tunnelmon serve --listen=127.0.0.1:5000
  tunnelmon serve --daemonize        # pidfile/logfile from [server] unless given`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *serveFlags
			f.ConfigPath = globalFlags.ConfigPath
			return cmdServe(cmd.Context(), cmd.ErrOrStderr(), f)
		},
	}
	cmd.Flags().StringVar(&serveFlags.TunnelURL, "tunnel-url", "", "local service to expose (overrides config)")
	cmd.Flags().StringVar(&serveFlags.CloudflaredPath, "cloudflared", "", "cloudflared binary (overrides config)")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "dashboard address (overrides config)")
	cmd.Flags().BoolVar(&serveFlags.AutoStart, "auto-start", false, "start the monitor immediately")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createProbeCommand(globalFlags *GlobalFlags, prober sampler.Prober) *cobra.Command {
	probeFlags := &ProbeFlags{}
	cmd := &cobra.Command{
		Use:   "probe [host]",
		Short: "Check connectivity the way the monitor does",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *probeFlags
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.Host = args[0]
			}
			return cmdProbe(cmd.Context(), cmd.OutOrStdout(), f, prober)
		},
	}
	cmd.Flags().DurationVar(&probeFlags.Timeout, "timeout", 0, "per-probe timeout (default from config)")
	cmd.Flags().IntVar(&probeFlags.Count, "count", 1, "number of probes")
	return cmd
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	checkFlags := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the cloudflared binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *checkFlags
			f.ConfigPath = globalFlags.ConfigPath
			return cmdCheck(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&checkFlags.CloudflaredPath, "cloudflared", "", "cloudflared binary (overrides config)")
	cmd.Flags().DurationVar(&checkFlags.Timeout, "timeout", 10*time.Second, "version check timeout")
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	configFlags := &ConfigFlags{}
	flagsFor := func() ConfigFlags {
		f := *configFlags
		f.ConfigPath = globalFlags.ConfigPath
		return f
	}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or reset the config file",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdConfigShow(cmd.OutOrStdout(), flagsFor())
		},
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdConfigInit(cmd.OutOrStdout(), flagsFor())
		},
	}
	initCmd.Flags().BoolVar(&configFlags.Force, "force", false, "overwrite an existing file")
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Back up the config file and restore defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdConfigReset(cmd.OutOrStdout(), flagsFor())
		},
	}
	cmd.AddCommand(show, initCmd, reset)
	return cmd
}
