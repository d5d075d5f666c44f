package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/appvisor/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(newCommand(os.Stdout))
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(c, globalFlags)

	root.AddCommand(
		createDaemonCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createResetCommand(c),
		createStatusCommand(c),
		createLogsCommand(c),
		createInitCommand(c),
	)
	return root
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appvisor",
		Short: "Supervise the apps of an ecosystem file",
		Long: `appvisor launches the apps declared in an ecosystem file, keeps them
alive under a bounded restart policy, restarts them when they exceed their
memory budget and writes their output to timestamped log files.

Examples:
  appvisor daemon ecosystem.json    # run the supervisor in the foreground
  appvisor start ecosystem.json     # apply a file, spawning the daemon if needed
  appvisor status
  appvisor logs web --follow`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon control URL (default http://127.0.0.1:9615/api, env APPVISOR_API_URL)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	c.v.SetEnvPrefix(config.EnvPrefix)
	_ = c.v.BindEnv("api_url")
	_ = c.v.BindPFlag("api_url", root.PersistentFlags().Lookup("api-url"))
	_ = c.v.BindPFlag("api_timeout", root.PersistentFlags().Lookup("api-timeout"))
	return root
}

func createDaemonCommand(c *command) *cobra.Command {
	f := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon <config>",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor in the foreground until SIGINT or SIGTERM.
All apps of the ecosystem file are started; the control surface listens on
daemon.listen (loopback only).

Examples:
  appvisor daemon ecosystem.json
  appvisor daemon ecosystem.yaml --daemonize`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = args[0]
			return c.Daemon(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file when daemonized")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <config|name>",
		Short: "Apply an ecosystem file or start an app",
		Long: `With an ecosystem file, load it into the daemon and start its apps; the
daemon is spawned first when it is not reachable. With a name, start that
app (all replicas) or a single instance.

Examples:
  appvisor start ecosystem.json
  appvisor start web
  appvisor start web-2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args[0])
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop an app or instance",
		Long: `Stop an app or instance. SIGTERM is sent to the process group and
SIGKILL follows once the kill timeout (or --wait) elapses.

Examples:
  appvisor stop web
  appvisor stop web --wait=10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "override the app's kill timeout")
	return cmd
}

func createRestartCommand(c *command) *cobra.Command {
	f := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart an app or instance",
		Long: `Restart an app or instance as a fresh cycle. --reset also clears the
restart counters. A failed instance must be reset before it can restart.

Examples:
  appvisor restart web
  appvisor restart worker --reset`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Restart(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Reset, "reset", false, "clear restart counters first")
	return cmd
}

func createResetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Clear restart counters",
		Long: `Clear restart counters. A failed instance moves back to stopped and can be
started again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reset(cmd.Context(), args[0])
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show app status",
		Long: `Show the status of every instance, or of the replicas of one app.

Examples:
  appvisor status
  appvisor status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Name = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print an app's log",
		Long: `Print the last lines of an app's stdout log, or its error log with --error.

Examples:
  appvisor logs web
  appvisor logs web --lines=100 --error
  appvisor logs web --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Lines, "lines", 15, "number of lines to print")
	cmd.Flags().BoolVar(&f.Error, "error", false, "read the error log")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

func createInitCommand(c *command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write a sample ecosystem file",
		Long: `Write a sample ecosystem file. The format follows the file extension
(json, yaml or toml).

Supported template types:
  web       - Node.js web server, two instances
  api       - API service binary
  worker    - Background worker
  python    - Python script
  simple    - Basic command

Examples:
  appvisor init
  appvisor init ecosystem.yaml --type=web --name=frontend
  appvisor init ecosystem.toml --type=worker --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Output = "ecosystem.json"
			if len(args) > 0 {
				f.Output = args[0]
			}
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "simple", "template type: web, api, worker, python, simple")
	cmd.Flags().StringVar(&f.Name, "name", "", "app name (defaults to <type>-app)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
