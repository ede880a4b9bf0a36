package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "warden",
		Short: "Lifecycle controller for background developer services",
		Long: `Warden supervises the background services of a developer workstation:
it starts them in dependency order, watches their health, restarts the
unhealthy ones, and answers status queries over a local IPC socket.

Examples:
  warden serve                       # run the supervisor in the foreground
  warden serve --daemonize           # run it in the background
  warden status                      # show all services
  warden start dashboard             # start a service and its dependencies
  warden stop metricsdb --include-dependents
  warden shutdown                    # stop everything and exit the supervisor`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", defaultDataDir(), "directory for registry, socket and logs")

	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createShutdownCommand(flags),
		createPingCommand(flags),
	)
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/warden"
	}
	return home + "/.warden"
}
