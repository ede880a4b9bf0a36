package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomlabs/warden"
	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/pkg/client"
	"github.com/spf13/cobra"
)

// ServeFlags holds serve-only flags.
type ServeFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
	NoStart   bool
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.Daemonize {
				if err := daemonize(sf.PIDFile, sf.LogFile); err != nil {
					return err
				}
			}
			return runServe(flags, sf)
		},
	}
	cmd.Flags().BoolVar(&sf.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&sf.PIDFile, "pidfile", "", "write supervisor pid to this file")
	cmd.Flags().StringVar(&sf.LogFile, "logfile", "", "daemon log file (with --daemonize)")
	cmd.Flags().BoolVar(&sf.NoStart, "no-start", false, "do not start services at boot")
	return cmd
}

func runServe(flags *GlobalFlags, sf *ServeFlags) error {
	fc, err := warden.LoadConfig(flags.ConfigPath, flags.DataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(flags.DataDir, 0o700); err != nil {
		return err
	}
	w, err := warden.New(fc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return err
	}
	if sf.PIDFile != "" {
		if err := writePIDFile(sf.PIDFile); err != nil {
			return err
		}
		defer func() { _ = os.Remove(sf.PIDFile) }()
	}
	if !sf.NoStart {
		if err := w.StartAll(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = w.Stop(stopCtx)
			stopCancel()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
	case <-w.ShutdownRequested():
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer stopCancel()
	return w.Stop(stopCtx)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

// newClient builds an IPC client from the resolved config.
func newClient(flags *GlobalFlags) (*client.Client, *warden.FileConfig, error) {
	fc, err := warden.LoadConfig(flags.ConfigPath, flags.DataDir)
	if err != nil {
		return nil, nil, err
	}
	tr, err := warden.Transport(fc)
	if err != nil {
		return nil, nil, err
	}
	token := ""
	if secret, err := fc.ReadTokenSecret(); err == nil && len(secret) > 0 {
		if tok, serr := ipc.Sign(secret, os.Getpid(), 5*time.Minute); serr == nil {
			token = tok
		}
	}
	c, err := client.New(client.Config{Transport: tr, AuthToken: token, Version: warden.Version})
	if err != nil {
		return nil, nil, err
	}
	return c, fc, nil
}

func printProgress(p ipc.Progress) {
	if p.Message != "" {
		fmt.Printf("  %-12s %s -> %s (%s)\n", p.Service, p.From, p.To, p.Message)
		return
	}
	fmt.Printf("  %-12s %s -> %s\n", p.Service, p.From, p.To)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// fallbackOrch builds a direct orchestrator for when the supervisor is
// down.
func fallbackOrch(fc *warden.FileConfig) (*client.Fallback, error) {
	w, err := warden.New(fc)
	if err != nil {
		return nil, err
	}
	return client.NewFallback(w.Orchestrator, nil), nil
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service...]",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, fc, err := newClient(flags)
			if err != nil {
				return err
			}
			doc, err := c.Status(cmd.Context(), args)
			if errors.Is(err, client.ErrUnreachable) {
				fb, ferr := fallbackOrch(fc)
				if ferr != nil {
					return ferr
				}
				sts, serr := fb.Status(args)
				if serr != nil {
					return serr
				}
				fmt.Fprintln(os.Stderr, client.Remediation)
				return printJSON(map[string]any{"services": sts})
			}
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "start [service...]",
		Short: "Start services (all when none named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, fc, err := newClient(flags)
			if err != nil {
				return err
			}
			options := map[string]string{}
			if strategy != "" {
				options["strategy"] = strategy
			}
			err = c.Start(cmd.Context(), args, options, printProgress)
			if errors.Is(err, client.ErrUnreachable) {
				fb, ferr := fallbackOrch(fc)
				if ferr != nil {
					return ferr
				}
				if err := fb.Start(cmd.Context(), args, options, printProgress); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, client.Remediation)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "pin the start strategy (no fallback past it)")
	return cmd
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	var includeDependents, force bool
	cmd := &cobra.Command{
		Use:   "stop <service>...",
		Short: "Stop services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, fc, err := newClient(flags)
			if err != nil {
				return err
			}
			err = c.Stop(cmd.Context(), args, includeDependents, force, printProgress)
			if errors.Is(err, client.ErrUnreachable) {
				fb, ferr := fallbackOrch(fc)
				if ferr != nil {
					return ferr
				}
				if err := fb.Stop(cmd.Context(), args, includeDependents, force, printProgress); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, client.Remediation)
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&includeDependents, "include-dependents", false, "also stop services that depend on these")
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately, skipping the graceful window")
	return cmd
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	var includeDependents bool
	cmd := &cobra.Command{
		Use:   "restart <service>...",
		Short: "Restart services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(flags)
			if err != nil {
				return err
			}
			return c.Restart(cmd.Context(), args, includeDependents, printProgress)
		},
	}
	cmd.Flags().BoolVar(&includeDependents, "include-dependents", false, "also restart services that depend on these")
	return cmd
}

func createShutdownCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop all services and exit the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(flags)
			if err != nil {
				return err
			}
			return c.Shutdown(cmd.Context(), printProgress)
		},
	}
}

func createPingCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the supervisor is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(flags)
			if err != nil {
				return err
			}
			res, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
