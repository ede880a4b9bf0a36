package main

import (
	"fmt"
	"os"
	"os/exec"
)

// daemonize re-executes the current command in the background and exits the
// parent. The child runs with --daemonize stripped so it serves in the
// foreground of its own session.
func daemonize(pidFile, logFile string) error {
	if os.Getppid() == 1 {
		// already detached
		return nil
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	var args []string
	skipNext := false
	for _, arg := range os.Args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize":
			continue
		case "--pidfile", "--logfile":
			skipNext = true
			continue
		}
		args = append(args, arg)
	}
	if pidFile != "" {
		args = append(args, "--pidfile", pidFile)
	}

	// #nosec G204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open daemon log: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	fmt.Printf("supervisor started in background (pid %d)\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}
