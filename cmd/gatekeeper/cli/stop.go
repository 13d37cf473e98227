package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background Gatekeeper server",
		Long: `Stop a Gatekeeper server that was started with 'gatekeeper serve'.
The server drains in-flight verifications before it exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.OutOrStdout(), timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the server to exit (default server.shutdown_timeout plus 5s)")

	return cmd
}

func runStop(out io.Writer, timeout time.Duration) error {
	pid, err := readPID()
	if err != nil {
		return errors.Errorf("no running server found (missing PID file at %s)", pidFilePath())
	}

	if !isProcessRunning(pid) {
		removePID()
		return errors.Errorf("server (PID %d) is not running (stale PID file removed)", pid)
	}

	if timeout <= 0 {
		timeout = defaultStopTimeout()
	}

	fmt.Fprintf(out, "Stopping Gatekeeper server (PID %d)...\n", pid)
	if err := stopProcess(pid); err != nil {
		return errors.Wrap(err, "stop server")
	}

	if !waitForExit(pid, timeout, 100*time.Millisecond) {
		return errors.Errorf("server (PID %d) did not stop within %s; it may still be draining connections", pid, timeout)
	}
	removePID()
	fmt.Fprintln(out, "Server stopped.")
	return nil
}

// defaultStopTimeout gives the server its configured drain time plus a margin
// for closing the store.
func defaultStopTimeout() time.Duration {
	const margin = 5 * time.Second
	cfg, err := loadConfig()
	if err != nil {
		return 30*time.Second + margin
	}
	return cfg.Server.ShutdownTimeoutDuration() + margin
}

// waitForExit polls until pid is gone or timeout passes.
func waitForExit(pid int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !isProcessRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
