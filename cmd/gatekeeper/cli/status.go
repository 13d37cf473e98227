package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdfflex/gatekeeper/internal/model"
)

type statusOptions struct {
	url        string
	jsonOutput bool
}

// serverStatus is what `gatekeeper status` reports about a background server.
type serverStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	URL     string `json:"url,omitempty"`
	Live    bool   `json:"live"`
	Ready   bool   `json:"ready"`
	Store   string `json:"store,omitempty"`
	Note    string `json:"note,omitempty"`
	LogFile string `json:"logFile,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var opts statusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the Gatekeeper server is running",
		Long: `Check the background Gatekeeper server: process state, liveness and
whether its credential store answers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Base URL of the server (default from server.host and server.port)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

func runStatus(ctx context.Context, out io.Writer, opts statusOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st := serverStatus{LogFile: logFilePath()}

	pid, err := readPID()
	switch {
	case err != nil:
		st.Note = "no PID file found"
	case !isProcessRunning(pid):
		removePID()
		st.Note = "stale PID file removed"
	default:
		st.Running = true
		st.PID = pid
		st.URL = opts.url
		if st.URL == "" {
			st.URL = localBaseURL()
		}
		checkEndpoints(ctx, &http.Client{Timeout: 2 * time.Second}, &st)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	switch {
	case !st.Running:
		fmt.Fprintf(out, "Server is not running (%s).\n", st.Note)
		return nil
	case !st.Live:
		fmt.Fprintf(out, "Server process is running (PID %d) but not responding to HTTP at %s.\n", st.PID, st.URL)
	default:
		fmt.Fprintf(out, "Server is running (PID %d)\n", st.PID)
		fmt.Fprintf(out, "  URL:     %s\n", st.URL)
		fmt.Fprintf(out, "  Store:   %s\n", st.Store)
	}
	fmt.Fprintf(out, "  Logs:    %s\n", st.LogFile)
	return nil
}

func localBaseURL() string {
	port := viper.GetInt("server.port")
	if port == 0 {
		port = 8080
	}
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// checkEndpoints fills in liveness and store readiness from /healthz and
// /readyz.
func checkEndpoints(ctx context.Context, client *http.Client, st *serverStatus) {
	code, _, err := getStatus(ctx, client, st.URL+"/healthz")
	if err != nil || code != http.StatusOK {
		return
	}
	st.Live = true

	code, body, err := getStatus(ctx, client, st.URL+"/readyz")
	switch {
	case err != nil:
		st.Store = "unknown (" + err.Error() + ")"
	case code == http.StatusOK:
		st.Ready = true
		st.Store = "ready"
	default:
		var envelope model.ErrorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			st.Store = envelope.Error.Message
		} else {
			st.Store = fmt.Sprintf("not ready (HTTP %d)", code)
		}
	}
}

func getStatus(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, err
}
