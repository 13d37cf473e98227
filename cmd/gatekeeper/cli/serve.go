package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdfflex/gatekeeper/internal/server"
)

const banner = `
  ____       _       _
 / ___| __ _| |_ ___| | _____  ___ _ __   ___ _ __
| |  _ / _' | __/ _ \ |/ / _ \/ _ \ '_ \ / _ \ '__|
| |_| | (_| | ||  __/   <  __/  __/ |_) |  __/ |
 \____|\__,_|\__\___|_|\_\___|\___| .__/ \___|_|
                                  |_|
`

func newServeCmd() *cobra.Command {
	var (
		port   int
		host   string
		daemon bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Gatekeeper API server",
		Long:  "Start the HTTP server that manages API keys and verifies them for upstream services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemon()
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run in the background, logging to the data directory")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	resolver, err := newResolver(cfg.Auth)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("credential store opened", "driver", cfg.Store.Driver)

	svcs := buildServices(st, cfg, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeoutDuration(),
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimit:       cfg.Server.RateLimit,
		MaxBodySize:     cfg.Server.MaxBodySize,
		Version:         versionString(),
	}
	srv := server.New(srvCfg, server.Deps{
		Store:     st,
		Validator: svcs.validator,
		Usage:     svcs.usage,
		Issuer:    svcs.issuer,
		Keys:      svcs.keys,
		Resolver:  resolver,
	}, logger)

	host := cfg.Server.Host
	fmt.Print(banner)
	fmt.Println()
	fmt.Printf("→ Gatekeeper %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, cfg.Server.Port)
	fmt.Printf("→ Verify:     http://%s:%d/api/v1/auth/verify\n", host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, cfg.Server.Port)
	fmt.Printf("→ Store:      %s (auth mode: %s)\n", cfg.Store.Driver, cfg.Auth.Mode)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}

// runDaemon re-executes the binary without --daemon in a detached process
// whose output goes to the log file.
func runDaemon() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return errors.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate executable")
	}

	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return errors.Wrap(err, "start background server")
	}
	if err := writePID(child.Process.Pid); err != nil {
		return errors.Wrap(err, "write PID file")
	}

	fmt.Printf("Gatekeeper started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: gatekeeper stop")
	return child.Process.Release()
}
