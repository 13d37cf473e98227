package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	gmcp "github.com/pdfflex/gatekeeper/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for operator agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes API key operations
(list, inspect, issue, revoke, verify) as tools. Supports stdio (default) and
HTTP transports.

In stdio mode the server talks JSON-RPC over stdin/stdout, suitable for MCP
clients that launch it as a subprocess. In HTTP mode it listens on the given
port using the Streamable HTTP transport.`,
		Example: `  gatekeeper mcp                              # stdio mode
  gatekeeper mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), viper.GetString("mcp.transport"), viper.GetInt("mcp.port"))
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.port", cmd.Flags().Lookup("port"))

	return cmd
}

func runMCP(ctx context.Context, transport string, port int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := newLogger(cfg.Logging, os.Stderr)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	svcs := buildServices(st, cfg, logger)

	mcpSrv := gmcp.NewMCPServer(gmcp.Deps{
		Issuer:    svcs.issuer,
		Keys:      svcs.keys,
		Validator: svcs.validator,
		Limits:    svcs.limits,
	}, versionString(), logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	default:
		return errors.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
