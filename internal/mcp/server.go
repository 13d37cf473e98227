// Package mcp exposes operator tools for API keys over the Model Context
// Protocol.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pdfflex/gatekeeper/internal/service"
)

// Deps are the services the tools act through.
type Deps struct {
	Issuer    *service.Issuer
	Keys      *service.KeyManager
	Validator *service.Validator
	Limits    service.IssuerConfig
}

// MCPServer wraps the mcp-go server with the gatekeeper tool and resource
// registrations. Tools act as an operator: they are not scoped to one user.
type MCPServer struct {
	deps   Deps
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(deps Deps, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		deps:   deps,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Gatekeeper API Keys",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// it as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
