// Package server exposes the POI loader over MCP stdio and serves the
// monitoring endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/NERVsystems/poiloader/pkg/tools"
)

const (
	// ServerName is the name of the MCP server
	ServerName = "poiloader"

	// ServerVersion is the version of the MCP server
	ServerVersion = "0.1.0"
)

// Server wraps the MCP server carrying the loader tools.
type Server struct {
	srv    *mcpserver.MCPServer
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewServer creates an MCP server with every tool of registry registered.
func NewServer(logger *slog.Logger, registry *tools.Registry) *Server {
	logger.Info("initializing MCP server",
		"name", ServerName,
		"version", ServerVersion)

	srv := mcpserver.NewMCPServer(
		ServerName,
		ServerVersion,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	registry.RegisterTools(srv)

	return &Server{
		srv:    srv,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		doneCh: make(chan struct{}),
	}
}

// Run serves MCP over stdin/stdout until stdin closes.
func (s *Server) Run() error {
	return s.RunWithContext(context.Background())
}

// RunWithContext serves MCP over stdin/stdout until ctx is canceled,
// Shutdown is called or stdin closes.
func (s *Server) RunWithContext(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.doneCh)
	defer s.cancel()

	stdio := mcpserver.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	err := stdio.Listen(ctx, s.stdin, s.stdout)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		s.logger.Info("MCP server stopped")
		return nil
	default:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// Shutdown stops a running server. It does not block.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.cancel != nil {
		s.cancel()
	}
}

// WaitForShutdown blocks until RunWithContext has returned.
func (s *Server) WaitForShutdown() {
	<-s.doneCh
}

// GetMCPServer returns the underlying MCP server instance
func (s *Server) GetMCPServer() *mcpserver.MCPServer {
	return s.srv
}
