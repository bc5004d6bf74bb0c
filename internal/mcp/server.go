// ABOUTME: MCP server setup for the health sync core.
// ABOUTME: Wraps the MCP server with the store, adapter registry, and orchestrator.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/storage"
	"github.com/harperreed/healthsync/internal/syncer"
)

// Server wraps the MCP server with sync and storage access.
type Server struct {
	mcpServer *mcp.Server
	store     storage.Store
	registry  *adapter.Registry
	syncer    *syncer.Orchestrator
	userID    string
	logger    *slog.Logger
}

// Options wires a Server. Every field except Logger is required.
type Options struct {
	Store        storage.Store
	Registry     *adapter.Registry
	Orchestrator *syncer.Orchestrator
	// UserID is used when a tool call does not name a user.
	UserID string
	Logger *slog.Logger
}

// NewServer creates a new MCP server.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Orchestrator == nil {
		return nil, errors.New("mcp server: store, registry and orchestrator are required")
	}
	if opts.UserID == "" {
		return nil, errors.New("mcp server: default user id is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "healthsync",
			Version: "1.0.0",
		},
		nil,
	)

	s := &Server{
		mcpServer: mcpServer,
		store:     opts.Store,
		registry:  opts.Registry,
		syncer:    opts.Orchestrator,
		userID:    opts.UserID,
		logger:    logging.OrDefault(opts.Logger).With(logging.Component("mcp")),
	}

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) user(id string) string {
	if id != "" {
		return id
	}
	return s.userID
}
