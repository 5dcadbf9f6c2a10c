// Package mcp implements a read-only MCP (Model Context Protocol) server that
// reports offline key status to AI agents. Agents never receive note content,
// titles or key material, and cannot start a recovery: the passcode is only
// ever typed into the terminal.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/itemcrypto"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// maxConcurrentCalls bounds concurrent tool calls that decrypt the store.
const maxConcurrentCalls = 4

// Store is the read side of the local store.
type Store interface {
	OfflineAuthParams(ctx context.Context) (*keys.AuthParams, error)
	OfflineKeys(ctx context.Context) (*keys.KeySet, error)
	LoadItems(ctx context.Context) ([]*corpus.Item, error)
}

// Server represents the MCP server for keyrecover.
type Server struct {
	server  *mcp.Server
	store   Store
	cipher  *itemcrypto.Cipher
	logger  *slog.Logger
	callSem chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server reading from st. version is reported to
// clients.
func NewServer(st Store, version string, opts ...Option) *Server {
	s := &Server{
		store:   st,
		cipher:  itemcrypto.New(),
		logger:  slog.Default(),
		callSem: make(chan struct{}, maxConcurrentCalls),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(
		&mcp.Implementation{
			Name:    "keyrecover",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	// recovery_status - Whether keys exist and how many items fail
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recovery_status",
		Description: "Report whether a local passcode is set up, whether offline keys exist, and how many items fail to decrypt. Recovery itself must be run by the user in a terminal.",
	}, s.handleRecoveryStatus)

	// item_list - Item IDs with decryption status (no content)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "item_list",
		Description: "List item IDs with their decryption status. Does NOT return titles or content.",
	}, s.handleItemList)

	// item_exists - Check one item
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "item_exists",
		Description: "Check if an item ID exists and whether it decrypts with the current offline keys. Does NOT return content.",
	}, s.handleItemExists)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
