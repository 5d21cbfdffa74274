package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotifier pushes run-completion notifications to the session that
// started the run.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier over the MCP server's push channel.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the given server and registry.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session that started the run.
// Best-effort: returns nil if no session is associated with the run.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	defer n.sessions.Forget(runID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
