package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/gateway"
)

// messageMethod is the notification carrying outbound conversation messages.
const messageMethod = "notifications/message"

// ConversationNotifier delivers outbound messages to the MCP client driving
// the conversation, so an MCP client can act as a chat channel. Messages for
// conversations with no connected client go to the fallback deliverer.
type ConversationNotifier struct {
	sessions *SessionRegistry
	fallback gateway.Deliverer

	mu        sync.RWMutex
	mcpServer *server.MCPServer
}

// NewConversationNotifier creates a notifier. fallback may be nil, in which
// case undeliverable messages are dropped.
func NewConversationNotifier(sessions *SessionRegistry, fallback gateway.Deliverer) *ConversationNotifier {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	return &ConversationNotifier{sessions: sessions, fallback: fallback}
}

// attach binds the MCP server once it exists. The gateway needs the
// notifier before the server can be built.
func (n *ConversationNotifier) attach(s *server.MCPServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mcpServer = s
}

// Sessions returns the registry the notifier routes by.
func (n *ConversationNotifier) Sessions() *SessionRegistry { return n.sessions }

// Deliver implements gateway.Deliverer.
func (n *ConversationNotifier) Deliver(ctx context.Context, conversationRef, text string) error {
	n.mu.RLock()
	srv := n.mcpServer
	n.mu.RUnlock()

	sessionID, ok := n.sessions.SessionFor(conversationRef)
	if !ok || srv == nil {
		return n.deliverFallback(ctx, conversationRef, text)
	}
	err := srv.SendNotificationToSpecificClient(sessionID, messageMethod, map[string]any{
		"conversation_ref": conversationRef,
		"text":             text,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return n.deliverFallback(ctx, conversationRef, text)
	}
	return err
}

func (n *ConversationNotifier) deliverFallback(ctx context.Context, conversationRef, text string) error {
	if n.fallback == nil {
		return nil
	}
	return n.fallback.Deliver(ctx, conversationRef, text)
}
