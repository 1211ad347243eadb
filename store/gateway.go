package store

import (
	"go.uber.org/zap"

	"github.com/ecmoce/chatgate"
)

// Gateway is the persistence façade used by the session layer. Every
// operation reports a degraded flag: true means the durable store failed
// (or was never available) and the in-memory fallback served the call.
// Turns stay available during a storage outage; their terminal status
// carries the flag.
type Gateway struct {
	primary  Store // nil when durable storage never opened
	fallback Store
	logger   *zap.Logger
}

// NewGateway wraps a durable store with an in-memory fallback. primary
// may be nil, in which case every operation is degraded.
func NewGateway(primary Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		primary:  primary,
		fallback: NewMemStore(),
		logger:   logger,
	}
}

// EnsureConversation resolves or creates the conversation id.
func (g *Gateway) EnsureConversation(user, optionalID, firstMessage string) (string, bool) {
	if g.primary != nil {
		id, err := g.primary.EnsureConversation(user, optionalID, firstMessage)
		if err == nil {
			return id, false
		}
		g.logger.Error("durable store failed, degrading turn",
			zap.String("op", "ensure_conversation"), zap.Error(err))
	}
	id, _ := g.fallback.EnsureConversation(user, optionalID, firstMessage)
	return id, true
}

// Append stores one message.
func (g *Gateway) Append(convID string, msg chatgate.Message) (chatgate.Message, bool) {
	if g.primary != nil {
		stored, err := g.primary.Append(convID, msg)
		if err == nil {
			return stored, false
		}
		g.logger.Error("durable store failed, degrading turn",
			zap.String("op", "append"), zap.String("conversation_id", convID), zap.Error(err))
	}
	stored, _ := g.fallback.Append(convID, msg)
	return stored, true
}

// History loads the conversation's messages.
func (g *Gateway) History(convID string) ([]chatgate.Message, bool) {
	if g.primary != nil {
		msgs, err := g.primary.History(convID)
		if err == nil {
			return msgs, false
		}
		g.logger.Error("durable store failed, degrading read",
			zap.String("op", "history"), zap.String("conversation_id", convID), zap.Error(err))
	}
	msgs, _ := g.fallback.History(convID)
	return msgs, true
}

// UpdateTitle replaces the conversation title.
func (g *Gateway) UpdateTitle(convID, title string) bool {
	if g.primary != nil {
		if err := g.primary.UpdateTitle(convID, title); err == nil {
			return false
		} else {
			g.logger.Error("durable store failed, degrading write",
				zap.String("op", "update_title"), zap.Error(err))
		}
	}
	_ = g.fallback.UpdateTitle(convID, title)
	return true
}

// Conversations lists the user's recent conversations.
func (g *Gateway) Conversations(user string) ([]chatgate.Conversation, bool) {
	if g.primary != nil {
		convs, err := g.primary.Conversations(user)
		if err == nil {
			return convs, false
		}
		g.logger.Error("durable store failed, degrading read",
			zap.String("op", "conversations"), zap.Error(err))
	}
	convs, _ := g.fallback.Conversations(user)
	return convs, true
}

// Owner reports which user holds the conversation, empty if unknown.
func (g *Gateway) Owner(convID string) (string, bool) {
	if g.primary != nil {
		owner, err := g.primary.Owner(convID)
		if err == nil {
			return owner, false
		}
		g.logger.Error("durable store failed, degrading read",
			zap.String("op", "owner"), zap.String("conversation_id", convID), zap.Error(err))
	}
	owner, _ := g.fallback.Owner(convID)
	return owner, true
}

// Delete removes one conversation owned by user.
func (g *Gateway) Delete(convID, user string) (bool, bool) {
	if g.primary != nil {
		ok, err := g.primary.Delete(convID, user)
		if err == nil {
			return ok, false
		}
		g.logger.Error("durable store failed, degrading write",
			zap.String("op", "delete"), zap.Error(err))
	}
	ok, _ := g.fallback.Delete(convID, user)
	return ok, true
}

// DeleteAll removes every conversation owned by user.
func (g *Gateway) DeleteAll(user string) bool {
	if g.primary != nil {
		if err := g.primary.DeleteAll(user); err == nil {
			return false
		} else {
			g.logger.Error("durable store failed, degrading write",
				zap.String("op", "delete_all"), zap.Error(err))
		}
	}
	_ = g.fallback.DeleteAll(user)
	return true
}

// Search matches messages by content.
func (g *Gateway) Search(user, query string) ([]SearchResult, bool) {
	if g.primary != nil {
		results, err := g.primary.Search(user, query)
		if err == nil {
			return results, false
		}
		g.logger.Error("durable store failed, degrading read",
			zap.String("op", "search"), zap.Error(err))
	}
	results, _ := g.fallback.Search(user, query)
	return results, true
}

// Close closes the durable store, if any.
func (g *Gateway) Close() error {
	if g.primary != nil {
		return g.primary.Close()
	}
	return nil
}
