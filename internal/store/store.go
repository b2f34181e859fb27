// Package store persists tenants, bot sessions, conversations and messages.
// Every write is a single-row upsert or append keyed by entity id.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
)

type Store interface {
	UpsertTenant(ctx context.Context, t domain.Tenant) error
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)

	SaveSession(ctx context.Context, s domain.BotSession) error
	GetSession(ctx context.Context, id string) (domain.BotSession, error)
	// ListSessions returns the sessions of tenantID, or of every tenant when
	// tenantID is empty.
	ListSessions(ctx context.Context, tenantID string) ([]domain.BotSession, error)
	CountActiveSessions(ctx context.Context, tenantID string) (int, error)

	// SaveConversation upserts the conversation row; Messages are ignored.
	SaveConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	// FindConversation returns the most recent conversation between a session
	// and a client handle, with its transcript.
	FindConversation(ctx context.Context, sessionID, handle string) (domain.Conversation, error)
	ListConversations(ctx context.Context, sessionID string) ([]domain.Conversation, error)

	// AppendMessage is a no-op for an id already stored.
	AppendMessage(ctx context.Context, m domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	Close() error
}

// Open picks an adapter from driver: "sqlite" (dsn is a file path) or
// "postgres" (dsn is a connection string).
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func notFound(kind, id string) error {
	code := fault.CodeNotFound
	if kind == "session" {
		code = fault.CodeSessionNotFound
	}
	return fault.New(code, "%s %s not found", kind, id)
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)
