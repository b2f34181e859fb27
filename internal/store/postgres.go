package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stellarlinkco/jurisbot/internal/domain"
)

// Postgres is the Store for multi-replica deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			granted INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			state TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON bot_sessions(tenant_id, state)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			client_handle TEXT NOT NULL,
			client_name TEXT NOT NULL DEFAULT '',
			field TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_handle ON conversations(session_id, client_handle, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, granted, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			granted = EXCLUDED.granted,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, t.ID, t.Name, t.Granted, t.Active, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

const pgTenantColumns = `id, name, granted, active, created_at, updated_at`

func (p *Postgres) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := p.pool.QueryRow(ctx, `SELECT `+pgTenantColumns+` FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Granted, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, notFound("tenant", id)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgTenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Granted, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSession(ctx context.Context, b domain.BotSession) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bot_sessions (id, tenant_id, state, active, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			active = EXCLUDED.active,
			last_activity = EXCLUDED.last_activity
	`, b.ID, b.TenantID, string(b.State), b.Active, b.CreatedAt, b.LastActivity)
	if err != nil {
		return fmt.Errorf("save session %s: %w", b.ID, err)
	}
	return nil
}

const pgSessionColumns = `id, tenant_id, state, active, created_at, last_activity`

func scanPgSession(row pgx.Row) (domain.BotSession, error) {
	var (
		b     domain.BotSession
		state string
	)
	if err := row.Scan(&b.ID, &b.TenantID, &state, &b.Active, &b.CreatedAt, &b.LastActivity); err != nil {
		return domain.BotSession{}, err
	}
	b.State = domain.SessionState(state)
	return b, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (domain.BotSession, error) {
	b, err := scanPgSession(p.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM bot_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BotSession{}, notFound("session", id)
	}
	if err != nil {
		return domain.BotSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return b, nil
}

func (p *Postgres) ListSessions(ctx context.Context, tenantID string) ([]domain.BotSession, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgSessionColumns+` FROM bot_sessions
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.BotSession
	for rows.Next() {
		b, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveSessions(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM bot_sessions WHERE tenant_id = $1 AND active AND state <> $2
	`, tenantID, string(domain.SessionTerminated)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions of %s: %w", tenantID, err)
	}
	return n, nil
}

func (p *Postgres) SaveConversation(ctx context.Context, c domain.Conversation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO conversations (id, session_id, client_handle, client_name, field, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			client_name = EXCLUDED.client_name,
			field = EXCLUDED.field,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.SessionID, c.ClientHandle, c.ClientName, c.Field, string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

func scanPgConversation(row pgx.Row) (domain.Conversation, error) {
	var (
		c      domain.Conversation
		status string
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.ClientHandle, &c.ClientName, &c.Field, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	c.Status = domain.ConversationStatus(status)
	return c, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return p.loadConversation(ctx, row, id)
}

func (p *Postgres) FindConversation(ctx context.Context, sessionID, handle string) (domain.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE session_id = $1 AND client_handle = $2
		ORDER BY created_at DESC, seq DESC LIMIT 1
	`, sessionID, handle)
	return p.loadConversation(ctx, row, sessionID+"/"+handle)
}

func (p *Postgres) loadConversation(ctx context.Context, row pgx.Row, ref string) (domain.Conversation, error) {
	c, err := scanPgConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, notFound("conversation", ref)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation %s: %w", ref, err)
	}
	if c.Messages, err = p.ListMessages(ctx, c.ID); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

func (p *Postgres) ListConversations(ctx context.Context, sessionID string) ([]domain.Conversation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE session_id = $1 ORDER BY created_at, seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendMessage(ctx context.Context, m domain.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, text, at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ConversationID, string(m.Role), m.Text, m.At)
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, role, text, at FROM messages WHERE conversation_id = $1 ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m    domain.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Text, &m.At); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
