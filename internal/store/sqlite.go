package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/jurisbot/internal/domain"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			granted INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			state TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON bot_sessions(tenant_id, state)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			client_handle TEXT NOT NULL,
			client_name TEXT NOT NULL DEFAULT '',
			field TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_handle ON conversations(session_id, client_handle, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, granted, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			granted = excluded.granted,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.Granted, boolToInt(t.Active), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, granted, active, created_at, updated_at FROM tenants WHERE id = ?
	`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, notFound("tenant", id)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLite) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, granted, active, created_at, updated_at FROM tenants ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSession(ctx context.Context, b domain.BotSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (id, tenant_id, state, active, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			active = excluded.active,
			last_activity = excluded.last_activity
	`, b.ID, b.TenantID, string(b.State), boolToInt(b.Active), formatTime(b.CreatedAt), formatTime(b.LastActivity))
	if err != nil {
		return fmt.Errorf("save session %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (domain.BotSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, state, active, created_at, last_activity FROM bot_sessions WHERE id = ?
	`, id)
	b, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BotSession{}, notFound("session", id)
	}
	if err != nil {
		return domain.BotSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLite) ListSessions(ctx context.Context, tenantID string) ([]domain.BotSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, state, active, created_at, last_activity FROM bot_sessions
		WHERE ? = '' OR tenant_id = ?
		ORDER BY created_at, id
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.BotSession
	for rows.Next() {
		b, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) CountActiveSessions(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM bot_sessions WHERE tenant_id = ? AND active = 1 AND state <> ?
	`, tenantID, string(domain.SessionTerminated)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions of %s: %w", tenantID, err)
	}
	return n, nil
}

func (s *SQLite) SaveConversation(ctx context.Context, c domain.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, client_handle, client_name, field, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_name = excluded.client_name,
			field = excluded.field,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, c.ID, c.SessionID, c.ClientHandle, c.ClientName, c.Field, string(c.Status), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

const conversationColumns = `id, session_id, client_handle, client_name, field, status, created_at, updated_at`

func (s *SQLite) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return s.loadConversation(ctx, row, id)
}

func (s *SQLite) FindConversation(ctx context.Context, sessionID, handle string) (domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE session_id = ? AND client_handle = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, sessionID, handle)
	return s.loadConversation(ctx, row, sessionID+"/"+handle)
}

func (s *SQLite) loadConversation(ctx context.Context, row *sql.Row, ref string) (domain.Conversation, error) {
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, notFound("conversation", ref)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation %s: %w", ref, err)
	}
	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.Messages = msgs
	return c, nil
}

func (s *SQLite) ListConversations(ctx context.Context, sessionID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE session_id = ? ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendMessage(ctx context.Context, m domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, text, at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.ConversationID, string(m.Role), m.Text, formatTime(m.At))
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, text, at FROM messages WHERE conversation_id = ? ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m        domain.Message
			role, at string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Text, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.Role(role)
		m.At = parseTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (domain.Tenant, error) {
	var (
		t                domain.Tenant
		active           int
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Granted, &active, &created, &updated); err != nil {
		return domain.Tenant{}, err
	}
	t.Active = active != 0
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func scanSession(row scanner) (domain.BotSession, error) {
	var (
		b                   domain.BotSession
		state               string
		active              int
		created, lastActive string
	)
	if err := row.Scan(&b.ID, &b.TenantID, &state, &active, &created, &lastActive); err != nil {
		return domain.BotSession{}, err
	}
	b.State = domain.SessionState(state)
	b.Active = active != 0
	b.CreatedAt = parseTime(created)
	b.LastActivity = parseTime(lastActive)
	return b, nil
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var (
		c                domain.Conversation
		status           string
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.ClientHandle, &c.ClientName, &c.Field, &status, &created, &updated); err != nil {
		return domain.Conversation{}, err
	}
	c.Status = domain.ConversationStatus(status)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
