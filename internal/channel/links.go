package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/types"
)

// deviceLinks remembers which paired device belongs to which bot session.
type deviceLinks struct {
	db *sql.DB
}

func newDeviceLinks(db *sql.DB) (*deviceLinks, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jurisbot_device_links (
		session_id TEXT PRIMARY KEY,
		jid TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("init link table: %w", err)
	}
	return &deviceLinks{db: db}, nil
}

func (l *deviceLinks) Get(ctx context.Context, sessionID string) (types.JID, bool, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT jid FROM jurisbot_device_links WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EmptyJID, false, nil
	}
	if err != nil {
		return types.EmptyJID, false, fmt.Errorf("get device link %s: %w", sessionID, err)
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.EmptyJID, false, fmt.Errorf("parse device link %s: %w", sessionID, err)
	}
	return jid, true, nil
}

func (l *deviceLinks) Put(ctx context.Context, sessionID string, jid types.JID) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO jurisbot_device_links (session_id, jid) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET jid = excluded.jid
	`, sessionID, jid.String())
	if err != nil {
		return fmt.Errorf("put device link %s: %w", sessionID, err)
	}
	return nil
}

func (l *deviceLinks) Delete(ctx context.Context, sessionID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM jurisbot_device_links WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete device link %s: %w", sessionID, err)
	}
	return nil
}

func (l *deviceLinks) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
