// Package store persists the message log in SQLite. It is the only writer of
// message records in this subsystem; deduplication on channel redelivery is
// the primary-key insert-or-ignore on the channel message id.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/numberforty/legal-case-pro/internal/domain"
)

// SQLiteStore implements domain.MessageStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		from_addr    TEXT NOT NULL,
		to_addr      TEXT NOT NULL,
		body         TEXT NOT NULL DEFAULT '',
		direction    TEXT NOT NULL,
		status       TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'TEXT',
		media_path   TEXT,
		media_type   TEXT,
		timestamp    DATETIME NOT NULL,
		client_id    TEXT,
		case_id      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_from   ON messages(from_addr);
	CREATE INDEX IF NOT EXISTS idx_messages_to     ON messages(to_addr);
	CREATE INDEX IF NOT EXISTS idx_messages_client ON messages(client_id);
	CREATE INDEX IF NOT EXISTS idx_messages_case   ON messages(case_id);
	CREATE INDEX IF NOT EXISTS idx_messages_time   ON messages(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordIfAbsent inserts the message unless its id is already present.
// INSERT OR IGNORE makes redelivered events a no-op.
func (s *SQLiteStore) RecordIfAbsent(ctx context.Context, msg domain.Message) (bool, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (id, from_addr, to_addr, body, direction, status, message_type, media_path, media_type, timestamp, client_id, case_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.Body, string(msg.Direction), string(msg.Status),
		string(msg.MessageType), nullable(msg.MediaPath), nullable(msg.MediaType),
		msg.Timestamp.UTC(), nullable(msg.ClientID), nullable(msg.CaseID),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus advances a message's delivery status in place. A regressing
// update, or one past a terminal state, is dropped rather than applied.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, messageID string, status domain.MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown message status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %s not found", messageID)
	}
	if err != nil {
		return err
	}

	if !domain.MessageStatus(current).CanAdvance(status) {
		s.logger.Debug("ignoring non-advancing status update",
			"message", messageID, "current", current, "requested", status)
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the most recent limit messages for the contact thread,
// re-ordered chronologically ascending for display.
func (s *SQLiteStore) History(ctx context.Context, phoneNumber string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	key := domain.NormalizePhone(phoneNumber)
	if key == "" {
		return nil, fmt.Errorf("phone number %q has no digits", phoneNumber)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_addr, to_addr, body, direction, status, message_type, media_path, media_type, timestamp, client_id, case_id
		 FROM messages
		 WHERE from_addr LIKE '%' || ? || '%' OR to_addr LIKE '%' || ? || '%'
		 ORDER BY timestamp DESC LIMIT ?`,
		key, key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// List returns messages matching the filter in ascending timestamp order and
// the total match count before Limit/Offset are applied.
func (s *SQLiteStore) List(ctx context.Context, f domain.MessageFilter) ([]domain.Message, int, error) {
	var conds []string
	var args []any

	if f.PhoneNumber != "" {
		key := domain.NormalizePhone(f.PhoneNumber)
		conds = append(conds, `(from_addr LIKE '%' || ? || '%' OR to_addr LIKE '%' || ? || '%')`)
		args = append(args, key, key)
	}
	if f.ClientID != "" {
		conds = append(conds, `client_id = ?`)
		args = append(args, f.ClientID)
	}
	if f.CaseID != "" {
		conds = append(conds, `case_id = ?`)
		args = append(args, f.CaseID)
	}
	if f.Start != nil {
		conds = append(conds, `timestamp >= ?`)
		args = append(args, f.Start.UTC())
	}
	if f.End != nil {
		conds = append(conds, `timestamp <= ?`)
		args = append(args, f.End.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, from_addr, to_addr, body, direction, status, message_type, media_path, media_type, timestamp, client_id, case_id
	 FROM messages` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, total, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var direction, status, msgType string
		var mediaPath, mediaType, clientID, caseID sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &direction, &status, &msgType,
			&mediaPath, &mediaType, &m.Timestamp, &clientID, &caseID); err != nil {
			return nil, err
		}
		m.Direction = domain.Direction(direction)
		m.Status = domain.MessageStatus(status)
		m.MessageType = domain.MessageType(msgType)
		m.MediaPath = mediaPath.String
		m.MediaType = mediaType.String
		m.ClientID = clientID.String
		m.CaseID = caseID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
