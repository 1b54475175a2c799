// Package sqlite is the shared mail store. Emails are deduplicated on their
// stable message id; per-user visibility and attachment metadata are written
// through idempotent upserts so concurrent passes converge instead of failing.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaycrm/mailsync/internal/mail"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the shared SQLite database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CreateConnection inserts a new connection row. The caller provides valid,
// refreshable credentials; consent flows happen elsewhere.
func (s *Store) CreateConnection(ctx context.Context, conn *mail.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := time.Now().Unix()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connections
		(id, user_id, email, provider, access_token, refresh_token, token_expiry,
		 history_cursor, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), 1, ?, ?)
	`, conn.ID, conn.UserID, conn.Email, string(conn.Provider), conn.AccessToken,
		conn.RefreshToken, conn.TokenExpiry.Unix(), conn.HistoryCursor, now, now)

	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	conn.Active = true
	return nil
}

const connectionColumns = `
	id, user_id, email, provider, access_token, refresh_token, token_expiry,
	history_cursor, last_sync_at, active, last_error, last_error_at`

// GetConnection loads one connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*mail.Connection, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT`+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("connection %s not found", id)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

// ListActiveConnections returns every connection flagged active.
func (s *Store) ListActiveConnections(ctx context.Context) ([]*mail.Connection, error) {
	return s.listConnections(ctx, `SELECT`+connectionColumns+` FROM connections WHERE active = 1 ORDER BY created_at`)
}

// ListConnections returns every connection, active or not.
func (s *Store) ListConnections(ctx context.Context) ([]*mail.Connection, error) {
	return s.listConnections(ctx, `SELECT`+connectionColumns+` FROM connections ORDER BY created_at`)
}

func (s *Store) listConnections(ctx context.Context, query string) ([]*mail.Connection, error) {
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*mail.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*mail.Connection, error) {
	var (
		conn        mail.Connection
		provider    string
		tokenExpiry int64
		cursor      sql.NullString
		lastSyncAt  sql.NullInt64
		active      int
		lastError   sql.NullString
		lastErrorAt sql.NullInt64
	)

	err := row.Scan(&conn.ID, &conn.UserID, &conn.Email, &provider, &conn.AccessToken,
		&conn.RefreshToken, &tokenExpiry, &cursor, &lastSyncAt, &active, &lastError, &lastErrorAt)
	if err != nil {
		return nil, err
	}

	conn.Provider = mail.ProviderName(provider)
	conn.TokenExpiry = time.Unix(tokenExpiry, 0)
	conn.HistoryCursor = cursor.String
	if lastSyncAt.Valid {
		conn.LastSyncAt = time.Unix(lastSyncAt.Int64, 0)
	}
	conn.Active = active == 1
	conn.LastError = lastError.String
	if lastErrorAt.Valid {
		conn.LastErrorAt = time.Unix(lastErrorAt.Int64, 0)
	}
	return &conn, nil
}

// UpdateConnectionToken persists a refreshed access token before any further
// provider calls on the connection.
func (s *Store) UpdateConnectionToken(ctx context.Context, id, accessToken string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET access_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?
	`, accessToken, expiry.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// SaveSyncSuccess writes back a completed pass: new cursor, sync timestamp,
// prior error cleared. Called once per connection per pass.
func (s *Store) SaveSyncSuccess(ctx context.Context, id, cursor string, syncedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET history_cursor = NULLIF(?, ''),
		    last_sync_at = ?,
		    last_error = NULL,
		    last_error_at = NULL,
		    updated_at = ?
		WHERE id = ?
	`, cursor, syncedAt.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// SaveSyncError records a failed pass on the connection. The prior cursor is
// preserved so the next pass retries the same window.
func (s *Store) SaveSyncError(ctx context.Context, id, errMsg string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET last_error = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?
	`, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to save sync error: %w", err)
	}
	return nil
}

// SetConnectionActive flags a connection active or inactive. Disconnects never
// hard-delete.
func (s *Store) SetConnectionActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE connections SET active = ?, updated_at = ? WHERE id = ?
	`, flag, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %s not found", id)
	}
	return nil
}

// Ingest stores one parsed email, deduplicating on the stable message id, and
// upserts the observing user's visibility record plus attachment metadata.
//
// The insert uses ON CONFLICT DO NOTHING followed by a re-read inside the same
// transaction, so two concurrent passes observing the same message converge to
// one row: the loser of the insert race reads the winner's id.
func (s *Store) Ingest(ctx context.Context, parsed *mail.ParsedEmail, conn *mail.Connection, vis mail.Visibility) (string, mail.IngestOutcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A processed marker retires the id permanently: no email write, no
	// visibility write.
	var marked int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_messages WHERE stable_message_id = ?
	`, parsed.StableID).Scan(&marked)
	if err != nil {
		return "", 0, fmt.Errorf("failed to check processed marker: %w", err)
	}
	if marked > 0 {
		return "", mail.IngestSkipped, nil
	}

	recipientsJSON, err := json.Marshal(parsed.Recipients)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode recipients: %w", err)
	}
	labelsJSON, err := json.Marshal(parsed.Labels)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode labels: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO emails
		(id, stable_message_id, provider_message_id, provider_thread_id, in_reply_to,
		 references_chain, direction, subject, body_text, body_html, snippet,
		 from_email, from_name, recipients_json, labels_json, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stable_message_id) DO NOTHING
	`, uuid.NewString(), parsed.StableID, parsed.ProviderID, parsed.ThreadID,
		parsed.InReplyTo, parsed.References, string(parsed.Direction), parsed.Subject,
		parsed.BodyText, parsed.BodyHTML, parsed.Snippet, parsed.From.Email,
		parsed.From.Name, string(recipientsJSON), string(labelsJSON),
		parsed.ReceivedAt.Unix(), time.Now().Unix())
	if err != nil {
		return "", 0, fmt.Errorf("failed to insert email: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read insert result: %w", err)
	}

	var emailID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM emails WHERE stable_message_id = ?
	`, parsed.StableID).Scan(&emailID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve email id: %w", err)
	}

	isRead := 0
	if vis.IsRead {
		isRead = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_visibility (email_id, user_id, folder, is_read, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email_id, user_id) DO UPDATE SET
			folder = excluded.folder,
			is_read = excluded.is_read,
			updated_at = excluded.updated_at
	`, emailID, conn.UserID, vis.Folder, isRead, time.Now().Unix())
	if err != nil {
		return "", 0, fmt.Errorf("failed to upsert visibility: %w", err)
	}

	for _, att := range parsed.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO email_attachments (email_id, attachment_id, filename, mime_type, size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(email_id, attachment_id) DO UPDATE SET
				filename = excluded.filename,
				mime_type = excluded.mime_type,
				size = excluded.size
		`, emailID, att.AttachmentID, att.Filename, att.MimeType, att.Size)
		if err != nil {
			return "", 0, fmt.Errorf("failed to upsert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("failed to commit ingest: %w", err)
	}

	if inserted == 1 {
		return emailID, mail.IngestStored, nil
	}
	return emailID, mail.IngestDeduplicated, nil
}

// RetireMessage removes a stored email and writes a permanent processed marker
// so no future sync re-imports the id, even if the provider still reports it.
func (s *Store) RetireMessage(ctx context.Context, stableID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_messages (stable_message_id, processed_at)
		VALUES (?, ?)
		ON CONFLICT(stable_message_id) DO NOTHING
	`, stableID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write processed marker: %w", err)
	}

	var emailID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM emails WHERE stable_message_id = ?
	`, stableID).Scan(&emailID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up email: %w", err)
	}

	if emailID.Valid {
		for _, q := range []string{
			`DELETE FROM email_visibility WHERE email_id = ?`,
			`DELETE FROM email_attachments WHERE email_id = ?`,
			`DELETE FROM emails WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, emailID.String); err != nil {
				return fmt.Errorf("failed to retire email: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retire: %w", err)
	}
	return nil
}

// StoredEmail is the durable deduplicated record as read back from the store.
type StoredEmail struct {
	ID         string
	StableID   string
	ProviderID string
	ThreadID   string
	Direction  mail.Direction
	Subject    string
	BodyText   string
	BodyHTML   string
	FromEmail  string
	ReceivedAt time.Time
}

// GetEmailByStableID loads a stored email, or nil when the id is unknown.
func (s *Store) GetEmailByStableID(ctx context.Context, stableID string) (*StoredEmail, error) {
	var (
		e          StoredEmail
		direction  string
		bodyHTML   sql.NullString
		receivedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, stable_message_id, provider_message_id, provider_thread_id,
		       direction, subject, body_text, body_html, from_email, received_at
		FROM emails WHERE stable_message_id = ?
	`, stableID).Scan(&e.ID, &e.StableID, &e.ProviderID, &e.ThreadID, &direction,
		&e.Subject, &e.BodyText, &bodyHTML, &e.FromEmail, &receivedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load email: %w", err)
	}
	e.Direction = mail.Direction(direction)
	e.BodyHTML = bodyHTML.String
	e.ReceivedAt = time.Unix(receivedAt, 0)
	return &e, nil
}

// GetVisibility loads one user's visibility record for an email, or nil.
func (s *Store) GetVisibility(ctx context.Context, emailID, userID string) (*mail.Visibility, error) {
	var (
		vis    mail.Visibility
		isRead int
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT folder, is_read FROM email_visibility WHERE email_id = ? AND user_id = ?
	`, emailID, userID).Scan(&vis.Folder, &isRead)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load visibility: %w", err)
	}
	vis.IsRead = isRead == 1
	return &vis, nil
}

// CountVisibility returns how many visibility rows exist for an email.
func (s *Store) CountVisibility(ctx context.Context, emailID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_visibility WHERE email_id = ?
	`, emailID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count visibility: %w", err)
	}
	return n, nil
}

// CountAttachments returns how many attachment rows exist for an email.
func (s *Store) CountAttachments(ctx context.Context, emailID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_attachments WHERE email_id = ?
	`, emailID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}
