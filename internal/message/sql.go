package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/db"
)

// SQLStore is the transcript store backed by SQLite or PostgreSQL through a
// shared connection pool. Queries use ? placeholders and are rebound per
// driver, so both backends share one implementation.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the transcript schema on the pool.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize message schema: %w", err)
	}
	return s, nil
}

// initSchema runs one statement per Exec so both drivers accept it.
func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS project_messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'assistant',
			kind TEXT NOT NULL,
			body_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(project_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_messages_project_seq ON project_messages(project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_project_messages_request ON project_messages(project_id, request_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const messageColumns = `id, project_id, seq, request_id, role, kind, body_json, created_at`

func (s *SQLStore) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	body := "{}"
	if len(msg.Body) > 0 {
		body = string(msg.Body)
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO project_messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := w.ExecContext(ctx, query,
		msg.ID, msg.ProjectID, msg.Seq, msg.RequestID, string(msg.Role), string(msg.Kind), body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message seq %d: %w", msg.Seq, err)
	}
	return nil
}

func (s *SQLStore) ListAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM project_messages WHERE project_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{projectID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *SQLStore) ListTail(ctx context.Context, projectID string, n int) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}

	r := s.pool.Reader()
	query := r.Rebind(`SELECT ` + messageColumns + ` FROM project_messages WHERE project_id = ? ORDER BY seq DESC LIMIT ?`)
	rows, err := r.QueryContext(ctx, query, projectID, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reversed []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*Message, len(reversed))
	for i, msg := range reversed {
		result[len(reversed)-1-i] = msg
	}
	return result, nil
}

func (s *SQLStore) ListByRequest(ctx context.Context, projectID, requestID string) ([]*Message, error) {
	r := s.pool.Reader()
	query := r.Rebind(`SELECT ` + messageColumns + ` FROM project_messages WHERE project_id = ? AND request_id = ? ORDER BY seq ASC`)
	rows, err := r.QueryContext(ctx, query, projectID, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *SQLStore) MaxSeq(ctx context.Context, projectID string) (int64, error) {
	r := s.pool.Reader()
	query := r.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM project_messages WHERE project_id = ?`)
	var max int64
	if err := r.QueryRowContext(ctx, query, projectID).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*Message, error) {
	msg := &Message{}
	var role, kind, body string
	if err := scanner.Scan(&msg.ID, &msg.ProjectID, &msg.Seq, &msg.RequestID, &role, &kind, &body, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	msg.Kind = agent.EventType(kind)
	msg.Body = json.RawMessage(body)
	return msg, nil
}
