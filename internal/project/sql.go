package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/db"
	"github.com/vrabby/vrabby/internal/db/dialect"
)

// SQLStore is the project store backed by SQLite or PostgreSQL.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the project schema on the pool.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize project schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			preferred_agent TEXT NOT NULL DEFAULT 'claude',
			preferred_model TEXT NOT NULL DEFAULT '',
			fallback_enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const projectColumns = `id, name, path, preferred_agent, preferred_model, fallback_enabled, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.PreferredAgent == "" {
		p.PreferredAgent = agent.KindClaude
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := w.ExecContext(ctx, query,
		p.ID, p.Name, p.Path, string(p.PreferredAgent), p.PreferredModel,
		dialect.BoolToInt(p.FallbackEnabled), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Project, error) {
	r := s.pool.Reader()
	query := r.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = ?`)
	p, err := scanProject(r.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Project, error) {
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()

	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE projects
		SET name = ?, path = ?, preferred_agent = ?, preferred_model = ?, fallback_enabled = ?, updated_at = ?
		WHERE id = ?
	`)
	result, err := w.ExecContext(ctx, query,
		p.Name, p.Path, string(p.PreferredAgent), p.PreferredModel,
		dialect.BoolToInt(p.FallbackEnabled), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(result, p.ID)
}

func (s *SQLStore) SetPreferredAgent(ctx context.Context, id string, kind agent.Kind) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE projects SET preferred_agent = ?, updated_at = ? WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, string(kind), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set preferred agent: %w", err)
	}
	return requireRow(result, id)
}

func (s *SQLStore) SetPreferredModel(ctx context.Context, id, model string) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE projects SET preferred_model = ?, updated_at = ? WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, model, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set preferred model: %w", err)
	}
	return requireRow(result, id)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return nil
}

func scanProject(scanner interface{ Scan(...interface{}) error }) (*Project, error) {
	p := &Project{}
	var kind string
	var fallback int
	if err := scanner.Scan(&p.ID, &p.Name, &p.Path, &kind, &p.PreferredModel, &fallback, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.PreferredAgent = agent.Kind(kind)
	p.FallbackEnabled = fallback == 1
	return p, nil
}
