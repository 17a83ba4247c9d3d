package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const runbookCols = `id, title, description, content, service, tags, embedding, embedded_len, created_at, updated_at`

// CreateRunbook persists a runbook document.
func (s *Store) CreateRunbook(ctx context.Context, rb *models.Runbook) error {
	if rb.ID == "" {
		rb.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rb.CreatedAt.IsZero() {
		rb.CreatedAt = now
	}
	rb.UpdatedAt = now
	if rb.Tags == nil {
		rb.Tags = []string{}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runbooks(`+runbookCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rb.ID, rb.Title, nullable(rb.Description), rb.Content, nullable(rb.Service),
		encodeJSON(rb.Tags), encodeEmbedding(rb.Embedding), rb.EmbeddedLen,
		rb.CreatedAt, rb.UpdatedAt)
	return err
}

// GetRunbook fetches one runbook or ErrNotFound.
func (s *Store) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+runbookCols+` FROM runbooks WHERE id = ?`, id)
	rb, err := scanRunbookRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rb, err
}

// ListRunbooks returns runbooks, optionally restricted to one service.
// Retrieval filters out entries without an embedding on top of this.
func (s *Store) ListRunbooks(ctx context.Context, service string) ([]*models.Runbook, error) {
	query := `SELECT ` + runbookCols + ` FROM runbooks`
	args := []any{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Runbook
	for rows.Next() {
		rb, err := scanRunbookRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

// UpdateRunbookContent replaces a runbook's content and bumps updated_at. The
// stale embedding stays until the next indexing job recomputes it.
func (s *Store) UpdateRunbookContent(ctx context.Context, id, content string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runbooks SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetRunbookEmbedding stores the vector with the content length it covers.
func (s *Store) SetRunbookEmbedding(ctx context.Context, id string, vec []float32, embeddedLen int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runbooks SET embedding = ?, embedded_len = ? WHERE id = ?`,
		encodeEmbedding(vec), embeddedLen, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanRunbookRow(scan func(...any) error) (*models.Runbook, error) {
	var (
		rb        models.Runbook
		desc      sql.NullString
		service   sql.NullString
		tags      sql.NullString
		embedding sql.NullString
	)
	err := scan(&rb.ID, &rb.Title, &desc, &rb.Content, &service, &tags,
		&embedding, &rb.EmbeddedLen, &rb.CreatedAt, &rb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rb.Description = desc.String
	rb.Service = service.String
	rb.Tags = decodeStrings(tags)
	rb.Embedding = decodeEmbedding(embedding)
	return &rb, nil
}
