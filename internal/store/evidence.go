package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const evidenceCols = `id, incident_id, evidence_type, title, content, source, source_url, file_path, embedding, embedded_len, created_at`

// CreateEvidence persists an evidence item.
func (s *Store) CreateEvidence(ctx context.Context, ev *models.EvidenceItem) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO evidence_items(`+evidenceCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.EvidenceType, ev.Title, nullable(ev.Content),
		nullable(ev.Source), nullable(ev.SourceURL), nullable(ev.FilePath),
		encodeEmbedding(ev.Embedding), ev.EmbeddedLen, ev.CreatedAt)
	return err
}

// GetEvidence fetches one evidence item or ErrNotFound.
func (s *Store) GetEvidence(ctx context.Context, id string) (*models.EvidenceItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+evidenceCols+` FROM evidence_items WHERE id = ?`, id)
	ev, err := scanEvidenceRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

// ListEvidence returns an incident's evidence newest first.
func (s *Store) ListEvidence(ctx context.Context, incidentID string, limit int) ([]*models.EvidenceItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+evidenceCols+` FROM evidence_items WHERE incident_id = ? ORDER BY created_at DESC LIMIT ?`,
		incidentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EvidenceItem
	for rows.Next() {
		ev, err := scanEvidenceRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListEmbeddedEvidence returns recent evidence across all incidents that
// carries an embedding. Retrieval candidates come from here.
func (s *Store) ListEmbeddedEvidence(ctx context.Context, limit int) ([]*models.EvidenceItem, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+evidenceCols+` FROM evidence_items WHERE embedding IS NOT NULL ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EvidenceItem
	for rows.Next() {
		ev, err := scanEvidenceRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendEvidenceContent atomically appends a block to an item's content.
// The stored embedding is left in place; its embedded_len no longer matching
// the new content length marks it stale for the next indexing pass.
func (s *Store) AppendEvidenceContent(ctx context.Context, id, block string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE evidence_items SET content = COALESCE(content, '') || ? WHERE id = ?`,
		block, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetEvidenceEmbedding stores the vector together with the content length it
// was computed from.
func (s *Store) SetEvidenceEmbedding(ctx context.Context, id string, vec []float32, embeddedLen int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE evidence_items SET embedding = ?, embedded_len = ? WHERE id = ?`,
		encodeEmbedding(vec), embeddedLen, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanEvidenceRow(scan func(...any) error) (*models.EvidenceItem, error) {
	var (
		ev        models.EvidenceItem
		content   sql.NullString
		source    sql.NullString
		sourceURL sql.NullString
		filePath  sql.NullString
		embedding sql.NullString
	)
	err := scan(&ev.ID, &ev.IncidentID, &ev.EvidenceType, &ev.Title, &content,
		&source, &sourceURL, &filePath, &embedding, &ev.EmbeddedLen, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Content = content.String
	ev.Source = source.String
	ev.SourceURL = sourceURL.String
	ev.FilePath = filePath.String
	ev.Embedding = decodeEmbedding(embedding)
	return &ev, nil
}
