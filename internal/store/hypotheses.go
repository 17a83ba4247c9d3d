package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const hypothesisCols = `id, incident_id, title, description, confidence, rank, status, supporting_evidence, created_at`

// CreateHypothesis persists a hypothesis.
func (s *Store) CreateHypothesis(ctx context.Context, h *models.Hypothesis) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = models.HypothesisPending
	}
	if h.SupportingEvidence == nil {
		h.SupportingEvidence = []string{}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO hypotheses(`+hypothesisCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		h.ID, h.IncidentID, h.Title, h.Description, h.Confidence, h.Rank,
		string(h.Status), encodeJSON(h.SupportingEvidence), h.CreatedAt)
	return err
}

// ListHypotheses returns an incident's hypotheses ordered by rank, then by
// confidence for equal ranks.
func (s *Store) ListHypotheses(ctx context.Context, incidentID string) ([]*models.Hypothesis, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+hypothesisCols+` FROM hypotheses WHERE incident_id = ?
		 ORDER BY rank ASC, confidence DESC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Hypothesis
	for rows.Next() {
		var (
			h          models.Hypothesis
			status     string
			supporting sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.Title, &h.Description,
			&h.Confidence, &h.Rank, &status, &supporting, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Status = models.HypothesisStatus(status)
		h.SupportingEvidence = decodeStrings(supporting)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// UpdateHypothesisStatus moves a hypothesis through its review states.
func (s *Store) UpdateHypothesisStatus(ctx context.Context, id string, status models.HypothesisStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE hypotheses SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
