package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const postmortemCols = `id, incident_id, title, summary, root_cause, contributing_factors, impact, resolution, follow_ups, created_at`

// CreatePostmortem persists a generated postmortem draft.
func (s *Store) CreatePostmortem(ctx context.Context, pm *models.Postmortem) error {
	if pm.ID == "" {
		pm.ID = uuid.NewString()
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now().UTC()
	}
	if pm.ContributingFactors == nil {
		pm.ContributingFactors = []string{}
	}
	if pm.FollowUps == nil {
		pm.FollowUps = []string{}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO postmortems(`+postmortemCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		pm.ID, pm.IncidentID, pm.Title, nullable(pm.Summary), nullable(pm.RootCause),
		encodeJSON(pm.ContributingFactors), nullable(pm.Impact), nullable(pm.Resolution),
		encodeJSON(pm.FollowUps), pm.CreatedAt)
	return err
}

// GetPostmortemByIncident fetches the postmortem for an incident or ErrNotFound.
func (s *Store) GetPostmortemByIncident(ctx context.Context, incidentID string) (*models.Postmortem, error) {
	var (
		pm         models.Postmortem
		summary    sql.NullString
		rootCause  sql.NullString
		factors    sql.NullString
		impact     sql.NullString
		resolution sql.NullString
		followUps  sql.NullString
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+postmortemCols+` FROM postmortems WHERE incident_id = ? ORDER BY created_at DESC LIMIT 1`,
		incidentID).Scan(&pm.ID, &pm.IncidentID, &pm.Title, &summary, &rootCause,
		&factors, &impact, &resolution, &followUps, &pm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pm.Summary = summary.String
	pm.RootCause = rootCause.String
	pm.ContributingFactors = decodeStrings(factors)
	pm.Impact = impact.String
	pm.Resolution = resolution.String
	pm.FollowUps = decodeStrings(followUps)
	return &pm, nil
}
