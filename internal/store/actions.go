package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const actionCols = `id, incident_id, title, description, action_type, status, created_at, completed_at`

// CreateActions persists a batch of recommended actions in one transaction.
func (s *Store) CreateActions(ctx context.Context, actions []*models.Action) error {
	if len(actions) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range actions {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if a.CreatedAt.IsZero() {
				a.CreatedAt = time.Now().UTC()
			}
			if a.Status == "" {
				a.Status = models.ActionPending
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO actions(`+actionCols+`) VALUES(?,?,?,?,?,?,?,?)`,
				a.ID, a.IncidentID, a.Title, nullable(a.Description),
				nullable(a.ActionType), string(a.Status), a.CreatedAt, a.CompletedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListActions returns an incident's actions oldest first.
func (s *Store) ListActions(ctx context.Context, incidentID string) ([]*models.Action, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+actionCols+` FROM actions WHERE incident_id = ? ORDER BY created_at ASC`,
		incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		var (
			a         models.Action
			desc      sql.NullString
			atype     sql.NullString
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Title, &desc, &atype,
			&status, &a.CreatedAt, &completed); err != nil {
			return nil, err
		}
		a.Description = desc.String
		a.ActionType = atype.String
		a.Status = models.ActionStatus(status)
		if completed.Valid {
			t := completed.Time
			a.CompletedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateActionStatus sets an action's status. completed_at is stamped exactly
// when the action enters the completed state and cleared otherwise.
func (s *Store) UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus) error {
	var completed any
	if status == models.ActionCompleted {
		completed = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE actions SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completed, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
