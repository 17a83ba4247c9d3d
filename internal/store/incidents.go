package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const incidentCols = `id, title, description, status, severity, metadata, created_at, updated_at, resolved_at`

// CreateIncident persists a new incident, assigning an ID and timestamps
// when the caller left them empty.
func (s *Store) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = now
	if inc.Status == "" {
		inc.Status = models.StatusOpen
	}
	if inc.Severity == "" {
		inc.Severity = models.SeverityMedium
	}
	if inc.Metadata == nil {
		inc.Metadata = make(map[string]string)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO incidents(`+incidentCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.Title, nullable(inc.Description), string(inc.Status), string(inc.Severity),
		encodeJSON(inc.Metadata), inc.CreatedAt, inc.UpdatedAt, inc.ResolvedAt)
	return err
}

// GetIncident fetches one incident or ErrNotFound.
func (s *Store) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE id = ?`, id)
	return scanIncident(row)
}

// ListIncidents returns incidents newest first, optionally filtered by status.
func (s *Store) ListIncidents(ctx context.Context, status models.IncidentStatus, limit int) ([]*models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incidentCols + ` FROM incidents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// ListActiveIncidents returns every incident still open or under investigation.
// Inbound deployment signals broadcast to this set.
func (s *Store) ListActiveIncidents(ctx context.Context) ([]*models.Incident, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE status IN (?, ?) ORDER BY created_at DESC`,
		string(models.StatusOpen), string(models.StatusInvestigating))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// FindIncidentByExternalID locates the incident carrying the given external
// correlation key in its metadata, e.g. ("pagerduty", "PXYZ"). Inbound
// normalizers use it to deduplicate re-delivered provider events.
func (s *Store) FindIncidentByExternalID(ctx context.Context, source, externalID string) (*models.Incident, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE json_extract(metadata, '$.' || ? || '_id') = ? LIMIT 1`,
		source, externalID)
	return scanIncident(row)
}

// UpdateIncident persists mutable incident fields and bumps updated_at.
func (s *Store) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	inc.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE incidents SET title = ?, description = ?, status = ?, severity = ?,
		 metadata = ?, updated_at = ?, resolved_at = ? WHERE id = ?`,
		inc.Title, nullable(inc.Description), string(inc.Status), string(inc.Severity),
		encodeJSON(inc.Metadata), inc.UpdatedAt, inc.ResolvedAt, inc.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteIncident removes an incident; its timeline events, evidence,
// hypotheses, actions, and postmortems cascade with it.
func (s *Store) DeleteIncident(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM incidents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIncident(row *sql.Row) (*models.Incident, error) {
	var (
		inc      models.Incident
		desc     sql.NullString
		status   string
		severity string
		meta     sql.NullString
		resolved sql.NullTime
	)
	err := row.Scan(&inc.ID, &inc.Title, &desc, &status, &severity, &meta,
		&inc.CreatedAt, &inc.UpdatedAt, &resolved)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inc.Description = desc.String
	inc.Status = models.IncidentStatus(status)
	inc.Severity = models.Severity(severity)
	inc.Metadata = decodeMap(meta)
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]*models.Incident, error) {
	var out []*models.Incident
	for rows.Next() {
		var (
			inc      models.Incident
			desc     sql.NullString
			status   string
			severity string
			meta     sql.NullString
			resolved sql.NullTime
		)
		if err := rows.Scan(&inc.ID, &inc.Title, &desc, &status, &severity, &meta,
			&inc.CreatedAt, &inc.UpdatedAt, &resolved); err != nil {
			return nil, err
		}
		inc.Description = desc.String
		inc.Status = models.IncidentStatus(status)
		inc.Severity = models.Severity(severity)
		inc.Metadata = decodeMap(meta)
		if resolved.Valid {
			t := resolved.Time
			inc.ResolvedAt = &t
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}
