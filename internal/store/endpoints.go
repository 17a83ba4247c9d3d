package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const endpointCols = `id, url, secret, events, is_active, last_triggered, created_at`

// CreateEndpoint registers an outbound webhook subscriber.
func (s *Store) CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if ep.Events == nil {
		ep.Events = []string{}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO webhook_endpoints(`+endpointCols+`) VALUES(?,?,?,?,?,?,?)`,
		ep.ID, ep.URL, nullable(ep.Secret), encodeJSON(ep.Events),
		boolToInt(ep.Active), ep.LastTriggered, ep.CreatedAt)
	return err
}

// ListEndpointsForEvent returns active endpoints whose subscription list
// contains the given lifecycle event. An endpoint with no subscriptions
// receives nothing.
func (s *Store) ListEndpointsForEvent(ctx context.Context, event string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpointRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		if containsString(ep.Events, event) {
			out = append(out, ep)
		}
	}
	return out, rows.Err()
}

// ListEndpoints returns every registered endpoint.
func (s *Store) ListEndpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpointRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// TouchEndpoint records a successful delivery time. Failed deliveries leave
// last_triggered unchanged.
func (s *Store) TouchEndpoint(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE webhook_endpoints SET last_triggered = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteEndpoint removes a subscriber registration.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM webhook_endpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanEndpointRow(scan func(...any) error) (*models.WebhookEndpoint, error) {
	var (
		ep        models.WebhookEndpoint
		secret    sql.NullString
		events    sql.NullString
		active    int
		triggered sql.NullTime
	)
	err := scan(&ep.ID, &ep.URL, &secret, &events, &active, &triggered, &ep.CreatedAt)
	if err != nil {
		return nil, err
	}
	ep.Secret = secret.String
	ep.Active = active != 0
	if events.Valid && events.String != "" {
		_ = json.Unmarshal([]byte(events.String), &ep.Events)
	}
	if triggered.Valid {
		t := triggered.Time
		ep.LastTriggered = &t
	}
	return &ep, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
