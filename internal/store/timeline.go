package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/opslens-engine/internal/models"
)

const timelineCols = `id, incident_id, timestamp, event_type, title, description, source, source_id, metadata`

// InsertTimelineEvents writes a batch of events inside one transaction so a
// signal fetch either lands whole or not at all.
func (s *Store) InsertTimelineEvents(ctx context.Context, events []*models.TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if err := insertTimelineEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertTimelineEvent writes a single event.
func (s *Store) InsertTimelineEvent(ctx context.Context, ev *models.TimelineEvent) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return insertTimelineEvent(ctx, tx, ev)
	})
}

func insertTimelineEvent(ctx context.Context, tx *sql.Tx, ev *models.TimelineEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]string)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO timeline_events(`+timelineCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.Timestamp, string(ev.EventType), ev.Title,
		nullable(ev.Description), nullable(ev.Source), nullable(ev.SourceID),
		encodeJSON(ev.Metadata))
	return err
}

// ListTimeline returns an incident's events in chronological order.
func (s *Store) ListTimeline(ctx context.Context, incidentID string) ([]*models.TimelineEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+timelineCols+` FROM timeline_events WHERE incident_id = ? ORDER BY timestamp ASC`,
		incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TimelineEvent
	for rows.Next() {
		var (
			ev       models.TimelineEvent
			typ      string
			desc     sql.NullString
			source   sql.NullString
			sourceID sql.NullString
			meta     sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Timestamp, &typ, &ev.Title,
			&desc, &source, &sourceID, &meta); err != nil {
			return nil, err
		}
		ev.EventType = models.EventType(typ)
		ev.Description = desc.String
		ev.Source = source.String
		ev.SourceID = sourceID.String
		ev.Metadata = decodeMap(meta)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// HasTimelineEvent reports whether an event from the given source with the
// given source ID already exists for the incident.
func (s *Store) HasTimelineEvent(ctx context.Context, incidentID, source, sourceID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM timeline_events WHERE incident_id = ? AND source = ? AND source_id = ?`,
		incidentID, source, sourceID).Scan(&n)
	return n > 0, err
}
