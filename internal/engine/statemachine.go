package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opslens/opslens-engine/internal/models"
)

// ErrInvalidTransition rejects a lifecycle edge the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid incident transition")

// allowedTransitions enumerates the forward lifecycle edges. Reopening is a
// separate manual operation and never taken by the pipeline itself.
var allowedTransitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.StatusOpen:          {models.StatusInvestigating},
	models.StatusInvestigating: {models.StatusResolved, models.StatusClosed},
	models.StatusResolved:      {models.StatusClosed},
}

// CreateIncident persists a new incident and announces it to subscribers.
func (e *Engine) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if err := e.store.CreateIncident(ctx, inc); err != nil {
		return err
	}
	e.publisher.Publish(ctx, models.LifecycleEvent{
		Event: models.LifecycleIncidentCreated,
		Data: map[string]any{
			"incident_id": inc.ID,
			"title":       inc.Title,
			"status":      string(inc.Status),
			"severity":    string(inc.Severity),
		},
	})
	return nil
}

// Transition moves an incident along an allowed lifecycle edge. Entering
// resolved or closed stamps resolved_at once; the stamp survives a later
// resolved to closed move. The lifecycle event fires only after the write
// committed.
func (e *Engine) Transition(ctx context.Context, incidentID string, target models.IncidentStatus) (*models.Incident, error) {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == target {
		return inc, nil
	}
	if !transitionAllowed(inc.Status, target) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inc.Status, target)
	}

	inc.Status = target
	if (target == models.StatusResolved || target == models.StatusClosed) && inc.ResolvedAt == nil {
		now := time.Now().UTC()
		inc.ResolvedAt = &now
	}
	if err := e.store.UpdateIncident(ctx, inc); err != nil {
		return nil, err
	}

	e.publisher.Publish(ctx, models.LifecycleEvent{
		Event: models.LifecycleIncidentUpdated,
		Data: map[string]any{
			"incident_id": inc.ID,
			"title":       inc.Title,
			"status":      string(inc.Status),
		},
	})
	return inc, nil
}

// Reopen puts a resolved or closed incident back under investigation and
// clears its resolution stamp. Operator-only escape hatch.
func (e *Engine) Reopen(ctx context.Context, incidentID string) (*models.Incident, error) {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status != models.StatusResolved && inc.Status != models.StatusClosed {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inc.Status, models.StatusInvestigating)
	}

	inc.Status = models.StatusInvestigating
	inc.ResolvedAt = nil
	if err := e.store.UpdateIncident(ctx, inc); err != nil {
		return nil, err
	}

	e.publisher.Publish(ctx, models.LifecycleEvent{
		Event: models.LifecycleIncidentUpdated,
		Data: map[string]any{
			"incident_id": inc.ID,
			"title":       inc.Title,
			"status":      string(inc.Status),
		},
	})
	return inc, nil
}

func transitionAllowed(from, to models.IncidentStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
