package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opslens/opslens-engine/internal/engine"
	"github.com/opslens/opslens-engine/internal/models"
	"github.com/opslens/opslens-engine/internal/orchestrator"
	"github.com/opslens/opslens-engine/internal/store"
)

// ErrSignatureInvalid rejects an inbound payload whose HMAC does not match.
// Verification happens before any parsing, so a rejected payload has zero
// side effects.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

const signaturePrefix = "sha256="

// VerifySignature checks an HMAC-SHA256 signature header of the form
// "sha256=<hex>" against the raw body. An empty secret disables verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, signaturePrefix))) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ParseGitHub normalizes a GitHub pull_request webhook. Only merged-PR close
// events carry a signal; everything else returns no signals.
func ParseGitHub(body []byte) ([]models.Signal, error) {
	var payload struct {
		Action      string `json:"action"`
		PullRequest *struct {
			Merged   bool   `json:"merged"`
			Number   int    `json:"number"`
			Title    string `json:"title"`
			HTMLURL  string `json:"html_url"`
			ID       int64  `json:"id"`
			MergedBy *struct {
				Login string `json:"login"`
			} `json:"merged_by"`
			Base struct {
				Repo struct {
					FullName string `json:"full_name"`
				} `json:"repo"`
			} `json:"base"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse github payload: %w", err)
	}
	if payload.Action != "closed" || payload.PullRequest == nil || !payload.PullRequest.Merged {
		return nil, nil
	}

	repo := payload.PullRequest.Base.Repo.FullName
	if repo == "" {
		repo = payload.Repository.FullName
	}
	merge := &models.MergeSignal{
		ExternalID: fmt.Sprintf("%d", payload.PullRequest.ID),
		Title:      payload.PullRequest.Title,
		Number:     payload.PullRequest.Number,
		Repo:       repo,
		URL:        payload.PullRequest.HTMLURL,
	}
	if payload.PullRequest.MergedBy != nil {
		merge.MergedBy = payload.PullRequest.MergedBy.Login
	}
	return []models.Signal{{Kind: models.SignalMerge, Source: "github", Merge: merge}}, nil
}

// ParsePagerDuty normalizes a PagerDuty v2 webhook, which batches messages.
// Unrecognized message events are dropped.
func ParsePagerDuty(body []byte) ([]models.Signal, error) {
	var payload struct {
		Messages []struct {
			Event    string `json:"event"`
			Incident struct {
				ID          string `json:"id"`
				Title       string `json:"title"`
				Description string `json:"description"`
				Urgency     string `json:"urgency"`
				HTMLURL     string `json:"html_url"`
				Service     struct {
					Summary string `json:"summary"`
				} `json:"service"`
			} `json:"incident"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse pagerduty payload: %w", err)
	}

	var signals []models.Signal
	for _, msg := range payload.Messages {
		var kind models.SignalKind
		switch msg.Event {
		case "incident.triggered", "incident.trigger":
			kind = models.SignalAlertTrigger
		case "incident.resolved", "incident.resolve":
			kind = models.SignalAlertResolved
		default:
			continue
		}
		signals = append(signals, models.Signal{
			Kind:   kind,
			Source: "pagerduty",
			Alert: &models.AlertSignal{
				ExternalID:  msg.Incident.ID,
				Title:       msg.Incident.Title,
				Description: msg.Incident.Description,
				Urgency:     msg.Incident.Urgency,
				URL:         msg.Incident.HTMLURL,
				Service:     msg.Incident.Service.Summary,
			},
		})
	}
	return signals, nil
}

// ParseGeneric normalizes the unstructured catch-all payload. Title falls
// back across common field names; payloads without any title are dropped.
func ParseGeneric(body []byte) ([]models.Signal, error) {
	var payload struct {
		Title         string `json:"title"`
		IncidentTitle string `json:"incident_title"`
		Description   string `json:"description"`
		Message       string `json:"message"`
		Severity      string `json:"severity"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse generic payload: %w", err)
	}

	title := payload.Title
	if title == "" {
		title = payload.IncidentTitle
	}
	if title == "" {
		return nil, nil
	}
	description := payload.Description
	if description == "" {
		description = payload.Message
	}
	severity := models.Severity(payload.Severity)
	switch severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		severity = models.SeverityMedium
	}

	return []models.Signal{{
		Kind:   models.SignalGeneric,
		Source: "generic",
		Generic: &models.GenericSignal{
			Title:       title,
			Description: description,
			Severity:    severity,
		},
	}}, nil
}

// Enqueuer submits background jobs triggered by inbound signals.
type Enqueuer interface {
	Enqueue(job orchestrator.Job) error
}

// Processor applies normalized signals to incident state.
type Processor struct {
	engine *engine.Engine
	store  *store.Store
	jobs   Enqueuer
	logger *slog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(eng *engine.Engine, st *store.Store, jobs Enqueuer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{engine: eng, store: st, jobs: jobs, logger: logger}
}

// Apply routes one signal into incident state and returns a short result tag
// for metrics: created, updated, broadcast, duplicate, or ignored.
func (p *Processor) Apply(ctx context.Context, sig models.Signal) (string, error) {
	switch sig.Kind {
	case models.SignalMerge:
		return p.applyMerge(ctx, sig)
	case models.SignalAlertTrigger:
		return p.applyAlertTrigger(ctx, sig)
	case models.SignalAlertResolved:
		return p.applyAlertResolved(ctx, sig)
	case models.SignalGeneric:
		return p.applyGeneric(ctx, sig)
	default:
		return "ignored", nil
	}
}

// applyMerge broadcasts a deployment event to every incident still being
// worked. A merge is context for whatever is currently broken, not a new
// incident of its own.
func (p *Processor) applyMerge(ctx context.Context, sig models.Signal) (string, error) {
	merge := sig.Merge
	incidents, err := p.store.ListActiveIncidents(ctx)
	if err != nil {
		return "", err
	}

	written := 0
	for _, inc := range incidents {
		seen, err := p.store.HasTimelineEvent(ctx, inc.ID, sig.Source, merge.ExternalID)
		if err != nil {
			return "", err
		}
		if seen {
			continue
		}
		ev := &models.TimelineEvent{
			IncidentID:  inc.ID,
			EventType:   models.EventDeployment,
			Title:       fmt.Sprintf("PR #%d merged: %s", merge.Number, merge.Title),
			Description: fmt.Sprintf("Merged in %s", merge.Repo),
			Source:      sig.Source,
			SourceID:    merge.ExternalID,
			Metadata:    map[string]string{"url": merge.URL, "repo": merge.Repo, "merged_by": merge.MergedBy},
		}
		if err := p.store.InsertTimelineEvent(ctx, ev); err != nil {
			return "", err
		}
		written++
	}

	if written == 0 {
		return "ignored", nil
	}
	p.logger.Info("deployment broadcast to active incidents", "pr", merge.Number, "incidents", written)
	return "broadcast", nil
}

// applyAlertTrigger creates a new incident for a first-seen alert and starts
// enrichment, or moves a known open incident to investigating. Redelivered
// triggers for an incident already past open are duplicates.
func (p *Processor) applyAlertTrigger(ctx context.Context, sig models.Signal) (string, error) {
	alert := sig.Alert
	existing, err := p.store.FindIncidentByExternalID(ctx, sig.Source, alert.ExternalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if existing != nil {
		if existing.Status == models.StatusOpen {
			if _, err := p.engine.Transition(ctx, existing.ID, models.StatusInvestigating); err != nil {
				return "", err
			}
			return "updated", nil
		}
		return "duplicate", nil
	}

	inc := &models.Incident{
		Title:       alert.Title,
		Description: alert.Description,
		Severity:    models.SeverityFromUrgency(alert.Urgency),
		Metadata: map[string]string{
			"source":           sig.Source,
			sig.Source + "_id": alert.ExternalID,
			"source_url":       alert.URL,
			"service":          alert.Service,
		},
	}
	if err := p.engine.CreateIncident(ctx, inc); err != nil {
		return "", err
	}
	p.startEnrichment(ctx, inc.ID)
	return "created", nil
}

// startEnrichment enqueues the first background job for a fresh incident and
// marks it investigating once the job is accepted. A full queue leaves the
// incident open; the next signal or a manual transition picks it up.
func (p *Processor) startEnrichment(ctx context.Context, incidentID string) {
	if err := p.jobs.Enqueue(orchestrator.Job{Type: orchestrator.JobFetchSignals, EntityID: incidentID}); err != nil {
		p.logger.Warn("enqueue fetch_signals failed", "incident_id", incidentID, "error", err)
		return
	}
	if _, err := p.engine.Transition(ctx, incidentID, models.StatusInvestigating); err != nil {
		p.logger.Warn("transition to investigating failed", "incident_id", incidentID, "error", err)
	}
}

// applyAlertResolved resolves the incident tracking this alert. Unknown
// alerts are ignored.
func (p *Processor) applyAlertResolved(ctx context.Context, sig models.Signal) (string, error) {
	alert := sig.Alert
	inc, err := p.store.FindIncidentByExternalID(ctx, sig.Source, alert.ExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "ignored", nil
		}
		return "", err
	}

	// An alert can resolve before anyone acknowledged it.
	if inc.Status == models.StatusOpen {
		if _, err := p.engine.Transition(ctx, inc.ID, models.StatusInvestigating); err != nil {
			return "", err
		}
	}
	if _, err := p.engine.Transition(ctx, inc.ID, models.StatusResolved); err != nil {
		if errors.Is(err, engine.ErrInvalidTransition) {
			return "duplicate", nil
		}
		return "", err
	}
	return "updated", nil
}

func (p *Processor) applyGeneric(ctx context.Context, sig models.Signal) (string, error) {
	gen := sig.Generic
	inc := &models.Incident{
		Title:       gen.Title,
		Description: gen.Description,
		Severity:    gen.Severity,
		Metadata:    map[string]string{"source": sig.Source},
	}
	if err := p.engine.CreateIncident(ctx, inc); err != nil {
		return "", err
	}
	p.startEnrichment(ctx, inc.ID)
	return "created", nil
}
