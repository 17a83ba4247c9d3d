package engine

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/opslens/opslens-engine/internal/inference"
	"github.com/opslens/opslens-engine/internal/models"
)

const (
	// maxSignalEvents caps how many merges and alerts a single fetch turns
	// into timeline events, each.
	maxSignalEvents = 5
	// maxHypothesisEvidence caps how much evidence feeds hypothesis generation.
	maxHypothesisEvidence = 10
	// maxEvidenceChars is the per-item content budget for prompt assembly.
	// Larger content gets summarized first, or truncated when no model is available.
	maxEvidenceChars = 2000
)

const screenshotPrompt = `You are a site reliability engineer reviewing a monitoring screenshot taken during a production incident.
Describe what the screenshot shows: affected services, error rates, latency, anomalous graphs, and any visible error messages.
Be concise and factual.`

var confidencePattern = regexp.MustCompile(`(?i)confidence[:\s]+([0-9]*\.?[0-9]+)`)

// FetchExternalSignals collects recent merges and alerts and records them as
// timeline events in one transaction. Source failures degrade to an empty
// contribution rather than failing the job. Events already recorded for the
// same (source, source_id) are not written again.
func (e *Engine) FetchExternalSignals(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}

	merges, err := e.github.RecentMerges(ctx, e.window)
	if err != nil {
		e.logger.Warn("github signal fetch failed", "incident_id", inc.ID, "error", err)
		merges = nil
	}
	if len(merges) > maxSignalEvents {
		merges = merges[:maxSignalEvents]
	}

	alerts, err := e.pagerduty.RecentIncidents(ctx, e.window)
	if err != nil {
		e.logger.Warn("pagerduty signal fetch failed", "incident_id", inc.ID, "error", err)
		alerts = nil
	}
	if len(alerts) > maxSignalEvents {
		alerts = alerts[:maxSignalEvents]
	}

	var events []*models.TimelineEvent
	for _, m := range merges {
		seen, err := e.store.HasTimelineEvent(ctx, inc.ID, "github", m.ID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		events = append(events, &models.TimelineEvent{
			IncidentID:  inc.ID,
			Timestamp:   m.MergedAt,
			EventType:   models.EventDeployment,
			Title:       fmt.Sprintf("PR #%d merged: %s", m.Number, m.Title),
			Description: fmt.Sprintf("Merged in %s", m.Repo),
			Source:      "github",
			SourceID:    m.ID,
			Metadata:    map[string]string{"url": m.URL, "repo": m.Repo},
		})
	}
	for _, a := range alerts {
		seen, err := e.store.HasTimelineEvent(ctx, inc.ID, "pagerduty", a.ID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		events = append(events, &models.TimelineEvent{
			IncidentID:  inc.ID,
			Timestamp:   a.CreatedAt,
			EventType:   models.EventAlert,
			Title:       a.Title,
			Description: a.Description,
			Source:      "pagerduty",
			SourceID:    a.ID,
			Metadata:    map[string]string{"urgency": a.Urgency, "service": a.Service, "url": a.URL},
		})
	}

	if len(events) == 0 {
		e.logger.Info("no new external signals", "incident_id", inc.ID)
		return nil
	}
	if err := e.store.InsertTimelineEvents(ctx, events); err != nil {
		return err
	}
	e.logger.Info("external signals recorded", "incident_id", inc.ID, "events", len(events))
	return nil
}

// GenerateTimeline produces a narrative summary of the incident's timeline
// and stores it as a timeline_summary evidence item.
func (e *Engine) GenerateTimeline(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	events, err := e.store.ListTimeline(ctx, inc.ID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		e.logger.Info("timeline empty, nothing to summarize", "incident_id", inc.ID)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", inc.Title)
	if inc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", inc.Description)
	}
	b.WriteString("Timeline:\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "- %s [%s] %s", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.EventType, ev.Title)
		if ev.Description != "" {
			fmt.Fprintf(&b, ": %s", ev.Description)
		}
		b.WriteString("\n")
	}

	prompt := fmt.Sprintf(`Summarize the following incident timeline for an on-call engineer.
Highlight the likely triggering change and the order of observed effects. Three to five sentences.

%s`, b.String())

	summary, err := e.inference.Generate(ctx, prompt, 512, 0.3)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("timeline summary skipped, inference disabled", "incident_id", inc.ID)
			return nil
		}
		return err
	}

	return e.store.CreateEvidence(ctx, &models.EvidenceItem{
		IncidentID:   inc.ID,
		EvidenceType: "timeline_summary",
		Title:        "Timeline summary",
		Content:      summary,
		Source:       "opslens",
	})
}

// GenerateHypotheses drafts a root-cause hypothesis from the most recent
// evidence. The model's stated confidence is parsed from the reply and
// clamped to [0,1], defaulting to 0.7 when absent. The first three evidence
// IDs become the supporting set.
func (e *Engine) GenerateHypotheses(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	evidence, err := e.store.ListEvidence(ctx, inc.ID, maxHypothesisEvidence)
	if err != nil {
		return err
	}
	if len(evidence) == 0 {
		e.logger.Info("no evidence collected yet, skipping hypothesis generation", "incident_id", inc.ID)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", inc.Title)
	if inc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", inc.Description)
	}
	for _, ev := range evidence {
		content, err := e.compactContent(ctx, ev.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "\nEvidence (%s) %s:\n%s\n", ev.EvidenceType, ev.Title, content)
	}

	prompt := fmt.Sprintf(`Based on the incident context below, propose the single most likely root cause.
Reply with a short title on the first line, an explanation, and a final line of the form "Confidence: 0.X".

%s`, b.String())

	reply, err := e.inference.Generate(ctx, prompt, 512, 0.3)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("hypothesis generation skipped, inference disabled", "incident_id", inc.ID)
			return nil
		}
		return err
	}

	title, description := splitHypothesisReply(reply)
	supporting := make([]string, 0, 3)
	for i, ev := range evidence {
		if i == 3 {
			break
		}
		supporting = append(supporting, ev.ID)
	}

	h := &models.Hypothesis{
		IncidentID:         inc.ID,
		Title:              title,
		Description:        description,
		Confidence:         parseConfidence(reply),
		Rank:               1,
		SupportingEvidence: supporting,
	}
	if err := e.store.CreateHypothesis(ctx, h); err != nil {
		return err
	}

	e.publisher.Publish(ctx, models.LifecycleEvent{
		Event: models.LifecycleHypothesisGenerated,
		Data: map[string]any{
			"incident_id":   inc.ID,
			"hypothesis_id": h.ID,
			"title":         h.Title,
			"confidence":    h.Confidence,
		},
	})
	return nil
}

// GenerateActions derives recommended next steps from the strongest pending
// hypothesis. Without a pending hypothesis the job is a no-op.
func (e *Engine) GenerateActions(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	hypotheses, err := e.store.ListHypotheses(ctx, inc.ID)
	if err != nil {
		return err
	}

	var top *models.Hypothesis
	for _, h := range hypotheses {
		if h.Status == models.HypothesisPending {
			top = h
			break
		}
	}
	if top == nil {
		e.logger.Info("no pending hypothesis, skipping action generation", "incident_id", inc.ID)
		return nil
	}

	actions := []*models.Action{
		{
			IncidentID:  inc.ID,
			Title:       "Investigate root cause: " + top.Title,
			Description: top.Description,
			ActionType:  "investigate",
		},
		{
			IncidentID:  inc.ID,
			Title:       "Check service metrics",
			Description: "Review dashboards for the affected services around the incident window.",
			ActionType:  "metrics",
		},
		{
			IncidentID:  inc.ID,
			Title:       "Review recent deployments",
			Description: "Confirm whether a recent deployment correlates with the incident start.",
			ActionType:  "deployment",
		},
	}
	return e.store.CreateActions(ctx, actions)
}

// GeneratePostmortem drafts a postmortem from the timeline and hypotheses of
// a finished incident.
func (e *Engine) GeneratePostmortem(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc.Status != models.StatusResolved && inc.Status != models.StatusClosed {
		e.logger.Info("incident not finished, skipping postmortem", "incident_id", inc.ID, "status", inc.Status)
		return nil
	}

	events, err := e.store.ListTimeline(ctx, inc.ID)
	if err != nil {
		return err
	}
	hypotheses, err := e.store.ListHypotheses(ctx, inc.ID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\nSeverity: %s\n", inc.Title, inc.Severity)
	if inc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", inc.Description)
	}
	if len(events) > 0 {
		b.WriteString("Timeline:\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "- %s [%s] %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.EventType, ev.Title)
		}
	}
	rootCause := ""
	if len(hypotheses) > 0 {
		rootCause = hypotheses[0].Title
		fmt.Fprintf(&b, "Leading hypothesis (confidence %.2f): %s\n%s\n",
			hypotheses[0].Confidence, hypotheses[0].Title, hypotheses[0].Description)
	}

	prompt := fmt.Sprintf(`Write a blameless postmortem draft for the incident below.
Cover: summary, impact, root cause, resolution, and follow-up items.

%s`, b.String())

	draft, err := e.inference.Generate(ctx, prompt, 1024, 0.3)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("postmortem skipped, inference disabled", "incident_id", inc.ID)
			return nil
		}
		return err
	}

	return e.store.CreatePostmortem(ctx, &models.Postmortem{
		IncidentID: inc.ID,
		Title:      "Postmortem: " + inc.Title,
		Summary:    draft,
		RootCause:  rootCause,
	})
}

// IndexEvidence computes and stores the embedding for one evidence item.
// Items whose stored embedding already covers the current content length are
// left alone, which makes redelivered index jobs harmless.
func (e *Engine) IndexEvidence(ctx context.Context, evidenceID string) error {
	ev, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	if ev.Content == "" {
		e.logger.Info("evidence has no content to index", "evidence_id", ev.ID)
		return nil
	}
	if ev.Embedding != nil && ev.EmbeddedLen == len(ev.Content) {
		return nil
	}

	vectors, err := e.inference.Embed(ctx, []string{ev.Title + "\n" + ev.Content})
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("evidence indexing skipped, inference disabled", "evidence_id", ev.ID)
			return nil
		}
		return err
	}
	return e.store.SetEvidenceEmbedding(ctx, ev.ID, vectors[0], len(ev.Content))
}

// AnalyzeScreenshot runs the vision model over a screenshot evidence item,
// appends the analysis to its content, and reindexes it so retrieval sees
// the analyzed text.
func (e *Engine) AnalyzeScreenshot(ctx context.Context, evidenceID string) error {
	ev, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	if ev.FilePath == "" {
		e.logger.Info("evidence has no file path, skipping screenshot analysis", "evidence_id", ev.ID)
		return nil
	}

	image, err := os.ReadFile(ev.FilePath)
	if err != nil {
		e.logger.Warn("screenshot unreadable, skipping analysis", "evidence_id", ev.ID, "path", ev.FilePath, "error", err)
		return nil
	}

	analysis, err := e.inference.AnalyzeImage(ctx, image, mimeTypeFor(ev.FilePath), screenshotPrompt)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("screenshot analysis skipped, inference disabled", "evidence_id", ev.ID)
			return nil
		}
		return err
	}

	if err := e.store.AppendEvidenceContent(ctx, ev.ID, "\n\nVLM Analysis:\n"+analysis); err != nil {
		return err
	}
	return e.IndexEvidence(ctx, ev.ID)
}

// IndexRunbook computes and stores the embedding for one runbook.
func (e *Engine) IndexRunbook(ctx context.Context, runbookID string) error {
	rb, err := e.store.GetRunbook(ctx, runbookID)
	if err != nil {
		return err
	}
	if rb.Embedding != nil && rb.EmbeddedLen == len(rb.Content) {
		return nil
	}

	vectors, err := e.inference.Embed(ctx, []string{rb.Title + "\n" + rb.Content})
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			e.logger.Info("runbook indexing skipped, inference disabled", "runbook_id", rb.ID)
			return nil
		}
		return err
	}
	return e.store.SetRunbookEmbedding(ctx, rb.ID, vectors[0], len(rb.Content))
}

// compactContent shrinks oversized evidence content before prompt assembly,
// summarizing with the text model when available and truncating otherwise.
func (e *Engine) compactContent(ctx context.Context, content string) (string, error) {
	if len(content) <= maxEvidenceChars {
		return content, nil
	}

	prompt := fmt.Sprintf(`Summarize the following log or diagnostic output in a few sentences, keeping error messages and timestamps:

%s`, content[:min(len(content), 4*maxEvidenceChars)])

	summary, err := e.inference.Generate(ctx, prompt, 256, 0.2)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			return content[:maxEvidenceChars], nil
		}
		return "", err
	}
	return summary, nil
}

// parseConfidence extracts the model's stated confidence, defaulting to 0.7
// and clamping to [0,1].
func parseConfidence(reply string) float64 {
	match := confidencePattern.FindStringSubmatch(reply)
	if match == nil {
		return 0.7
	}
	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0.7
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func splitHypothesisReply(reply string) (title, description string) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "Root cause hypothesis", ""
	}
	lines := strings.SplitN(reply, "\n", 2)
	title = strings.TrimSpace(strings.TrimLeft(lines[0], "#*- "))
	if title == "" {
		title = "Root cause hypothesis"
	}
	if len(lines) > 1 {
		description = strings.TrimSpace(lines[1])
	}
	if description == "" {
		description = reply
	}
	return title, description
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "image/png"
}
