package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslens/opslens-engine/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIncidentLifecycleFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "checkout errors", Severity: models.SeverityHigh}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NotEmpty(t, inc.ID)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.NotNil(t, got.Metadata)

	now := time.Now().UTC()
	got.Status = models.StatusResolved
	got.ResolvedAt = &now
	require.NoError(t, s.UpdateIncident(ctx, got))

	got, err = s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
}

func TestGetIncidentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIncident(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindIncidentByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{
		Title:    "db latency",
		Metadata: map[string]string{"pagerduty_id": "PXYZ", "source": "pagerduty"},
	}
	require.NoError(t, s.CreateIncident(ctx, inc))

	got, err := s.FindIncidentByExternalID(ctx, "pagerduty", "PXYZ")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)

	_, err = s.FindIncidentByExternalID(ctx, "pagerduty", "OTHER")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListActiveIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := &models.Incident{Title: "open"}
	investigating := &models.Incident{Title: "investigating", Status: models.StatusInvestigating}
	closed := &models.Incident{Title: "closed", Status: models.StatusClosed}
	for _, inc := range []*models.Incident{open, investigating, closed} {
		require.NoError(t, s.CreateIncident(ctx, inc))
	}

	active, err := s.ListActiveIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, inc := range active {
		assert.NotEqual(t, models.StatusClosed, inc.Status)
	}
}

func TestTimelineOrderAndBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "ordering"}
	require.NoError(t, s.CreateIncident(ctx, inc))

	base := time.Now().UTC().Truncate(time.Second)
	events := []*models.TimelineEvent{
		{IncidentID: inc.ID, Timestamp: base.Add(2 * time.Minute), EventType: models.EventAlert, Title: "second"},
		{IncidentID: inc.ID, Timestamp: base, EventType: models.EventDeployment, Title: "first"},
	}
	require.NoError(t, s.InsertTimelineEvents(ctx, events))

	got, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Title)
	assert.Equal(t, "second", got[1].Title)
}

func TestHasTimelineEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "dedup"}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NoError(t, s.InsertTimelineEvent(ctx, &models.TimelineEvent{
		IncidentID: inc.ID, EventType: models.EventDeployment,
		Title: "deploy", Source: "github", SourceID: "42",
	}))

	seen, err := s.HasTimelineEvent(ctx, inc.ID, "github", "42")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.HasTimelineEvent(ctx, inc.ID, "github", "43")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestEvidenceAppendMarksEmbeddingStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "screenshots"}
	require.NoError(t, s.CreateIncident(ctx, inc))

	ev := &models.EvidenceItem{
		IncidentID: inc.ID, EvidenceType: "screenshot",
		Title: "dashboard", Content: "error rate graph",
	}
	require.NoError(t, s.CreateEvidence(ctx, ev))
	require.NoError(t, s.SetEvidenceEmbedding(ctx, ev.ID, []float32{0.1, 0.2}, len(ev.Content)))

	require.NoError(t, s.AppendEvidenceContent(ctx, ev.ID, "\n\nVLM Analysis:\nspike at 14:02"))

	got, err := s.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Content, "VLM Analysis")
	assert.NotEqual(t, len(got.Content), got.EmbeddedLen)
	assert.NotNil(t, got.Embedding)
}

func TestHypothesisOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "ranked"}
	require.NoError(t, s.CreateIncident(ctx, inc))

	for _, h := range []*models.Hypothesis{
		{IncidentID: inc.ID, Title: "low", Description: "d", Confidence: 0.3, Rank: 2},
		{IncidentID: inc.ID, Title: "top", Description: "d", Confidence: 0.9, Rank: 1},
		{IncidentID: inc.ID, Title: "mid", Description: "d", Confidence: 0.5, Rank: 2},
	} {
		require.NoError(t, s.CreateHypothesis(ctx, h))
	}

	got, err := s.ListHypotheses(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "top", got[0].Title)
	assert.Equal(t, "mid", got[1].Title)
}

func TestActionCompletionStamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "actions"}
	require.NoError(t, s.CreateIncident(ctx, inc))

	a := &models.Action{IncidentID: inc.ID, Title: "check metrics"}
	require.NoError(t, s.CreateActions(ctx, []*models.Action{a}))

	require.NoError(t, s.UpdateActionStatus(ctx, a.ID, models.ActionCompleted))
	got, err := s.ListActions(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CompletedAt)

	require.NoError(t, s.UpdateActionStatus(ctx, a.ID, models.ActionPending))
	got, err = s.ListActions(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, got[0].CompletedAt)
}

func TestRunbookServiceFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRunbook(ctx, &models.Runbook{Title: "a", Content: "c", Service: "checkout"}))
	require.NoError(t, s.CreateRunbook(ctx, &models.Runbook{Title: "b", Content: "c", Service: "payments"}))

	got, err := s.ListRunbooks(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Title)

	all, err := s.ListRunbooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEndpointEventFilterAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unsubscribed := &models.WebhookEndpoint{URL: "https://a.example/hook", Active: true}
	scoped := &models.WebhookEndpoint{
		URL: "https://b.example/hook", Active: true,
		Events: []string{models.LifecycleIncidentCreated, models.LifecycleIncidentUpdated},
	}
	inactive := &models.WebhookEndpoint{
		URL: "https://c.example/hook", Active: false,
		Events: []string{models.LifecycleIncidentCreated},
	}
	for _, ep := range []*models.WebhookEndpoint{unsubscribed, scoped, inactive} {
		require.NoError(t, s.CreateEndpoint(ctx, ep))
	}

	got, err := s.ListEndpointsForEvent(ctx, models.LifecycleIncidentCreated)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scoped.ID, got[0].ID)

	// An endpoint with no subscriptions receives nothing.
	got, err = s.ListEndpointsForEvent(ctx, models.LifecycleHypothesisGenerated)
	require.NoError(t, err)
	assert.Empty(t, got)

	when := time.Now().UTC()
	require.NoError(t, s.TouchEndpoint(ctx, scoped.ID, when))
	eps, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	for _, ep := range eps {
		if ep.ID == scoped.ID {
			require.NotNil(t, ep.LastTriggered)
		}
	}
}

func TestDeleteIncidentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "gone"}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NoError(t, s.InsertTimelineEvent(ctx, &models.TimelineEvent{
		IncidentID: inc.ID, EventType: models.EventAlert, Title: "spike",
	}))
	ev := &models.EvidenceItem{IncidentID: inc.ID, EvidenceType: "log", Title: "l", Content: "c"}
	require.NoError(t, s.CreateEvidence(ctx, ev))
	require.NoError(t, s.CreateHypothesis(ctx, &models.Hypothesis{
		IncidentID: inc.ID, Title: "h", Description: "d", Confidence: 0.5, Rank: 1,
	}))
	require.NoError(t, s.CreateActions(ctx, []*models.Action{
		{IncidentID: inc.ID, Title: "a"},
	}))

	require.NoError(t, s.DeleteIncident(ctx, inc.ID))

	_, err := s.GetIncident(ctx, inc.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetEvidence(ctx, ev.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	events, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	hyps, err := s.ListHypotheses(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, hyps)
	actions, err := s.ListActions(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)

	assert.True(t, errors.Is(s.DeleteIncident(ctx, inc.ID), ErrNotFound))
}

func TestPostmortemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{Title: "review"}
	require.NoError(t, s.CreateIncident(ctx, inc))

	pm := &models.Postmortem{
		IncidentID: inc.ID, Title: "Postmortem: review",
		Summary: "summary", RootCause: "bad deploy",
		ContributingFactors: []string{"no canary"},
		FollowUps:           []string{"add canary stage"},
	}
	require.NoError(t, s.CreatePostmortem(ctx, pm))

	got, err := s.GetPostmortemByIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "bad deploy", got.RootCause)
	assert.Equal(t, []string{"no canary"}, got.ContributingFactors)
}
