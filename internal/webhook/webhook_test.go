package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslens/opslens-engine/internal/engine"
	"github.com/opslens/opslens-engine/internal/models"
	"github.com/opslens/opslens-engine/internal/orchestrator"
	"github.com/opslens/opslens-engine/internal/store"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []orchestrator.Job
}

func (r *recordingEnqueuer) Enqueue(job orchestrator.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingEnqueuer) list() []orchestrator.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orchestrator.Job(nil), r.jobs...)
}

type fixture struct {
	store   *store.Store
	engine  *engine.Engine
	jobs    *recordingEnqueuer
	server  *Server
	handler http.Handler
}

func newFixture(t *testing.T, secrets map[string]string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, nil, nil, nil, nil, 0, slog.Default())
	jobs := &recordingEnqueuer{}
	processor := NewProcessor(eng, st, jobs, slog.Default())
	srv := NewServer(processor, secrets, slog.Default())
	return &fixture{store: st, engine: eng, jobs: jobs, server: srv, handler: srv.Router()}
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func pagerdutyTrigger(id, title, urgency string) []byte {
	payload := map[string]any{
		"messages": []map[string]any{
			{
				"event": "incident.triggered",
				"incident": map[string]any{
					"id":      id,
					"title":   title,
					"urgency": urgency,
					"service": map[string]any{"summary": "checkout"},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func pagerdutyResolve(id string) []byte {
	payload := map[string]any{
		"messages": []map[string]any{
			{
				"event":    "incident.resolved",
				"incident": map[string]any{"id": id, "title": "t"},
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"title":"x"}`)
	sig := Sign("secret", body)

	require.NoError(t, VerifySignature("secret", body, sig))
	assert.ErrorIs(t, VerifySignature("secret", body, "sha256=deadbeef"), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature("secret", body, ""), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature("secret", append(body, 'x'), sig), ErrSignatureInvalid)
	// No secret configured means no verification.
	require.NoError(t, VerifySignature("", body, ""))
}

func TestTamperedPayloadHasNoSideEffects(t *testing.T) {
	f := newFixture(t, map[string]string{"pagerduty": "secret"})
	body := pagerdutyTrigger("PXYZ", "errors up", "high")

	rec := f.post(t, "/webhooks/pagerduty", body, map[string]string{
		"X-Webhook-Signature": "sha256=0000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	incidents, err := f.store.ListIncidents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
	assert.Empty(t, f.jobs.list())
}

func TestPagerDutyTriggerCreatesIncidentOnce(t *testing.T) {
	f := newFixture(t, map[string]string{"pagerduty": "secret"})
	body := pagerdutyTrigger("PXYZ", "checkout errors", "high")
	headers := map[string]string{"X-Webhook-Signature": Sign("secret", body)}

	rec := f.post(t, "/webhooks/pagerduty", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	incidents, err := f.store.ListIncidents(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, models.SeverityHigh, inc.Severity)
	assert.Equal(t, "PXYZ", inc.Metadata["pagerduty_id"])

	// Enrichment is queued and the incident is under investigation.
	assert.Equal(t, models.StatusInvestigating, inc.Status)
	jobs := f.jobs.list()
	require.Len(t, jobs, 1)
	assert.Equal(t, orchestrator.JobFetchSignals, jobs[0].Type)
	assert.Equal(t, inc.ID, jobs[0].EntityID)

	// Redeliveries are pure duplicates: nothing new created or queued.
	for i := 0; i < 2; i++ {
		rec = f.post(t, "/webhooks/pagerduty", body, headers)
		require.Equal(t, http.StatusOK, rec.Code)

		incidents, err = f.store.ListIncidents(context.Background(), "", 10)
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, models.StatusInvestigating, incidents[0].Status)
		assert.Len(t, f.jobs.list(), 1)
	}
}

func TestPagerDutyResolveFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.post(t, "/webhooks/pagerduty", pagerdutyTrigger("PXYZ", "t", "low"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/webhooks/pagerduty", pagerdutyResolve("PXYZ"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	incidents, err := f.store.ListIncidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.StatusResolved, incidents[0].Status)
	assert.NotNil(t, incidents[0].ResolvedAt)

	// Resolving an unknown alert is ignored.
	rec = f.post(t, "/webhooks/pagerduty", pagerdutyResolve("UNKNOWN"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGitHubMergeBroadcastsToActiveIncidents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	active := &models.Incident{Title: "active"}
	require.NoError(t, f.store.CreateIncident(ctx, active))
	closed := &models.Incident{Title: "closed", Status: models.StatusClosed}
	require.NoError(t, f.store.CreateIncident(ctx, closed))

	payload := map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"id":        991,
			"merged":    true,
			"number":    17,
			"title":     "raise pool size",
			"merged_by": map[string]any{"login": "dev"},
			"base": map[string]any{
				"repo": map[string]any{"full_name": "acme/checkout"},
			},
		},
	}
	body, _ := json.Marshal(payload)

	rec := f.post(t, "/webhooks/github", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := f.store.ListTimeline(ctx, active.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDeployment, events[0].EventType)
	assert.Equal(t, "github", events[0].Source)
	assert.Equal(t, "acme/checkout", events[0].Metadata["repo"])

	closedEvents, err := f.store.ListTimeline(ctx, closed.ID)
	require.NoError(t, err)
	assert.Empty(t, closedEvents)

	// Redelivered merge writes nothing new.
	rec = f.post(t, "/webhooks/github", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events, err = f.store.ListTimeline(ctx, active.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGitHubUnmergedCloseIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"action":"closed","pull_request":{"id":1,"merged":false},"repository":{"full_name":"a/b"}}`)

	rec := f.post(t, "/webhooks/github", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	incidents, err := f.store.ListIncidents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestGenericWebhookCreatesIncident(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"incident_title":"disk filling","message":"var is 95% full","severity":"critical"}`)

	rec := f.post(t, "/webhooks/generic", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	incidents, err := f.store.ListIncidents(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "disk filling", incidents[0].Title)
	assert.Equal(t, models.SeverityCritical, incidents[0].Severity)
	assert.Equal(t, models.StatusInvestigating, incidents[0].Status)
	require.Len(t, f.jobs.list(), 1)
}

func TestMalformedPayloadReturns400(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.post(t, "/webhooks/github", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownSourceReturns404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.post(t, "/webhooks/unknown", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	type received struct {
		body      []byte
		signature string
		event     string
	}
	got := make(chan received, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		got <- received{
			body:      buf.Bytes(),
			signature: r.Header.Get("X-Webhook-Signature"),
			event:     r.Header.Get("X-Webhook-Event"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	ep := &models.WebhookEndpoint{
		URL: target.URL, Secret: "epsecret", Active: true,
		Events: []string{models.LifecycleIncidentCreated},
	}
	require.NoError(t, f.store.CreateEndpoint(ctx, ep))

	d := NewDispatcher(f.store, 5*time.Second, slog.Default())
	d.Publish(ctx, models.LifecycleEvent{
		Event: models.LifecycleIncidentCreated,
		Data:  map[string]any{"incident_id": "abc"},
	})
	d.Wait()

	select {
	case r := <-got:
		assert.Equal(t, models.LifecycleIncidentCreated, r.event)
		require.NoError(t, VerifySignature("epsecret", r.body, r.signature))

		var payload map[string]any
		require.NoError(t, json.Unmarshal(r.body, &payload))
		assert.Equal(t, models.LifecycleIncidentCreated, payload["event"])
		assert.NotEmpty(t, payload["timestamp"])
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	eps, err := f.store.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.NotNil(t, eps[0].LastTriggered)
}

func TestDispatcherFailureLeavesLastTriggeredUnset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(target.Close)

	ep := &models.WebhookEndpoint{
		URL: target.URL, Active: true,
		Events: []string{models.LifecycleIncidentUpdated},
	}
	require.NoError(t, f.store.CreateEndpoint(ctx, ep))

	d := NewDispatcher(f.store, 2*time.Second, slog.Default())
	d.Publish(ctx, models.LifecycleEvent{Event: models.LifecycleIncidentUpdated, Data: map[string]any{}})
	d.Wait()

	eps, err := f.store.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Nil(t, eps[0].LastTriggered)
}

func TestDispatcherSkipsUnsubscribedEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var hits int32
	var mu sync.Mutex
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	other := &models.WebhookEndpoint{
		URL: target.URL, Active: true,
		Events: []string{models.LifecycleHypothesisGenerated},
	}
	require.NoError(t, f.store.CreateEndpoint(ctx, other))
	// No subscriptions means no deliveries.
	empty := &models.WebhookEndpoint{URL: target.URL, Active: true}
	require.NoError(t, f.store.CreateEndpoint(ctx, empty))

	d := NewDispatcher(f.store, 2*time.Second, slog.Default())
	d.Publish(ctx, models.LifecycleEvent{Event: models.LifecycleIncidentCreated, Data: map[string]any{}})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hits)
}
