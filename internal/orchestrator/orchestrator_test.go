package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opslens/opslens-engine/internal/cache"
	"github.com/opslens/opslens-engine/internal/config"
	"github.com/opslens/opslens-engine/internal/engine"
	"github.com/opslens/opslens-engine/internal/models"
	"github.com/opslens/opslens-engine/internal/store"
	"github.com/opslens/opslens-engine/internal/utils"
)

type fakePipeline struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{calls: make(map[string]int), errs: make(map[string][]error)}
}

func (f *fakePipeline) invoke(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if queue := f.errs[op]; len(queue) > 0 {
		err := queue[0]
		f.errs[op] = queue[1:]
		return err
	}
	return nil
}

func (f *fakePipeline) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakePipeline) queueErrors(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakePipeline) FetchExternalSignals(ctx context.Context, id string) error {
	return f.invoke("fetch")
}
func (f *fakePipeline) GenerateTimeline(ctx context.Context, id string) error {
	return f.invoke("timeline")
}
func (f *fakePipeline) GenerateHypotheses(ctx context.Context, id string) error {
	return f.invoke("hypotheses")
}
func (f *fakePipeline) GenerateActions(ctx context.Context, id string) error {
	return f.invoke("actions")
}
func (f *fakePipeline) GeneratePostmortem(ctx context.Context, id string) error {
	return f.invoke("postmortem")
}
func (f *fakePipeline) IndexEvidence(ctx context.Context, id string) error {
	return f.invoke("index_evidence")
}
func (f *fakePipeline) AnalyzeScreenshot(ctx context.Context, id string) error {
	return f.invoke("screenshot")
}
func (f *fakePipeline) IndexRunbook(ctx context.Context, id string) error {
	return f.invoke("index_runbook")
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Workers:      2,
		QueueSize:    32,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		ClaimTTL:     time.Minute,
	}
}

func runOrchestrator(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFetchSignalsChainsTimeline(t *testing.T) {
	pipeline := newFakePipeline()
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobFetchSignals, EntityID: "inc-1"}))

	waitFor(t, func() bool { return pipeline.count("timeline") == 1 })
	assert.Equal(t, 1, pipeline.count("fetch"))
}

func TestHypothesesChainActions(t *testing.T) {
	pipeline := newFakePipeline()
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobGenerateHypotheses, EntityID: "inc-1"}))

	waitFor(t, func() bool { return pipeline.count("actions") == 1 })
}

func TestFailedFetchDoesNotChain(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.queueErrors("fetch", errors.New("hard failure"))
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobFetchSignals, EntityID: "inc-1"}))

	waitFor(t, func() bool { return pipeline.count("fetch") == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, pipeline.count("timeline"))
}

func TestTransientFailureRetries(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.queueErrors("index_evidence",
		utils.MarkTransient(errors.New("provider loading")),
		utils.MarkTransient(errors.New("provider loading")))
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobIndexEvidence, EntityID: "ev-1"}))

	waitFor(t, func() bool { return pipeline.count("index_evidence") == 3 })
}

func TestHardFailureDoesNotRetry(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.queueErrors("index_evidence", errors.New("corrupt input"))
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobIndexEvidence, EntityID: "ev-1"}))

	waitFor(t, func() bool { return pipeline.count("index_evidence") == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pipeline.count("index_evidence"))
}

func TestMissingEntityIsBenign(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.queueErrors("postmortem", store.ErrNotFound)
	o := New(testConfig(), pipeline, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobGeneratePostmortem, EntityID: "gone"}))

	waitFor(t, func() bool { return pipeline.count("postmortem") == 1 })
}

func TestIdempotencyClaimSuppressesDuplicates(t *testing.T) {
	pipeline := newFakePipeline()
	provider := cache.NewMemoryProvider(time.Minute)
	t.Cleanup(func() { provider.Close() })

	cfg := testConfig()
	cfg.Workers = 1
	o := New(cfg, pipeline, provider, nil)

	require.NoError(t, o.Enqueue(Job{Type: JobIndexRunbook, EntityID: "rb-1"}))
	require.NoError(t, o.Enqueue(Job{Type: JobIndexRunbook, EntityID: "rb-1"}))
	runOrchestrator(t, o)

	waitFor(t, func() bool { return pipeline.count("index_runbook") >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pipeline.count("index_runbook"))
}

func TestEnqueueUnknownJobType(t *testing.T) {
	o := New(testConfig(), newFakePipeline(), cache.NoopProvider{}, nil)
	assert.Error(t, o.Enqueue(Job{Type: "mystery", EntityID: "x"}))
}

func TestEnqueueFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	o := New(cfg, newFakePipeline(), cache.NoopProvider{}, nil)

	require.NoError(t, o.Enqueue(Job{Type: JobIndexEvidence, EntityID: "a"}))
	err := o.Enqueue(Job{Type: JobIndexEvidence, EntityID: "b"})
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestEntityLockSerializesAndPrunes(t *testing.T) {
	o := New(testConfig(), newFakePipeline(), cache.NoopProvider{}, nil)

	first := o.acquireEntity("inc-1")
	done := make(chan struct{})
	go func() {
		second := o.acquireEntity("inc-1")
		o.releaseEntity("inc-1", second)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	// A different entity is never blocked.
	other := o.acquireEntity("inc-2")
	o.releaseEntity("inc-2", other)

	o.releaseEntity("inc-1", first)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	// Released locks leave no entry behind.
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.locks)
}

func TestDeletedIncidentJobIsBenignSkip(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	eng := engine.New(st, nil, nil, nil, nil, 0, slog.Default())

	ctx := context.Background()
	gone := &models.Incident{Title: "short lived"}
	require.NoError(t, st.CreateIncident(ctx, gone))
	require.NoError(t, st.DeleteIncident(ctx, gone.ID))

	live := &models.Incident{Title: "still here"}
	require.NoError(t, st.CreateIncident(ctx, live))
	require.NoError(t, st.CreateHypothesis(ctx, &models.Hypothesis{
		IncidentID: live.ID, Title: "h", Description: "d", Confidence: 0.6, Rank: 1,
	}))

	o := New(testConfig(), eng, cache.NoopProvider{}, nil)
	runOrchestrator(t, o)

	require.NoError(t, o.Enqueue(Job{Type: JobGenerateActions, EntityID: gone.ID}))
	require.NoError(t, o.Enqueue(Job{Type: JobGenerateActions, EntityID: live.ID}))

	// The live incident's job completes; the deleted one resolves as a no-op.
	waitFor(t, func() bool {
		actions, err := st.ListActions(ctx, live.ID)
		return err == nil && len(actions) == 3
	})
	waitFor(t, func() bool { return o.latency.Count() == 2 })

	goneActions, err := st.ListActions(ctx, gone.ID)
	require.NoError(t, err)
	assert.Empty(t, goneActions)
}
