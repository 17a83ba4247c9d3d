package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opslens/opslens-engine/internal/cache"
	"github.com/opslens/opslens-engine/internal/config"
	"github.com/opslens/opslens-engine/internal/metrics"
	"github.com/opslens/opslens-engine/internal/store"
	"github.com/opslens/opslens-engine/internal/utils"
)

// JobType identifies a background job handler.
type JobType string

const (
	JobFetchSignals       JobType = "fetch_signals"
	JobGenerateTimeline   JobType = "generate_timeline"
	JobGenerateHypotheses JobType = "generate_hypotheses"
	JobGenerateActions    JobType = "generate_actions"
	JobGeneratePostmortem JobType = "generate_postmortem"
	JobIndexEvidence      JobType = "index_evidence"
	JobAnalyzeScreenshot  JobType = "analyze_screenshot"
	JobIndexRunbook       JobType = "index_runbook"
)

// Job is the unit of queued work. It carries only an entity reference;
// handlers re-read current state so redelivered jobs act on fresh data.
type Job struct {
	Type     JobType
	EntityID string
}

// ErrQueueFull signals that the job queue cannot accept more work right now.
var ErrQueueFull = errors.New("job queue full")

// Pipeline is the set of enrichment operations jobs dispatch into.
type Pipeline interface {
	FetchExternalSignals(ctx context.Context, incidentID string) error
	GenerateTimeline(ctx context.Context, incidentID string) error
	GenerateHypotheses(ctx context.Context, incidentID string) error
	GenerateActions(ctx context.Context, incidentID string) error
	GeneratePostmortem(ctx context.Context, incidentID string) error
	IndexEvidence(ctx context.Context, evidenceID string) error
	AnalyzeScreenshot(ctx context.Context, evidenceID string) error
	IndexRunbook(ctx context.Context, runbookID string) error
}

// Orchestrator runs background jobs over a shared buffered queue with a
// fixed worker pool. Delivery is at-least-once: a claim in the cache
// suppresses duplicate concurrent runs, and every handler is written to be
// idempotent for the claims that slip through.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	queue    chan Job
	cache    cache.Provider
	pipeline Pipeline
	logger   *slog.Logger
	handlers map[JobType]func(ctx context.Context, job Job) error

	mu    sync.Mutex
	locks map[string]*entityLock

	latency *utils.LatencyTracker
}

// New constructs an Orchestrator. A nil cache degrades to NoopProvider,
// which keeps every claim grantable.
func New(cfg config.OrchestratorConfig, pipeline Pipeline, cacheProvider cache.Provider, logger *slog.Logger) *Orchestrator {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}

	o := &Orchestrator{
		cfg:      cfg,
		queue:    make(chan Job, cfg.QueueSize),
		cache:    cacheProvider,
		pipeline: pipeline,
		logger:   logger,
		locks:    make(map[string]*entityLock),
		latency:  utils.NewLatencyTracker(512),
	}
	o.registerHandlers()
	return o
}

// Enqueue submits a job without blocking. A full queue is reported to the
// caller rather than stalling webhook handlers.
func (o *Orchestrator) Enqueue(job Job) error {
	if _, ok := o.handlers[job.Type]; !ok {
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	select {
	case o.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is cancelled, then drains in-flight work.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-o.queue:
					o.process(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	o.logger.Info("orchestrator stopped",
		"jobs_observed", o.latency.Count(),
		"p95", o.latency.Percentile(95))
	return err
}

func (o *Orchestrator) process(ctx context.Context, job Job) {
	claimKey := fmt.Sprintf("job:%s:%s", job.Type, job.EntityID)
	claimed, err := o.cache.SetNX(ctx, claimKey, []byte("1"), o.cfg.ClaimTTL)
	if err != nil {
		// A broken cache must never stop work, it only loses dedup.
		o.logger.Warn("idempotency claim failed, running anyway", "job", job.Type, "error", err)
		claimed = true
	}
	if !claimed {
		o.logger.Debug("job already claimed", "job", job.Type, "entity_id", job.EntityID)
		metrics.ObserveJob(string(job.Type), 0, metrics.OutcomeSkipped)
		return
	}

	lock := o.acquireEntity(job.EntityID)
	defer o.releaseEntity(job.EntityID, lock)

	start := time.Now()
	err = o.execute(ctx, job)
	duration := time.Since(start)
	o.latency.Observe(duration)

	switch {
	case err == nil:
		metrics.ObserveJob(string(job.Type), duration, metrics.OutcomeSuccess)
	case errors.Is(err, store.ErrNotFound):
		// Entity disappeared between enqueue and execution.
		o.logger.Info("job entity gone, skipping", "job", job.Type, "entity_id", job.EntityID)
		metrics.ObserveJob(string(job.Type), duration, metrics.OutcomeSkipped)
	default:
		o.logger.Error("job failed", "job", job.Type, "entity_id", job.EntityID,
			"error", err, "duration", duration)
		metrics.ObserveJob(string(job.Type), duration, metrics.OutcomeError)
		// Release the claim so a redelivery can run before the TTL expires.
		if delErr := o.cache.Del(ctx, claimKey); delErr != nil {
			o.logger.Warn("claim release failed", "job", job.Type, "error", delErr)
		}
	}

	if count := o.latency.Count(); count > 0 && count%64 == 0 {
		o.logger.Info("job latency snapshot", "samples", count, "p95", o.latency.Percentile(95))
	}
}

// execute runs the handler, retrying transient failures with linear backoff.
func (o *Orchestrator) execute(ctx context.Context, job Job) error {
	handler := o.handlers[job.Type]

	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		err = handler(ctx, job)
		if err == nil || !utils.IsTransient(err) {
			return err
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * o.cfg.RetryBackoff
		o.logger.Warn("transient job failure, retrying",
			"job", job.Type, "entity_id", job.EntityID, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// entityLock serializes jobs for one entity. Jobs for different entities run
// concurrently; two jobs for the same incident never interleave their writes.
// Locks are refcounted so the map does not grow with every entity ever seen.
type entityLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) acquireEntity(entityID string) *entityLock {
	o.mu.Lock()
	lock, ok := o.locks[entityID]
	if !ok {
		lock = &entityLock{}
		o.locks[entityID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (o *Orchestrator) releaseEntity(entityID string, lock *entityLock) {
	lock.mu.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, entityID)
	}
	o.mu.Unlock()
}
