package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/opslens/opslens-engine/internal/models"
	"github.com/opslens/opslens-engine/internal/repo"
	"github.com/opslens/opslens-engine/internal/store"
)

// InferenceClient defines the model operations the engine depends on.
type InferenceClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// MergeSource supplies recently merged pull requests.
type MergeSource interface {
	RecentMerges(ctx context.Context, window time.Duration) ([]repo.Merge, error)
}

// AlertSource supplies recently opened alerting-system incidents.
type AlertSource interface {
	RecentIncidents(ctx context.Context, window time.Duration) ([]repo.AlertIncident, error)
}

// Publisher receives lifecycle events for delivery to registered webhook
// subscribers. Implementations must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, event models.LifecycleEvent)
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.LifecycleEvent) {}

// Engine implements the incident enrichment operations: lifecycle
// transitions, signal collection, model-backed generation, and semantic
// retrieval. All model access goes through the inference client, which may be
// a nil *inference.Client when no provider is configured; its methods then
// report the disabled state and the engine degrades to metadata-only jobs.
type Engine struct {
	store     *store.Store
	inference InferenceClient
	github    MergeSource
	pagerduty AlertSource
	publisher Publisher
	window    time.Duration
	logger    *slog.Logger
}

// New constructs an Engine. A nil publisher defaults to NoopPublisher.
func New(st *store.Store, inf InferenceClient, gh MergeSource, pd AlertSource, pub Publisher, window time.Duration, logger *slog.Logger) *Engine {
	if pub == nil {
		pub = NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Engine{
		store:     st,
		inference: inf,
		github:    gh,
		pagerduty: pd,
		publisher: pub,
		window:    window,
		logger:    logger,
	}
}

// Store exposes the underlying store for read paths that need no engine logic.
func (e *Engine) Store() *store.Store {
	return e.store
}
