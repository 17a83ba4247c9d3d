package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opslens/opslens-engine/internal/metrics"
	"github.com/opslens/opslens-engine/internal/models"
	"github.com/opslens/opslens-engine/internal/store"
)

// Dispatcher delivers lifecycle events to registered webhook endpoints. It
// implements the engine's Publisher. Delivery is best effort per endpoint:
// one subscriber's failure never blocks another's delivery or the caller.
type Dispatcher struct {
	store   *store.Store
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher with the given delivery timeout.
func NewDispatcher(st *store.Store, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   st,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
	}
}

// Publish fans the event out to matching endpoints in the background and
// returns immediately.
func (d *Dispatcher) Publish(ctx context.Context, event models.LifecycleEvent) {
	endpoints, err := d.store.ListEndpointsForEvent(ctx, event.Event)
	if err != nil {
		d.logger.Error("endpoint lookup failed", "event", event.Event, "error", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	payload, err := marshalEventPayload(event)
	if err != nil {
		d.logger.Error("event payload marshal failed", "event", event.Event, "error", err)
		return
	}

	for _, ep := range endpoints {
		d.wg.Add(1)
		go func(ep *models.WebhookEndpoint) {
			defer d.wg.Done()
			d.deliver(ep, event.Event, payload)
		}(ep)
	}
}

// Wait blocks until in-flight deliveries finish. Called during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// marshalEventPayload builds the canonical JSON body. encoding/json emits
// map keys in sorted order, so the same event always signs identically.
func marshalEventPayload(event models.LifecycleEvent) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     event.Event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      event.Data,
	})
}

func (d *Dispatcher) deliver(ep *models.WebhookEndpoint, event string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("delivery request build failed", "endpoint_id", ep.ID, "error", err)
		metrics.ObserveDelivery(metrics.OutcomeError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(ep.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "endpoint_id", ep.ID, "url", ep.URL, "error", err)
		metrics.ObserveDelivery(metrics.OutcomeError)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("webhook delivery rejected", "endpoint_id", ep.ID, "url", ep.URL,
			"status", resp.Status)
		metrics.ObserveDelivery(metrics.OutcomeError)
		return
	}

	if err := d.store.TouchEndpoint(ctx, ep.ID, time.Now().UTC()); err != nil {
		d.logger.Warn("last_triggered update failed", "endpoint_id", ep.ID, "error", err)
	}
	metrics.ObserveDelivery(metrics.OutcomeSuccess)
	d.logger.Debug("webhook delivered", "endpoint_id", ep.ID, "event", event)
}
