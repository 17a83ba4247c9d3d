package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opslens/opslens-engine/internal/metrics"
	"github.com/opslens/opslens-engine/internal/models"
)

// maxBodyBytes bounds inbound payload size.
const maxBodyBytes = 1 << 20

type parserFunc func(body []byte) ([]models.Signal, error)

var parsers = map[string]parserFunc{
	"github":    ParseGitHub,
	"pagerduty": ParsePagerDuty,
	"generic":   ParseGeneric,
}

// Server exposes the inbound webhook HTTP surface.
type Server struct {
	processor *Processor
	secrets   map[string]string
	logger    *slog.Logger
}

// NewServer constructs the webhook server. secrets maps source names to their
// shared HMAC secret; sources without an entry accept unsigned payloads.
func NewServer(processor *Processor, secrets map[string]string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{processor: processor, secrets: secrets, logger: logger}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "webhook endpoint reachable"})
		})
		r.Post("/{source}", s.handleInbound)
	})
	return r
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	parse, ok := parsers[source]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown webhook source"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveInbound(source, "error")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body failed"})
		return
	}

	if err := VerifySignature(s.secrets[source], body, r.Header.Get("X-Webhook-Signature")); err != nil {
		s.logger.Warn("inbound signature rejected", "source", source)
		metrics.ObserveInbound(source, "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature invalid"})
		return
	}

	signals, err := parse(body)
	if err != nil {
		s.logger.Warn("inbound payload unparseable", "source", source, "error", err)
		metrics.ObserveInbound(source, "error")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if len(signals) == 0 {
		metrics.ObserveInbound(source, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	results := make([]string, 0, len(signals))
	for _, sig := range signals {
		result, err := s.processor.Apply(r.Context(), sig)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("inbound signal apply failed", "source", source, "kind", sig.Kind, "error", err)
			metrics.ObserveInbound(source, "error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
			return
		}
		metrics.ObserveInbound(source, result)
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "processed", "results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
