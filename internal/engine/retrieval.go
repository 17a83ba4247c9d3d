package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/opslens/opslens-engine/internal/inference"
	"github.com/opslens/opslens-engine/internal/utils"
)

// SearchFilter narrows the retrieval candidate set.
type SearchFilter struct {
	// Service restricts runbooks to one service. Evidence is unaffected.
	Service string
	// Kinds restricts results to "runbook" and/or "evidence". Empty means both.
	Kinds []string
}

// SearchResult is a retrieval hit ordered by semantic distance.
type SearchResult struct {
	ID       string
	Kind     string
	Title    string
	Content  string
	Service  string
	Distance float64
}

type candidate struct {
	SearchResult
	updatedAt time.Time
}

// Search embeds the query and ranks runbooks and evidence by cosine distance,
// ascending. Candidates without an embedding, or with a vector of a different
// dimension than the query, never appear in results. Equal distances break
// toward the most recently updated candidate.
func (e *Engine) Search(ctx context.Context, query string, filter SearchFilter, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	vectors, err := e.inference.Embed(ctx, []string{query})
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			return nil, err
		}
		return nil, utils.NewAppError("engine.Search", "embed query failed", err)
	}
	if len(vectors) == 0 {
		return nil, utils.NewAppError("engine.Search", "provider returned no query vector", nil)
	}
	queryVec := vectors[0]

	var candidates []candidate

	if filter.wantsKind("runbook") {
		runbooks, err := e.store.ListRunbooks(ctx, filter.Service)
		if err != nil {
			return nil, err
		}
		for _, rb := range runbooks {
			dist, ok := cosineDistance(queryVec, rb.Embedding)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{
				SearchResult: SearchResult{
					ID: rb.ID, Kind: "runbook", Title: rb.Title,
					Content: rb.Content, Service: rb.Service, Distance: dist,
				},
				updatedAt: rb.UpdatedAt,
			})
		}
	}

	if filter.wantsKind("evidence") {
		evidence, err := e.store.ListEmbeddedEvidence(ctx, 500)
		if err != nil {
			return nil, err
		}
		for _, ev := range evidence {
			dist, ok := cosineDistance(queryVec, ev.Embedding)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{
				SearchResult: SearchResult{
					ID: ev.ID, Kind: "evidence", Title: ev.Title,
					Content: ev.Content, Distance: dist,
				},
				updatedAt: ev.CreatedAt,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].updatedAt.After(candidates[j].updatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.SearchResult
	}
	return results, nil
}

func (f SearchFilter) wantsKind(kind string) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// cosineDistance returns 1 - cosine similarity. The second return is false
// when either vector is empty, dimensions differ, or a norm is zero.
func cosineDistance(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), true
}
