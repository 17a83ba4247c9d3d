// Command mock-inference is a stand-in OpenAI-compatible gateway for local
// development. It answers chat completions with canned analysis text and
// embeddings with deterministic vectors, so the full pipeline can run without
// GPU-backed models.
package main

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"net/http"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func main() {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role": "assistant",
						"content": "Recent deployment changed connection pool settings\n" +
							"The error pattern started immediately after the last merge, pointing at the pool resize.\n" +
							"Confidence: 0.8",
					},
				},
			},
		})
	})

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var texts []string
		if err := json.Unmarshal(req.Input, &texts); err != nil {
			var single string
			if err := json.Unmarshal(req.Input, &single); err != nil {
				http.Error(w, "bad input", http.StatusBadRequest)
				return
			}
			texts = []string{single}
		}

		data := make([]map[string]any, len(texts))
		for i, text := range texts {
			data[i] = map[string]any{
				"index":     i,
				"embedding": deterministicVector(text, 8),
			}
		}
		writeJSON(w, map[string]any{"data": data})
	})

	addr := ":9090"
	log.Printf("mock-inference listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// deterministicVector hashes the text into a stable pseudo-embedding so
// repeated indexing of the same content stays comparable across runs.
func deterministicVector(text string, dim int) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed>>32))/float64(1<<31) - 1
	}
	return vec
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
