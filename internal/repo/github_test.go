package repo

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestRecentMergesParsesSearchResults(t *testing.T) {
	body := `{
		"items": [
			{
				"id": 101,
				"number": 42,
				"title": "Fix connection pool leak",
				"html_url": "https://github.com/acme/checkout/pull/42",
				"repository_url": "https://api.github.com/repos/acme/checkout",
				"pull_request": {"merged_at": "2026-08-30T12:00:00Z"}
			}
		]
	}`

	client := NewGitHubClient("https://api.github.com", "token", "acme", 5*time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if !strings.Contains(req.URL.Path, "/search/issues") {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		if !strings.Contains(req.URL.RawQuery, "is%3Apr") {
			t.Fatalf("query missing pr filter: %s", req.URL.RawQuery)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		return jsonResponse(http.StatusOK, body), nil
	})

	merges, err := client.RecentMerges(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("RecentMerges returned error: %v", err)
	}
	if len(merges) != 1 {
		t.Fatalf("expected 1 merge, got %d", len(merges))
	}
	m := merges[0]
	if m.Number != 42 || m.Repo != "acme/checkout" {
		t.Fatalf("unexpected merge %+v", m)
	}
	if m.MergedAt.Format(time.RFC3339) != "2026-08-30T12:00:00Z" {
		t.Fatalf("unexpected merged time %s", m.MergedAt)
	}
}

func TestRecentMergesUnconfiguredReturnsEmpty(t *testing.T) {
	client := NewGitHubClient("", "", "", time.Second)
	merges, err := client.RecentMerges(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merges) != 0 {
		t.Fatalf("expected no merges, got %d", len(merges))
	}
}

func TestRecentMergesServerError(t *testing.T) {
	client := NewGitHubClient("https://api.github.com", "token", "acme", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadGateway, `{}`), nil
	})

	if _, err := client.RecentMerges(context.Background(), time.Hour); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestRecentMergesBadTimestampFallsBack(t *testing.T) {
	body := `{"items":[{"id":1,"number":1,"title":"t","html_url":"u","repository_url":"https://api.github.com/repos/acme/x","pull_request":{"merged_at":"garbage"}}]}`
	client := NewGitHubClient("https://api.github.com", "token", "acme", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, body), nil
	})

	merges, err := client.RecentMerges(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merges) != 1 {
		t.Fatalf("expected 1 merge, got %d", len(merges))
	}
	if merges[0].MergedAt.IsZero() {
		t.Fatal("expected fallback timestamp, got zero time")
	}
}
