package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opslens/opslens-engine/internal/utils"
)

// Merge is a pull request merged inside the lookback window. Merges show up
// on incident timelines as deployment events.
type Merge struct {
	ID       string
	Number   int
	Title    string
	Repo     string
	URL      string
	MergedAt time.Time
}

// GitHubClient queries the GitHub search API for recently merged pull requests.
type GitHubClient struct {
	baseURL    string
	token      string
	org        string
	httpClient *http.Client
}

// NewGitHubClient constructs a client for the given org. An empty token or
// org yields a client whose fetches return nothing.
func NewGitHubClient(baseURL, token, org string, timeout time.Duration) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		org:     org,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RecentMerges returns pull requests merged within the window, newest first.
// An unconfigured client returns an empty slice.
func (c *GitHubClient) RecentMerges(ctx context.Context, window time.Duration) ([]Merge, error) {
	if c == nil || c.token == "" || c.org == "" {
		return nil, nil
	}

	since := utils.WindowStart(time.Now().UTC(), window).Format("2006-01-02T15:04:05Z")
	query := fmt.Sprintf("org:%s is:pr is:merged merged:>=%s", c.org, since)

	endpoint := fmt.Sprintf("%s/search/issues?q=%s&sort=updated&order=desc&per_page=20",
		c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github search returned %s", resp.Status)
	}

	var response struct {
		Items []struct {
			ID            int64  `json:"id"`
			Number        int    `json:"number"`
			Title         string `json:"title"`
			HTMLURL       string `json:"html_url"`
			RepositoryURL string `json:"repository_url"`
			PullRequest   struct {
				MergedAt string `json:"merged_at"`
			} `json:"pull_request"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode github response: %w", err)
	}

	merges := make([]Merge, 0, len(response.Items))
	for _, item := range response.Items {
		merges = append(merges, Merge{
			ID:       fmt.Sprintf("%d", item.ID),
			Number:   item.Number,
			Title:    item.Title,
			Repo:     repoFullName(item.RepositoryURL),
			URL:      item.HTMLURL,
			MergedAt: utils.ParseTimeOrNow(item.PullRequest.MergedAt),
		})
	}
	return merges, nil
}

// repoFullName extracts "org/repo" from a GitHub API repository URL.
func repoFullName(repositoryURL string) string {
	parts := strings.Split(strings.TrimRight(repositoryURL, "/"), "/")
	if len(parts) < 2 {
		return repositoryURL
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}
