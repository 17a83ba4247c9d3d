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

// AlertIncident is a PagerDuty incident created inside the lookback window.
type AlertIncident struct {
	ID          string
	Title       string
	Description string
	Urgency     string
	Status      string
	Service     string
	URL         string
	CreatedAt   time.Time
}

// PagerDutyClient queries the PagerDuty REST API for recent incidents.
type PagerDutyClient struct {
	baseURL    string
	token      string
	email      string
	httpClient *http.Client
}

// NewPagerDutyClient constructs a client. An empty token yields a client
// whose fetches return nothing.
func NewPagerDutyClient(baseURL, token, email string, timeout time.Duration) *PagerDutyClient {
	if baseURL == "" {
		baseURL = "https://api.pagerduty.com"
	}
	return &PagerDutyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		email:   email,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RecentIncidents returns incidents opened within the window. An unconfigured
// client returns an empty slice.
func (c *PagerDutyClient) RecentIncidents(ctx context.Context, window time.Duration) ([]AlertIncident, error) {
	if c == nil || c.token == "" {
		return nil, nil
	}

	since := utils.WindowStart(time.Now().UTC(), window).Format(time.RFC3339)
	endpoint := fmt.Sprintf("%s/incidents?since=%s&limit=25&sort_by=created_at:desc",
		c.baseURL, url.QueryEscape(since))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token token="+c.token)
	if c.email != "" {
		req.Header.Set("From", c.email)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pagerduty incidents request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pagerduty incidents returned %s", resp.Status)
	}

	var response struct {
		Incidents []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Urgency     string `json:"urgency"`
			Status      string `json:"status"`
			HTMLURL     string `json:"html_url"`
			CreatedAt   string `json:"created_at"`
			Service     struct {
				Summary string `json:"summary"`
			} `json:"service"`
		} `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode pagerduty response: %w", err)
	}

	incidents := make([]AlertIncident, 0, len(response.Incidents))
	for _, item := range response.Incidents {
		incidents = append(incidents, AlertIncident{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Description,
			Urgency:     item.Urgency,
			Status:      item.Status,
			Service:     item.Service.Summary,
			URL:         item.HTMLURL,
			CreatedAt:   utils.ParseTimeOrNow(item.CreatedAt),
		})
	}
	return incidents, nil
}
