package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatsClient reads derived per-team performance metrics (EPA) from the
// statistics provider.
type StatsClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewStatsClient(baseURL string, timeout time.Duration) *StatsClient {
	return &StatsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchTeamEPA returns the team's normalized EPA for a season.
func (c *StatsClient) FetchTeamEPA(ctx context.Context, teamNumber, year int) (float64, error) {
	path := fmt.Sprintf("/team_year/%d/%d", teamNumber, year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call stats provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode, URL: path}
	}

	var payload struct {
		EPA struct {
			Norm float64 `json:"norm"`
		} `json:"epa"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode stats response: %w", err)
	}
	return payload.EPA.Norm, nil
}
