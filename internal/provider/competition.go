package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CompetitionClient reads event, team, and match data from the competition
// data provider. Every call carries a hard timeout; exceeding it fails that
// call only.
type CompetitionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewCompetitionClient(baseURL, apiKey string, timeout time.Duration) *CompetitionClient {
	return &CompetitionClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Event is the provider's event record, trimmed to what the sync persists.
type Event struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Year int    `json:"year"`
}

type Team struct {
	Key        string `json:"key"`
	TeamNumber int    `json:"team_number"`
	Nickname   string `json:"nickname"`
}

type Match struct {
	Key         string `json:"key"`
	CompLevel   string `json:"comp_level"`
	MatchNumber int    `json:"match_number"`
}

type Ranking struct {
	Rank       int
	TeamNumber int
}

func (c *CompetitionClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-TBA-Auth-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, URL: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func (c *CompetitionClient) FetchEvent(ctx context.Context, eventKey string) (Event, error) {
	var ev Event
	err := c.get(ctx, "/event/"+eventKey, &ev)
	return ev, err
}

func (c *CompetitionClient) FetchEventTeams(ctx context.Context, eventKey string) ([]Team, error) {
	var teams []Team
	err := c.get(ctx, "/event/"+eventKey+"/teams", &teams)
	return teams, err
}

func (c *CompetitionClient) FetchEventMatches(ctx context.Context, eventKey string) ([]Match, error) {
	var matches []Match
	err := c.get(ctx, "/event/"+eventKey+"/matches", &matches)
	return matches, err
}

func (c *CompetitionClient) FetchEventRankings(ctx context.Context, eventKey string) ([]Ranking, error) {
	var payload struct {
		Rankings []struct {
			Rank    int    `json:"rank"`
			TeamKey string `json:"team_key"`
		} `json:"rankings"`
	}
	if err := c.get(ctx, "/event/"+eventKey+"/rankings", &payload); err != nil {
		return nil, err
	}
	rankings := make([]Ranking, 0, len(payload.Rankings))
	for _, r := range payload.Rankings {
		n, err := parseTeamNumber(r.TeamKey)
		if err != nil {
			continue
		}
		rankings = append(rankings, Ranking{Rank: r.Rank, TeamNumber: n})
	}
	return rankings, nil
}

func parseTeamNumber(teamKey string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(teamKey, "frc"))
}
