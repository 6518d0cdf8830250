// Package contentclient is the HTTP client for the content service, the
// upstream that owns problems and contests.
package contentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"
)

const (
	defaultTimeout = 5 * time.Second

	// Limits applied when the problem payload omits them.
	defaultTimeLimit      = 10 * time.Second
	defaultMemoryLimitMiB = 128
)

// Config holds the content service connection settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client talks to the content service REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient validates the config and builds a client with a bounded
// request timeout.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("content service base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "content service base URL is invalid")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type testCasePayload struct {
	InputData  string `json:"input_data"`
	OutputData string `json:"output_data"`
}

type problemPayload struct {
	TestCases   []testCasePayload `json:"test_cases"`
	TimeLimit   *float64          `json:"time_limit"`
	MemoryLimit *int64            `json:"memory_limit"`
}

// FetchProblem loads the test cases and limits for one problem. Any
// failure, including a 404 and network errors, yields an error the caller
// treats as "problem missing".
func (c *Client) FetchProblem(ctx context.Context, problemID string) (*model.Problem, error) {
	var payload problemPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/problems/%s", url.PathEscape(problemID)), &payload); err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemFetchFailed, "fetch problem %s failed", problemID)
	}

	problem := &model.Problem{
		TestCases:      make([]model.TestCase, 0, len(payload.TestCases)),
		TimeLimit:      defaultTimeLimit,
		MemoryLimitMiB: defaultMemoryLimitMiB,
	}
	for _, tc := range payload.TestCases {
		problem.TestCases = append(problem.TestCases, model.TestCase{
			Input:          tc.InputData,
			ExpectedOutput: tc.OutputData,
		})
	}
	if payload.TimeLimit != nil && *payload.TimeLimit > 0 {
		problem.TimeLimit = time.Duration(*payload.TimeLimit * float64(time.Second))
	}
	if payload.MemoryLimit != nil && *payload.MemoryLimit > 0 {
		problem.MemoryLimitMiB = *payload.MemoryLimit
	}
	return problem, nil
}

// NotifySolved tells the content service a user solved a problem. A failed
// notification never fails the judging flow; the caller only logs it.
func (c *Client) NotifySolved(ctx context.Context, problemID, userID string) error {
	endpoint := fmt.Sprintf("%s/problems/solved/%s?user_id=%s",
		c.baseURL, url.PathEscape(problemID), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return appErr.Wrapf(err, appErr.UpstreamUnavailable, "build solved notification failed")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.UpstreamUnavailable, "send solved notification failed")
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return appErr.Newf(appErr.UpstreamUnavailable, "solved notification returned status %d", resp.StatusCode)
	}
	return nil
}

type contestTaskPayload struct {
	ID string `json:"id"`
}

type contestParticipantPayload struct {
	KeycloakID string `json:"keycloak_id"`
}

// ContestTasks returns the problem ids attached to a contest.
func (c *Client) ContestTasks(ctx context.Context, contestID string) ([]string, error) {
	var payload []contestTaskPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/contests/%s/tasks", url.PathEscape(contestID)), &payload); err != nil {
		return nil, appErr.Wrapf(err, appErr.ContestRosterError, "fetch contest %s tasks failed", contestID)
	}
	ids := make([]string, 0, len(payload))
	for _, task := range payload {
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// ContestParticipants returns the keycloak ids registered for a contest.
func (c *Client) ContestParticipants(ctx context.Context, contestID string) ([]string, error) {
	var payload []contestParticipantPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/contests/%s/participants", url.PathEscape(contestID)), &payload); err != nil {
		return nil, appErr.Wrapf(err, appErr.ContestRosterError, "fetch contest %s participants failed", contestID)
	}
	ids := make([]string, 0, len(payload))
	for _, participant := range payload {
		ids = append(ids, participant.KeycloakID)
	}
	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}

// drainAndClose keeps the underlying connection reusable.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
