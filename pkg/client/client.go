// Package client is a Go client for the pantry management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/pantry/internal/history"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
)

// Schedule is a schedule as served by the API
type Schedule struct {
	schedule.Schedule
	Description string `json:"description"`
	Armed       bool   `json:"armed"`
}

// CreateScheduleRequest creates a schedule from either CronExpression or
// IntervalMinutes. A nil Enabled means enabled.
type CreateScheduleRequest struct {
	Name            string `json:"name,omitempty"`
	CronExpression  string `json:"cronExpression,omitempty"`
	IntervalMinutes *int   `json:"intervalMinutes,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
}

// UpdateScheduleRequest is a partial update; nil fields are left unchanged
type UpdateScheduleRequest struct {
	ID              string  `json:"id"`
	Name            *string `json:"name,omitempty"`
	Enabled         *bool   `json:"enabled,omitempty"`
	CronExpression  *string `json:"cronExpression,omitempty"`
	IntervalMinutes *int    `json:"intervalMinutes,omitempty"`
}

// RunRequest starts a manual run for SourceID, or for the next pending
// source when AutoSelect is set
type RunRequest struct {
	AutoSelect bool   `json:"autoSelect,omitempty"`
	SourceID   string `json:"sourceId,omitempty"`
	Title      string `json:"title,omitempty"`
}

// ListRunsOptions filters and pages run history. Zero values use the server defaults.
type ListRunsOptions struct {
	Status      string
	TriggeredBy string
	Page        int
	Limit       int
}

// DeleteScheduleResult reports what a schedule delete removed
type DeleteScheduleResult struct {
	Deleted    bool `json:"deleted"`
	PurgedRuns int  `json:"purgedRuns"`
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pantry api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one pantry server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Health returns nil when the server reports ok
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ListSchedules returns every schedule with its next run
func (c *Client) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	if err := c.do(ctx, http.MethodGet, "/schedules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSchedule creates a schedule
func (c *Client) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*Schedule, error) {
	var out Schedule
	if err := c.do(ctx, http.MethodPost, "/schedules", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSchedule applies a partial update
func (c *Client) UpdateSchedule(ctx context.Context, req UpdateScheduleRequest) (*Schedule, error) {
	var out Schedule
	if err := c.do(ctx, http.MethodPut, "/schedules", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetEnabled enables or disables a schedule
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error) {
	return c.UpdateSchedule(ctx, UpdateScheduleRequest{ID: id, Enabled: &enabled})
}

// DeleteSchedule deletes a schedule. With purgeRuns its finished runs go too.
func (c *Client) DeleteSchedule(ctx context.Context, id string, purgeRuns bool) (*DeleteScheduleResult, error) {
	q := url.Values{"id": {id}}
	if purgeRuns {
		q.Set("purgeRuns", "true")
	}
	var out DeleteScheduleResult
	if err := c.do(ctx, http.MethodDelete, "/schedules?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run starts a manual run
func (c *Client) Run(ctx context.Context, req RunRequest) (*run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodPost, "/pipeline/run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns a page of run history, newest first
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (*history.Page, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.TriggeredBy != "" {
		q.Set("triggeredBy", opts.TriggeredBy)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/pipeline/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out history.Page
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns one run with its logs
func (c *Client) GetRun(ctx context.Context, id string) (*run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodGet, "/pipeline/logs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRuns deletes runs and returns how many existed
func (c *Client) DeleteRuns(ctx context.Context, ids []string) (int, error) {
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	body := map[string][]string{"logIds": ids}
	if err := c.do(ctx, http.MethodDelete, "/pipeline/logs/delete", body, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

// DeleteRun deletes one run
func (c *Client) DeleteRun(ctx context.Context, id string) (int, error) {
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	if err := c.do(ctx, http.MethodDelete, "/pipeline/logs/"+url.PathEscape(id), nil, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
