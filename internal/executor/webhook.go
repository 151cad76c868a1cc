package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/muaviaUsmani/pantry/internal/config"
	"github.com/muaviaUsmani/pantry/internal/run"
)

// maxErrorBody caps how much of a failed response ends up in the run error
const maxErrorBody = 512

type stepRequest struct {
	RunID  string        `json:"runId"`
	Step   string        `json:"step"`
	Source run.SourceRef `json:"source"`
}

type stepResponse struct {
	ResultRef string `json:"resultRef"`
	Message   string `json:"message"`
}

// WebhookClient dispatches steps to the content-generation service
type WebhookClient struct {
	baseURL string
	http    *http.Client
}

// NewWebhookClient creates a client posting to <baseURL>/<step>. timeout
// bounds one step's request.
func NewWebhookClient(baseURL string, timeout time.Duration) *WebhookClient {
	return &WebhookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Step returns a StepFunc that POSTs the step to the service. A 2xx response
// may carry {resultRef, message}; message is added to the run's log.
func (c *WebhookClient) Step(name string) StepFunc {
	return func(ctx context.Context, sc StepContext) (string, error) {
		body, err := json.Marshal(stepRequest{RunID: sc.RunID, Step: name, Source: sc.Source})
		if err != nil {
			return "", fmt.Errorf("failed to encode step request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to build step request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("step %s request failed: %w", name, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("step %s: failed to read response: %w", name, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet := strings.TrimSpace(string(raw))
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			if snippet == "" {
				return "", fmt.Errorf("step %s returned status %d", name, resp.StatusCode)
			}
			return "", fmt.Errorf("step %s returned status %d: %s", name, resp.StatusCode, snippet)
		}

		var out stepResponse
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return "", fmt.Errorf("step %s: invalid response body: %w", name, err)
			}
		}

		if out.Message != "" && sc.Reporter != nil {
			_ = sc.Reporter.LogStep(sc.Index+1, sc.Total, out.Message)
		}
		return out.ResultRef, nil
	}
}

// FromConfig builds the pipeline described by cfg. Without a webhook URL each
// step only records that it ran.
func FromConfig(cfg *config.ExecutorConfig) (*Pipeline, error) {
	reg := NewRegistry()

	if cfg.WebhookURL != "" {
		client := NewWebhookClient(cfg.WebhookURL, cfg.RequestTimeout)
		for _, name := range cfg.Steps {
			reg.Register(name, client.Step(name))
		}
	} else {
		for _, name := range cfg.Steps {
			reg.Register(name, recordOnly)
		}
	}

	steps, err := reg.Resolve(cfg.Steps)
	if err != nil {
		return nil, err
	}
	return NewPipeline(steps, cfg.Concurrency)
}

func recordOnly(ctx context.Context, sc StepContext) (string, error) {
	if sc.Reporter != nil {
		_ = sc.Reporter.Log(sc.Name + " skipped: no webhook configured")
	}
	return "", nil
}
