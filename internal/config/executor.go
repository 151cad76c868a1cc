package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultPipelineSteps is the step order used when PIPELINE_STEPS is unset
var DefaultPipelineSteps = []string{"fetching", "generating", "publishing"}

// ExecutorConfig holds the pipeline executor configuration
type ExecutorConfig struct {
	// WebhookURL is the base URL of the content-generation service.
	// Each step is POSTed to <WebhookURL>/<step>. Empty means steps are not
	// dispatched anywhere and the service only records runs.
	WebhookURL string

	// Steps is the ordered list of pipeline step names
	Steps []string

	// Concurrency is the maximum number of pipelines executing at once.
	// A start beyond this limit is rejected rather than queued.
	Concurrency int

	// RequestTimeout bounds a single step's HTTP call. It is not a run timeout.
	RequestTimeout time.Duration
}

// LoadExecutorConfig loads executor configuration from environment variables
func LoadExecutorConfig() (*ExecutorConfig, error) {
	cfg := &ExecutorConfig{
		WebhookURL:     strings.TrimRight(getEnv("EXECUTOR_WEBHOOK_URL", ""), "/"),
		Steps:          getEnvAsStringSlice("PIPELINE_STEPS", DefaultPipelineSteps),
		Concurrency:    getEnvAsInt("EXECUTOR_CONCURRENCY", 2),
		RequestTimeout: getEnvAsDuration("EXECUTOR_REQUEST_TIMEOUT", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the executor configuration
func (c *ExecutorConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("EXECUTOR_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("EXECUTOR_REQUEST_TIMEOUT must be positive")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("PIPELINE_STEPS must contain at least one step")
	}

	seen := make(map[string]bool, len(c.Steps))
	for _, step := range c.Steps {
		if strings.ContainsAny(step, "/ ") {
			return fmt.Errorf("invalid pipeline step name %q", step)
		}
		if seen[step] {
			return fmt.Errorf("duplicate pipeline step %q", step)
		}
		seen[step] = true
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("EXECUTOR_WEBHOOK_URL must be an absolute URL, got %q", c.WebhookURL)
		}
	}

	return nil
}
