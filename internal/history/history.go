// Package history pages through, inspects and deletes recorded pipeline runs.
// It never touches schedules or the job registry.
package history

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/run"
)

const (
	// DefaultLimit is used when a page size is missing or not positive
	DefaultLimit = 20
	// MaxLimit caps the page size
	MaxLimit = 100
)

// Query is a raw history request, usually straight from a query string.
// Empty Status and TriggeredBy match everything.
type Query struct {
	Status      string
	TriggeredBy string
	Page        int
	Limit       int
}

// Page is one page of runs, newest first
type Page struct {
	Runs       []*run.Run `json:"logs"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	Total      int        `json:"total"`
	TotalPages int        `json:"totalPages"`
	HasMore    bool       `json:"hasMore"`
}

// Service answers history queries over a run store
type Service struct {
	runs run.Store
	log  logger.Logger
}

// NewService creates a history service
func NewService(runs run.Store) *Service {
	return &Service{
		runs: runs,
		log:  logger.Default().WithComponent(logger.ComponentHistory),
	}
}

// ParseFilter validates the filter values of q. Matching is exact, so
// "running" is rejected where "RUNNING" is accepted.
func ParseFilter(q Query) (run.Filter, error) {
	var f run.Filter
	if q.Status != "" {
		s, err := run.ParseStatus(q.Status)
		if err != nil {
			return f, err
		}
		f.Status = s
	}
	if q.TriggeredBy != "" {
		t, err := run.ParseTrigger(q.TriggeredBy)
		if err != nil {
			return f, err
		}
		f.TriggeredBy = t
	}
	return f, nil
}

// Normalize clamps page and limit: page below 1 becomes 1, a missing limit
// becomes DefaultLimit and anything above MaxLimit becomes MaxLimit. Page is
// also capped at MaxPage(limit) so the page offset always fits in an int.
func Normalize(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if max := MaxPage(limit); page > max {
		page = max
	}
	return page, limit
}

// MaxPage is the largest page Normalize lets through for limit. Its offset
// plus limit still fits in an int, and it is far past the end of any real
// history.
func MaxPage(limit int) int {
	return math.MaxInt / limit
}

// List returns the requested page. A page past the end is empty but still
// reports the total.
func (s *Service) List(ctx context.Context, q Query) (*Page, error) {
	filter, err := ParseFilter(q)
	if err != nil {
		return nil, err
	}
	page, limit := Normalize(q.Page, q.Limit)

	runs, total, err := s.runs.List(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []*run.Run{}
	}

	totalPages := (total + limit - 1) / limit
	return &Page{
		Runs:       runs,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}, nil
}

// Get returns one run with its logs, or run.ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.runs.Get(ctx, id)
}

// DeleteMany deletes the given runs and returns how many existed. Blank and
// repeated ids are ignored, and so are ids that match nothing.
func (s *Service) DeleteMany(ctx context.Context, ids []string) (int, error) {
	clean := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return 0, nil
	}

	n, err := s.runs.DeleteMany(ctx, clean)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	s.log.InfoContext(ctx, "Runs deleted", "requested", len(clean), "deleted", n)
	return n, nil
}

// DeleteOne deletes a single run. Deleting a missing run returns 0.
func (s *Service) DeleteOne(ctx context.Context, id string) (int, error) {
	return s.DeleteMany(ctx, []string{id})
}
