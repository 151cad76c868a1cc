// Package executor performs the work of a pipeline run and reports its
// progress through a run.Reporter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/muaviaUsmani/pantry/internal/run"
)

// ErrBusy is returned by Start when every execution slot is taken
var ErrBusy = errors.New("executor at capacity")

// Executor begins the work of a run. Start must return as soon as the work
// is handed off; progress and the terminal transition go through rep.
type Executor interface {
	Start(ctx context.Context, r *run.Run, rep *run.Reporter) error
}

// StepContext is what a step sees of the run it belongs to
type StepContext struct {
	RunID    string
	Source   run.SourceRef
	Name     string
	Index    int // zero-based
	Total    int
	Reporter *run.Reporter
}

// StepFunc performs one pipeline step. A non-empty resultRef replaces the
// run's result reference.
type StepFunc func(ctx context.Context, sc StepContext) (resultRef string, err error)

// Step is a named pipeline step
type Step struct {
	Name string
	Func StepFunc
}

// Registry maps step names to their implementation
type Registry struct {
	steps map[string]StepFunc
}

// NewRegistry creates an empty step registry
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]StepFunc)}
}

// Register adds or replaces the implementation of a step
func (r *Registry) Register(name string, fn StepFunc) {
	r.steps[name] = fn
}

// Get returns the implementation of a step
func (r *Registry) Get(name string) (StepFunc, bool) {
	fn, ok := r.steps[name]
	return fn, ok
}

// Count returns the number of registered steps
func (r *Registry) Count() int {
	return len(r.steps)
}

// Names returns the registered step names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the steps for names in order. Every name must be registered.
func (r *Registry) Resolve(names []string) ([]Step, error) {
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		fn, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("no implementation registered for step %q", name)
		}
		steps = append(steps, Step{Name: name, Func: fn})
	}
	return steps, nil
}
