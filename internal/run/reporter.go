package run

import (
	"context"
	"sync"

	"github.com/muaviaUsmani/pantry/internal/logger"
)

type eventKind int

const (
	eventProgress eventKind = iota
	eventLog
	eventSucceed
	eventFail
)

type event struct {
	kind      eventKind
	progress  int
	stage     string
	entry     LogEntry
	resultRef string
	message   string
}

const reporterBuffer = 64

// Reporter is the executor's handle on a run. Events are queued and applied
// to the tracker in order by a single goroutine, so a run has exactly one
// writer no matter which goroutine the executor reports from.
type Reporter struct {
	tracker *Tracker
	runID   string
	ctx     context.Context
	events  chan event
	done    chan struct{}

	mu       sync.Mutex
	finished bool

	errMu sync.Mutex
	err   error
}

// Attach starts the updater for r and returns its Reporter. The updater
// outlives ctx cancellation; it stops after the terminal event is applied.
func (t *Tracker) Attach(ctx context.Context, r *Run) *Reporter {
	rp := &Reporter{
		tracker: t,
		runID:   r.ID,
		ctx:     logger.WithRunID(context.WithoutCancel(ctx), r.ID),
		events:  make(chan event, reporterBuffer),
		done:    make(chan struct{}),
	}

	go rp.apply()

	return rp
}

// RunID returns the id of the run being reported
func (rp *Reporter) RunID() string {
	return rp.runID
}

// Progress queues a progress/stage update. An empty stage keeps the current one.
func (rp *Reporter) Progress(progress int, stage string) error {
	return rp.send(event{kind: eventProgress, progress: progress, stage: stage})
}

// Log queues a plain log line stamped now
func (rp *Reporter) Log(message string) error {
	return rp.send(event{kind: eventLog, entry: LogEntry{Timestamp: rp.tracker.now(), Message: message}})
}

// LogStep queues a log line tagged with the step number and step count
func (rp *Reporter) LogStep(step, total int, message string) error {
	return rp.send(event{kind: eventLog, entry: LogEntry{
		Timestamp: rp.tracker.now(),
		Step:      &step,
		Total:     &total,
		Message:   message,
	}})
}

// Succeed queues the SUCCESS transition. No event is accepted afterwards.
func (rp *Reporter) Succeed(resultRef string) error {
	return rp.send(event{kind: eventSucceed, resultRef: resultRef})
}

// Fail queues the FAILED transition. No event is accepted afterwards.
func (rp *Reporter) Fail(stage, message string) error {
	return rp.send(event{kind: eventFail, stage: stage, message: message})
}

// Done is closed once the terminal event has been applied
func (rp *Reporter) Done() <-chan struct{} {
	return rp.done
}

// Err returns the first error hit while applying events
func (rp *Reporter) Err() error {
	rp.errMu.Lock()
	defer rp.errMu.Unlock()
	return rp.err
}

func (rp *Reporter) send(ev event) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.finished {
		return ErrRunFinished
	}

	rp.events <- ev

	if ev.kind == eventSucceed || ev.kind == eventFail {
		rp.finished = true
		close(rp.events)
	}
	return nil
}

func (rp *Reporter) apply() {
	defer close(rp.done)

	for ev := range rp.events {
		var err error
		switch ev.kind {
		case eventProgress:
			_, err = rp.tracker.Progress(rp.ctx, rp.runID, ev.progress, ev.stage)
		case eventLog:
			err = rp.tracker.AppendLog(rp.ctx, rp.runID, ev.entry)
		case eventSucceed:
			_, err = rp.tracker.Succeed(rp.ctx, rp.runID, ev.resultRef)
		case eventFail:
			_, err = rp.tracker.Fail(rp.ctx, rp.runID, ev.stage, ev.message)
		}

		if err != nil {
			rp.tracker.log.ErrorContext(rp.ctx, "Failed to apply run event", "event", ev.kind, "error", err)
			rp.errMu.Lock()
			if rp.err == nil {
				rp.err = err
			}
			rp.errMu.Unlock()
		}
	}
}
