// Package watcher observes a markdown corpus for changes and emits
// coalesced change batches suitable for triggering incremental
// reindex runs.
package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Op is the kind of change observed for a path.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

// String returns a human-readable operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one observed change, with Path relative to the watched root.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Debouncer coalesces rapid events per path so that an editor's
// save-rename-chmod burst produces one reindex, not five. Within the
// window, events for the same path merge:
//   - create then modify stays create
//   - create then delete cancels out
//   - modify then delete becomes delete
//   - delete then create becomes modify
// maxWaitFactor bounds how long a steady event stream can keep
// deferring a flush: a batch is emitted at most maxWaitFactor*window
// after its first event, even while events keep arriving.
const maxWaitFactor = 4

type Debouncer struct {
	window   time.Duration
	mu       sync.Mutex
	pending  map[string]*pendingEvent
	deadline time.Time
	output   chan []Event
	timer    *time.Timer
	stopped  bool
	log      *slog.Logger
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

// NewDebouncer creates a debouncer emitting batches after window.
func NewDebouncer(window time.Duration, log *slog.Logger) *Debouncer {
	if log == nil {
		log = slog.Default()
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []Event, 8),
		log:     log,
	}
}

// Add records an event, merging it with any pending event for the
// same path.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	wasEmpty := len(d.pending) == 0

	if existing, ok := d.pending[event.Path]; ok {
		merged, keep := coalesce(existing.firstOp, existing.event, event)
		if !keep {
			delete(d.pending, event.Path)
		} else {
			existing.event = merged
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Op}
	}

	if wasEmpty && len(d.pending) > 0 {
		d.deadline = time.Now().Add(maxWaitFactor * d.window)
	}

	delay := d.window
	if remaining := time.Until(d.deadline); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, d.flush)
}

// coalesce merges a new event into the pending one. keep is false when
// the pair cancels out entirely.
func coalesce(firstOp Op, existing, incoming Event) (merged Event, keep bool) {
	switch firstOp {
	case OpCreate:
		switch incoming.Op {
		case OpModify:
			return existing, true
		case OpDelete:
			return Event{}, false
		}
	case OpDelete:
		if incoming.Op == OpCreate {
			incoming.Op = OpModify
			return incoming, true
		}
	}
	return incoming, true
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- batch:
	default:
		d.log.Warn("change batch dropped, consumer too slow",
			slog.Int("batch_size", len(batch)))
	}
}

// Output returns the channel of coalesced batches.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

// Stop halts the debouncer and closes the output channel. Safe to call
// more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
