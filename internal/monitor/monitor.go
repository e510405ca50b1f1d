// Package monitor watches the process table for a named process and reports
// when it starts and stops.
package monitor

import (
	"context"
	"sync"
	"time"

	"savesync/internal/logging"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = 5 * time.Second

// Transition is the change observed by one poll.
type Transition int

const (
	NoChange Transition = iota
	StartedRunning
	StoppedRunning
)

func (t Transition) String() string {
	switch t {
	case StartedRunning:
		return "started"
	case StoppedRunning:
		return "stopped"
	default:
		return "no_change"
	}
}

// State is the last observation of the watched process.
type State struct {
	Running      bool
	LastObserved time.Time
}

// Event is published for every transition other than NoChange.
type Event struct {
	Transition Transition
	Process    string
	At         time.Time
}

// Monitor polls for a single process name. Poll is the only writer of its
// state; it is safe to call State concurrently.
type Monitor struct {
	name     string
	lister   ProcessLister
	interval time.Duration
	now      func() time.Time
	events   chan Event

	mu       sync.Mutex
	state    State
	baseline bool
}

// New creates a monitor for processName.
func New(processName string, lister ProcessLister, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if lister == nil {
		lister = SystemProcesses()
	}
	return &Monitor{
		name:     processName,
		lister:   lister,
		interval: interval,
		now:      time.Now,
		events:   make(chan Event, 8),
	}
}

// Events returns the channel Serve publishes transitions on.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// State returns the last observation.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Poll checks the process table once. Enumeration errors leave the state
// untouched and report NoChange. The first successful poll sets the baseline
// and reports StartedRunning only if the process is already running.
func (m *Monitor) Poll(ctx context.Context) Transition {
	names, err := m.lister.ProcessNames(ctx)
	if err != nil {
		logging.Monitor.Warn().Err(err).Msg("failed to list processes")
		return NoChange
	}

	running := false
	for _, n := range names {
		if matchName(n, m.name) {
			running = true
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.state.Running
	first := !m.baseline
	m.baseline = true
	m.state = State{Running: running, LastObserved: m.now()}

	switch {
	case running && (first || !was):
		return StartedRunning
	case !running && was:
		return StoppedRunning
	default:
		return NoChange
	}
}

// Run polls every interval until ctx is done, sending transitions on events.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logging.Monitor.Info().Str("process", m.name).Dur("interval", m.interval).Msg("monitoring started")
	for {
		if t := m.Poll(ctx); t != NoChange {
			logging.Monitor.Info().Str("process", m.name).Stringer("transition", t).Msg("process state changed")
			select {
			case events <- Event{Transition: t, Process: m.name, At: m.now()}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve implements suture.Service, publishing on Events.
func (m *Monitor) Serve(ctx context.Context) error {
	return m.Run(ctx, m.events)
}

func (m *Monitor) String() string {
	return "process-monitor"
}
