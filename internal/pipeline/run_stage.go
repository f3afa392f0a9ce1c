package pipeline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State describes a Stage's run lifecycle, surfaced by the health endpoint.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "init"
	}
}

// Stage runs an ordered list of Plugins over every event it reads from In,
// forwarding the (possibly transformed) event to Out. A nil return from a
// plugin's Process drops the event for this stage without touching Errors.
type Stage struct {
	Name     string
	In       *eventChannel
	Out      *eventChannel
	Plugins  []Plugin
	Counters Counters
	log      *logrus.Logger
	wg       sync.WaitGroup

	state     atomic.Int32
	lastErrMu sync.Mutex
	lastErr   string
}

// NewStage wires a named stage with its ordered plugin list and bounded
// in/out channels. out may be nil for a terminal stage (Export).
func NewStage(name string, in, out *eventChannel, plugins []Plugin, log *logrus.Logger) *Stage {
	ordered := append([]Plugin(nil), plugins...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stage{Name: name, In: in, Out: out, Plugins: ordered, log: log}
}

// Init calls Init on every plugin, in priority order, before Run starts.
func (s *Stage) Init(ctx context.Context) error {
	for _, p := range s.Plugins {
		if err := p.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run drains In until the stage is cancelled or In is closed and fully
// flushed, running every plugin over each event in order and forwarding
// survivors to Out. It blocks until shutdown completes and must be
// started in its own goroutine.
func (s *Stage) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateStopped))
	for {
		ev, ok := s.In.drain()
		if !ok {
			break
		}
		s.Counters.In.Add(1)
		cur := ev
		for _, p := range s.Plugins {
			if cur == nil {
				break
			}
			next, err := p.Process(ctx, cur)
			if err != nil {
				s.Counters.Errors.Add(1)
				s.recordError(err)
				s.log.WithFields(logrus.Fields{"stage": s.Name, "plugin": p.Name()}).WithError(err).Warn("pipeline: plugin error")
				cur = nil
				break
			}
			cur = next
		}
		if cur == nil {
			s.Counters.Dropped.Add(1)
			continue
		}
		if s.Out != nil {
			if s.Out.send(cur) {
				s.Counters.Out.Add(1)
			} else {
				s.Counters.Dropped.Add(1)
			}
		} else {
			s.Counters.Out.Add(1)
		}
	}
	if s.Out != nil {
		s.Out.close()
	}
}

// Shutdown waits for Run to finish draining, then calls Shutdown on every
// plugin in priority order.
func (s *Stage) Shutdown(ctx context.Context) error {
	s.wg.Wait()
	var firstErr error
	for _, p := range s.Plugins {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a point-in-time snapshot of the stage's counters.
func (s *Stage) Stats() Snapshot {
	return s.Counters.snapshot()
}

// State reports the stage's current run state.
func (s *Stage) State() State {
	return State(s.state.Load())
}

// LastError returns the most recently recorded plugin error's message, or
// "" if none has occurred yet.
func (s *Stage) LastError() string {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Stage) recordError(err error) {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	s.lastErr = err.Error()
}
