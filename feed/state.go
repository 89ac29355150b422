package feed

import "fmt"

// State is the lifecycle state of a feedhandler. Handlers always start in
// StateInitializing and only move forward; StateStopped is terminal and
// reachable from every state.
type State int

const (
	StateInitializing State = iota
	StateStarting
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateStarting:
		return "STARTING"
	case StateLive:
		return "LIVE"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// stateWatchBuffer is sized for the longest legal transition chain; watcher
// channels therefore never fill up.
const stateWatchBuffer = 8

// StateSignal is an observable lifecycle value. Watchers receive the current
// state on subscription and every later transition in order.
type StateSignal struct {
	ch chan stateOp

	value    State
	watchers []chan State
}

type stateOp struct {
	set   *State
	watch chan chan State
	get   chan State
	err   chan error
}

// NewStateSignal returns a signal holding StateInitializing.
func NewStateSignal() *StateSignal {
	s := &StateSignal{
		ch:    make(chan stateOp),
		value: StateInitializing,
	}
	go s.loop()
	return s
}

func (s *StateSignal) loop() {
	for op := range s.ch {
		switch {
		case op.get != nil:
			op.get <- s.value
		case op.watch != nil:
			w := make(chan State, stateWatchBuffer)
			w <- s.value
			s.watchers = append(s.watchers, w)
			op.watch <- w
		case op.set != nil:
			op.err <- s.transition(*op.set)
		}
	}
}

func (s *StateSignal) transition(next State) error {
	if next == s.value {
		return nil
	}
	legal := next == StateStopped ||
		(s.value == StateInitializing && next == StateStarting) ||
		(s.value == StateStarting && next == StateLive)
	if s.value == StateStopped {
		legal = false
	}
	if !legal {
		return fmt.Errorf("illegal state transition %s -> %s", s.value, next)
	}
	s.value = next
	for _, w := range s.watchers {
		select {
		case w <- next:
		default:
			// watcher buffer can only fill if a consumer never drains;
			// transitions are bounded so this is unreachable in practice
		}
	}
	return nil
}

// Value returns the current state.
func (s *StateSignal) Value() State {
	get := make(chan State)
	s.ch <- stateOp{get: get}
	return <-get
}

// Watch subscribes to state transitions. The returned channel immediately
// yields the current state.
func (s *StateSignal) Watch() <-chan State {
	watch := make(chan chan State)
	s.ch <- stateOp{watch: watch}
	return <-watch
}

// Set transitions the signal to next, rejecting any backward transition and
// any transition out of StateStopped.
func (s *StateSignal) Set(next State) error {
	err := make(chan error)
	s.ch <- stateOp{set: &next, err: err}
	return <-err
}
