package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State is where a phrase is in its lifecycle.
type State int

const (
	// StateOpen - phrase is being spoken, live updates allowed.
	StateOpen State = iota
	// StateFinalEmitted - final request issued, waiting for the result.
	StateFinalEmitted
	// StateClosed - final result delivered.
	StateClosed
	// StateDropped - abandoned without a final result (capture stopped, worker error, no answer).
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalEmitted:
		return "FINAL_EMITTED"
	case StateClosed:
		return "CLOSED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal reports CLOSED or DROPPED.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateDropped
}

var (
	ErrPhraseClosed        = errors.New("phrase is closed")
	ErrFinalAlreadyEmitted = errors.New("final already emitted for this phrase")
	ErrLiveAfterFinal      = errors.New("cannot send live update after final")
)

// Lifecycle guards one phrase:
//
//	OPEN ──EmitLive()*──> OPEN ──EmitFinal()──> FINAL_EMITTED ──Close()──> CLOSED
//	  └──────────────── Drop() ─────────────────────┴──> DROPPED
//
// Safe for concurrent use.
type Lifecycle struct {
	mu      sync.RWMutex
	id      string
	start   float64
	state   State
	updates int
}

// NewLifecycle opens a phrase that started at start seconds.
func NewLifecycle(id string, start float64) *Lifecycle {
	return &Lifecycle{id: id, start: start, state: StateOpen}
}

func (l *Lifecycle) ID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// Start returns the phrase start in session seconds.
func (l *Lifecycle) Start() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Updates returns how many live updates were sent for the phrase.
func (l *Lifecycle) Updates() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updates
}

func (l *Lifecycle) IsOpen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateOpen
}

func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// EmitLive records a live update.
func (l *Lifecycle) EmitLive() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.updates++
		return nil
	case StateFinalEmitted:
		return ErrLiveAfterFinal
	default:
		return ErrPhraseClosed
	}
}

// EmitFinal moves OPEN to FINAL_EMITTED. Only allowed once.
func (l *Lifecycle) EmitFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.state = StateFinalEmitted
		return nil
	case StateFinalEmitted:
		return ErrFinalAlreadyEmitted
	default:
		return ErrPhraseClosed
	}
}

// Close marks the phrase delivered. Idempotent; a dropped phrase stays dropped.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDropped {
		l.state = StateClosed
	}
}

// Drop abandons the phrase. Returns false when already terminal.
func (l *Lifecycle) Drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateDropped
	return true
}

// Reset reopens the lifecycle for the next phrase.
func (l *Lifecycle) Reset(id string, start float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
	l.start = start
	l.state = StateOpen
	l.updates = 0
}
