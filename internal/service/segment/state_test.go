package segment

import (
	"errors"
	"testing"
)

func TestLifecycle_New(t *testing.T) {
	lc := NewLifecycle("sess-seg-1", 4.2)

	if lc.State() != StateOpen || !lc.IsOpen() || lc.IsClosed() {
		t.Errorf("expected open phrase, got %v", lc.State())
	}
	if lc.ID() != "sess-seg-1" || lc.Start() != 4.2 {
		t.Errorf("unexpected identity %s@%v", lc.ID(), lc.Start())
	}
}

func TestLifecycle_LiveUpdatesThenFinal(t *testing.T) {
	lc := NewLifecycle("p", 0)

	for i := 0; i < 3; i++ {
		if err := lc.EmitLive(); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if lc.Updates() != 3 {
		t.Errorf("expected 3 updates, got %d", lc.Updates())
	}
	if err := lc.EmitFinal(); err != nil {
		t.Fatalf("final: %v", err)
	}
	if lc.State() != StateFinalEmitted {
		t.Errorf("expected FINAL_EMITTED, got %v", lc.State())
	}
	lc.Close()
	if lc.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", lc.State())
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*Lifecycle)
		liveErr   error
		finalErr  error
		dropAllow bool
	}{
		{"open", func(*Lifecycle) {}, nil, nil, true},
		{"final emitted", func(l *Lifecycle) { l.EmitFinal() }, ErrLiveAfterFinal, ErrFinalAlreadyEmitted, true},
		{"closed", func(l *Lifecycle) { l.Close() }, ErrPhraseClosed, ErrPhraseClosed, false},
		{"dropped", func(l *Lifecycle) { l.Drop() }, ErrPhraseClosed, ErrPhraseClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle("p", 0)
			tt.setup(lc)
			if err := lc.EmitLive(); !errors.Is(err, tt.liveErr) {
				t.Errorf("EmitLive: expected %v, got %v", tt.liveErr, err)
			}

			lc = NewLifecycle("p", 0)
			tt.setup(lc)
			if err := lc.EmitFinal(); !errors.Is(err, tt.finalErr) {
				t.Errorf("EmitFinal: expected %v, got %v", tt.finalErr, err)
			}

			lc = NewLifecycle("p", 0)
			tt.setup(lc)
			if got := lc.Drop(); got != tt.dropAllow {
				t.Errorf("Drop: expected %v, got %v", tt.dropAllow, got)
			}
		})
	}
}

func TestLifecycle_CloseKeepsDropped(t *testing.T) {
	lc := NewLifecycle("p", 0)
	lc.Drop()
	lc.Close()
	if lc.State() != StateDropped {
		t.Errorf("expected DROPPED to stick, got %v", lc.State())
	}
}

func TestLifecycle_Reset(t *testing.T) {
	lc := NewLifecycle("p1", 1)
	lc.EmitLive()
	lc.EmitFinal()
	lc.Close()

	lc.Reset("p2", 7.5)
	if lc.ID() != "p2" || lc.Start() != 7.5 || lc.State() != StateOpen || lc.Updates() != 0 {
		t.Errorf("reset did not reopen: %s %v %v %d", lc.ID(), lc.Start(), lc.State(), lc.Updates())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
		terminal bool
	}{
		{StateOpen, "OPEN", false},
		{StateFinalEmitted, "FINAL_EMITTED", false},
		{StateClosed, "CLOSED", true},
		{StateDropped, "DROPPED", true},
		{State(42), "UNKNOWN(42)", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("String() = %s, want %s", got, tt.expected)
		}
		if tt.state.IsTerminal() != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v", tt.state, !tt.terminal)
		}
	}
}
