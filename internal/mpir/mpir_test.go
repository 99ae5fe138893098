package mpir

import "testing"

func TestPublishSetsSpawned(t *testing.T) {
	Reset()
	defer Reset()

	Publish([]ProcDesc{
		{HostName: "node01", ExecutableName: "./a.out", PID: 100},
		{HostName: "node01", ExecutableName: "./a.out", PID: 101},
	})

	if State != StateSpawned {
		t.Errorf("State = %v, want %v", State, StateSpawned)
	}
	if ProctableSize != 2 {
		t.Errorf("ProctableSize = %d, want 2", ProctableSize)
	}
	if len(Proctable) != 2 {
		t.Errorf("len(Proctable) = %d, want 2", len(Proctable))
	}
}

func TestPublishDoesNotMaskAbort(t *testing.T) {
	Reset()
	defer Reset()

	Abort("launcher exited early")
	Publish([]ProcDesc{{HostName: "h", ExecutableName: "x", PID: 1}})

	if State != StateAborting {
		t.Errorf("State = %v, want %v after abort", State, StateAborting)
	}
}

func TestFirstAbortReasonWins(t *testing.T) {
	Reset()
	defer Reset()

	Abort("first reason")
	Abort("second reason")

	if AbortReason != "first reason" {
		t.Errorf("AbortReason = %q, want %q", AbortReason, "first reason")
	}
	if State != StateAborting {
		t.Errorf("State = %v, want %v", State, StateAborting)
	}
}

func TestAbortFromSpawned(t *testing.T) {
	Reset()
	defer Reset()

	Publish([]ProcDesc{{HostName: "h", ExecutableName: "x", PID: 1}})
	Abort("application exited with return code 17")

	if State != StateAborting {
		t.Errorf("State = %v, want %v", State, StateAborting)
	}
}

func TestClear(t *testing.T) {
	Reset()
	defer Reset()

	Publish([]ProcDesc{{HostName: "h", ExecutableName: "x", PID: 1}})
	Clear()

	if Proctable != nil {
		t.Error("Proctable not nil after Clear")
	}
	if ProctableSize != 0 {
		t.Errorf("ProctableSize = %d, want 0", ProctableSize)
	}
}

func TestBreakpointHook(t *testing.T) {
	Reset()
	defer Reset()

	called := 0
	BreakpointHook = func() { called++ }
	Breakpoint()
	Breakpoint()

	if called != 2 {
		t.Errorf("hook called %d times, want 2", called)
	}
}

func TestBreakpointWithoutHook(t *testing.T) {
	Reset()
	defer Reset()
	Breakpoint() // must not panic
}

func TestDebugStateString(t *testing.T) {
	tests := []struct {
		state DebugState
		want  string
	}{
		{StateNull, "null"},
		{StateSpawned, "spawned"},
		{StateAborting, "aborting"},
		{DebugState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("DebugState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
