package domain

import "testing"

func TestCanAdvancePhaseForwardOnly(t *testing.T) {
	cases := []struct {
		current RunPhase
		next    RunPhase
		want    bool
	}{
		{RunPhaseBundle, RunPhaseExecute, true},
		{RunPhaseExecute, RunPhaseExtract, true},
		{RunPhaseExtract, RunPhaseDone, true},
		{RunPhaseBundle, RunPhaseDone, true},
		{RunPhaseBundle, RunPhaseBundle, true},
		{RunPhaseExecute, RunPhaseBundle, false},
		{RunPhaseDone, RunPhaseExtract, false},
		{"", RunPhaseExecute, false},
		{RunPhaseBundle, "", false},
	}
	for _, tc := range cases {
		if got := CanAdvancePhase(tc.current, tc.next); got != tc.want {
			t.Fatalf("CanAdvancePhase(%q, %q) = %v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if NormalizeRunStatus(" Cancelled ") != RunStatusCancelled {
		t.Fatalf("expected cancelled")
	}
	if NormalizeRunStatus("canceled") != RunStatusCancelled {
		t.Fatalf("expected single-l spelling to normalize")
	}
	if NormalizeRunStatus("paused") != "" {
		t.Fatalf("expected unknown status to normalize to empty")
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusSucceeded, RunStatusFailed, RunStatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusQueued, RunStatusRunning} {
		if s.IsTerminal() {
			t.Fatalf("expected %s non-terminal", s)
		}
	}
}

func TestRunValidate(t *testing.T) {
	run := Run{ID: "run-1", SpecHash: "abc", Status: RunStatusQueued, Phase: RunPhaseBundle}
	if err := run.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	run.SpecHash = " "
	if err := run.Validate(); err == nil {
		t.Fatalf("expected spec hash error")
	}
}
