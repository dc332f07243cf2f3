package flow

import "testing"

func TestMachineStartsInOpening(t *testing.T) {
	if got := NewMachine().Phase(); got != PhaseOpening {
		t.Errorf("expected opening, got %s", got)
	}
}

func TestMachineAllowedTransitions(t *testing.T) {
	paths := [][]Phase{
		{PhaseMain, PhaseWindingDown, PhaseClosing, PhaseEnded},
		{PhaseMain, PhaseClosing, PhaseEnded}, // skip winding_down on force end
	}
	for _, path := range paths {
		m := NewMachine()
		for _, p := range path {
			if err := m.Advance(p); err != nil {
				t.Fatalf("Advance(%s) from %s: %v", p, m.Phase(), err)
			}
		}
		if m.Phase() != PhaseEnded {
			t.Errorf("expected ended, got %s", m.Phase())
		}
	}
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		from Phase
		to   Phase
	}{
		{PhaseOpening, PhaseWindingDown},
		{PhaseOpening, PhaseClosing},
		{PhaseOpening, PhaseEnded},
		{PhaseWindingDown, PhaseMain},
		{PhaseClosing, PhaseMain},
		{PhaseEnded, PhaseOpening},
	}
	for _, tt := range tests {
		m := &Machine{phase: tt.from}
		if err := m.Advance(tt.to); err == nil {
			t.Errorf("expected %s to %s to be rejected", tt.from, tt.to)
		}
		if m.Phase() != tt.from {
			t.Errorf("phase changed on rejected transition: %s", m.Phase())
		}
	}
}

func TestMachineSelfTransitionIsNoOp(t *testing.T) {
	m := NewMachine()
	if err := m.Advance(PhaseOpening); err != nil {
		t.Errorf("self transition: %v", err)
	}
}

func TestConfigToolsAndStrategies(t *testing.T) {
	if got := Config(PhaseMain).ContextStrategy; got != StrategyResetWithSummary {
		t.Errorf("main strategy = %s, want reset_with_summary", got)
	}
	if got := Config(PhaseOpening).ContextStrategy; got != StrategyAppend {
		t.Errorf("opening strategy = %s, want append", got)
	}

	closing := Config(PhaseClosing).Tools
	if len(closing) != 1 || closing[0] != "mark_reminder_acknowledged" {
		t.Errorf("closing tools = %v", closing)
	}

	for _, tool := range Config(PhaseMain).Tools {
		if tool == "transition_to_main" {
			t.Error("main phase must not expose transition_to_main")
		}
	}
}

func TestTerminal(t *testing.T) {
	if PhaseClosing.Terminal() {
		t.Error("closing is not terminal")
	}
	if !PhaseEnded.Terminal() {
		t.Error("ended is terminal")
	}
}
