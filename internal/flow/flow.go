// Package flow implements the call-phase state machine. A call moves through
// opening → main → winding_down → closing → ended; each phase carries its
// task instructions, the tool set visible to the LLM, and the context
// strategy applied on entry.
package flow

import (
	"fmt"
	"sync"
)

// Phase is one stage of a call.
type Phase string

const (
	PhaseOpening     Phase = "opening"
	PhaseMain        Phase = "main"
	PhaseWindingDown Phase = "winding_down"
	PhaseClosing     Phase = "closing"
	PhaseEnded       Phase = "ended"
)

// ContextStrategy says what happens to the LLM message history when a phase
// is entered.
type ContextStrategy string

const (
	// StrategyAppend keeps the existing history.
	StrategyAppend ContextStrategy = "append"

	// StrategyResetWithSummary condenses prior turns into a short summary
	// and drops the rest.
	StrategyResetWithSummary ContextStrategy = "reset_with_summary"
)

// NodeConfig describes one phase.
type NodeConfig struct {
	// TaskPrompt is the phase's task instruction block for the system prompt.
	TaskPrompt string

	// Tools names the tools visible to the LLM during this phase.
	Tools []string

	// ContextStrategy applies when the phase is entered.
	ContextStrategy ContextStrategy
}

// transitions is the allowed-transition table.
var transitions = map[Phase][]Phase{
	PhaseOpening:     {PhaseMain},
	PhaseMain:        {PhaseWindingDown, PhaseClosing},
	PhaseWindingDown: {PhaseClosing},
	PhaseClosing:     {PhaseEnded},
	PhaseEnded:       {},
}

// nodes is the per-phase configuration.
var nodes = map[Phase]NodeConfig{
	PhaseOpening: {
		TaskPrompt: "You are just greeting them. Keep it warm and short: the greeting, " +
			"one gentle check-in question. Once they have responded and the call is " +
			"underway, call transition_to_main.",
		Tools:           []string{"search_memories", "save_important_detail", "transition_to_main"},
		ContextStrategy: StrategyAppend,
	},
	PhaseMain: {
		TaskPrompt: "You are in the body of the call. Follow their lead, weave in any " +
			"pending reminder naturally, and use your memory of them. When the " +
			"conversation winds towards its natural end, call transition_to_winding_down.",
		Tools: []string{
			"search_memories", "get_news", "save_important_detail",
			"mark_reminder_acknowledged", "transition_to_winding_down",
		},
		ContextStrategy: StrategyResetWithSummary,
	},
	PhaseWindingDown: {
		TaskPrompt: "The call is wrapping up. Confirm any reminder that is still open, " +
			"recap warmly in a sentence, and start saying goodbye. When goodbyes begin, " +
			"call transition_to_closing.",
		Tools:           []string{"mark_reminder_acknowledged", "transition_to_closing"},
		ContextStrategy: StrategyAppend,
	},
	PhaseClosing: {
		TaskPrompt: "Say a brief, warm goodbye and end your reply. Do not open new topics.",
		Tools:           []string{"mark_reminder_acknowledged"},
		ContextStrategy: StrategyAppend,
	},
	PhaseEnded: {},
}

// Machine tracks a call's current phase. Safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	phase Phase
}

// NewMachine creates a Machine in the opening phase.
func NewMachine() *Machine {
	return &Machine{phase: PhaseOpening}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Advance moves to the given phase if the transition table allows it.
// Advancing to the current phase is a no-op.
func (m *Machine) Advance(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == m.phase {
		return nil
	}
	for _, allowed := range transitions[m.phase] {
		if to == allowed {
			m.phase = to
			return nil
		}
	}
	return fmt.Errorf("flow: cannot transition from %s to %s", m.phase, to)
}

// Config returns the configuration of the given phase.
func Config(p Phase) NodeConfig {
	return nodes[p]
}

// Terminal reports whether the phase is the end of the call.
func (p Phase) Terminal() bool {
	return p == PhaseEnded
}
