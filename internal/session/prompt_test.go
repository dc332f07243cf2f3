package session

import (
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/store"
)

func TestBuildSystemPromptOrdersSlots(t *testing.T) {
	in := promptInput{
		tenant: &store.Tenant{
			Name:         "Margaret",
			Interests:    []string{"knitting", "gardening"},
			FamilyInfo:   "Daughter Susan calls on Sundays.",
			MedicalNotes: "Takes Metoprolol in the morning.",
		},
		entry: &contextcache.Entry{
			MemoryContext: "WHAT YOU KNOW:\n- Loves her cat Whiskers.",
			DailyContext: &store.DailyContext{
				CallSIDs: []string{"CA1"},
				Topics:   []string{"the weather"},
			},
			PriorCallSummaries: []string{"Talked about Susan's visit."},
			NewsHeadlines:      "The garden show opens Saturday.",
			PrefetchedAt:       time.Now(),
		},
		reminder: &store.Reminder{ID: "rem-1", Title: "Morning medication",
			Description: "Metoprolol with breakfast"},
		phase:            flow.PhaseMain,
		layer1Guidance:   "[They mentioned pain. Ask a gentle follow-up question about it.]",
		directorGuidance: "steer back towards how she slept",
		pending:          []store.Reminder{{ID: "rem-2", Title: "Dentist Tuesday"}},
		trackerSummary:   "CONVERSATION SO FAR THIS CALL (avoid repeating): topics=the weather",
		newsTopics:       []string{"gardening"},
	}

	prompt := buildSystemPrompt(in)

	ordered := []string{
		"You are Donna",
		"You are talking with Margaret.",
		"Loves her cat Whiskers.",
		"EARLIER TODAY:",
		"THIS CALL'S REMINDER (id rem-1): Morning medication",
		"the body of the call",
		"pain",
		"DIRECTOR NOTE: steer back towards how she slept",
		"Dentist Tuesday (rem-2)",
		"CONVERSATION SO FAR THIS CALL",
		"Talked about Susan's visit.",
		"The garden show opens Saturday.",
		"fresh results for: gardening",
	}
	last := -1
	for _, want := range ordered {
		i := strings.Index(prompt, want)
		if i < 0 {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
		if i < last {
			t.Errorf("slot %q out of order", want)
		}
		last = i
	}
}

func TestBuildSystemPromptSkipsEmptySlots(t *testing.T) {
	prompt := buildSystemPrompt(promptInput{
		tenant: &store.Tenant{Name: "Margaret"},
		phase:  flow.PhaseOpening,
	})

	if !strings.Contains(prompt, "You are Donna") {
		t.Error("persona slot missing")
	}
	for _, forbidden := range []string{"EARLIER TODAY", "REMINDER", "DIRECTOR NOTE", "RECENT CALLS", "RECENT NEWS"} {
		if strings.Contains(prompt, forbidden) {
			t.Errorf("empty slot leaked: %q", forbidden)
		}
	}
	if strings.Contains(prompt, "\n\n\n") {
		t.Error("empty slots must not leave blank runs")
	}
}

func TestDailySlotEmptyWithoutCalls(t *testing.T) {
	if got := dailySlot(&store.DailyContext{}); got != "" {
		t.Errorf("dailySlot with no calls = %q", got)
	}
}
