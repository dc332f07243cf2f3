package session

import (
	"fmt"
	"strings"

	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/store"
)

// basePersona is the first prompt slot, constant across calls.
const basePersona = `You are Donna, a warm and attentive companion who calls elderly people to check in on them.
You speak naturally for a phone call: short sentences, no lists, no markdown, nothing that cannot be read aloud.
You listen more than you talk. You never give medical advice beyond gently suggesting they mention something to their doctor or family.
If they sound distressed or describe an emergency, stay calm, keep them talking, and encourage them to call emergency services or a family member.`

// promptInput gathers everything the system prompt is assembled from. Empty
// fields skip their slot.
type promptInput struct {
	tenant           *store.Tenant
	entry            *contextcache.Entry
	reminder         *store.Reminder // reminder this call was placed to deliver
	phase            flow.Phase
	layer1Guidance   string
	directorGuidance string
	pending          []store.Reminder // undelivered reminders to weave in
	trackerSummary   string
	newsTopics       []string
}

// buildSystemPrompt assembles the system prompt from its ordered slots.
func buildSystemPrompt(in promptInput) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(basePersona)
	add(tenantSlot(in.tenant))
	if in.entry != nil {
		add(in.entry.MemoryContext)
		add(dailySlot(in.entry.DailyContext))
	}
	add(reminderSlot(in.reminder))
	add(flow.Config(in.phase).TaskPrompt)
	add(in.layer1Guidance)
	if in.directorGuidance != "" {
		add("DIRECTOR NOTE: " + in.directorGuidance)
	}
	add(pendingSlot(in.pending))
	add(in.trackerSummary)
	if in.entry != nil {
		add(summariesSlot(in.entry.PriorCallSummaries))
		if in.entry.NewsHeadlines != "" {
			add("RECENT NEWS YOU LOOKED UP:\n" + in.entry.NewsHeadlines)
		}
	}
	if len(in.newsTopics) > 0 {
		add("News topics you already have fresh results for: " + strings.Join(in.newsTopics, ", "))
	}

	return strings.Join(parts, "\n\n")
}

func tenantSlot(t *store.Tenant) string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are talking with %s.", t.Name)
	if len(t.Interests) > 0 {
		fmt.Fprintf(&sb, " Their interests: %s.", strings.Join(t.Interests, ", "))
	}
	if t.FamilyInfo != "" {
		fmt.Fprintf(&sb, "\nFamily: %s", t.FamilyInfo)
	}
	if t.MedicalNotes != "" {
		fmt.Fprintf(&sb, "\nHealth notes (never recite these back, just be aware): %s", t.MedicalNotes)
	}
	return sb.String()
}

func dailySlot(d *store.DailyContext) string {
	if d == nil || len(d.CallSIDs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("EARLIER TODAY:")
	if len(d.Topics) > 0 {
		fmt.Fprintf(&sb, "\n- Topics already discussed: %s", strings.Join(d.Topics, "; "))
	}
	if len(d.RemindersDelivered) > 0 {
		fmt.Fprintf(&sb, "\n- Reminders already delivered: %s", strings.Join(d.RemindersDelivered, "; "))
	}
	if len(d.Advice) > 0 {
		fmt.Fprintf(&sb, "\n- Advice already given: %s", strings.Join(d.Advice, "; "))
	}
	return sb.String()
}

func reminderSlot(r *store.Reminder) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "THIS CALL'S REMINDER (id %s): %s", r.ID, r.Title)
	if r.Description != "" {
		fmt.Fprintf(&sb, " — %s", r.Description)
	}
	sb.WriteString("\nWork it into the conversation naturally, early in the call. When they respond, call mark_reminder_acknowledged.")
	return sb.String()
}

func pendingSlot(pending []store.Reminder) string {
	if len(pending) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("OTHER REMINDERS STILL OUTSTANDING (mention if it fits, id in parentheses):")
	for _, r := range pending {
		fmt.Fprintf(&sb, "\n- %s (%s)", r.Title, r.ID)
	}
	return sb.String()
}

func summariesSlot(summaries []string) string {
	if len(summaries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("RECENT CALLS:")
	for _, s := range summaries {
		fmt.Fprintf(&sb, "\n- %s", s)
	}
	return sb.String()
}
