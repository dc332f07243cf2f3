package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/internal/transcript"
	"github.com/dmdzco/donna2/pkg/memory"
	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// Session tool names. The flow machine's per-phase tool lists reference
// these.
const (
	ToolSearchMemories     = "search_memories"
	ToolGetNews            = "get_news"
	ToolSaveDetail         = "save_important_detail"
	ToolMarkReminderAcked  = "mark_reminder_acknowledged"
	ToolTransitionMain     = "transition_to_main"
	ToolTransitionWindDown = "transition_to_winding_down"
	ToolTransitionClosing  = "transition_to_closing"
)

// Benign results handed to the LLM when a tool cannot do its job; the
// conversation must carry on either way.
const (
	noMemoriesFound = "No matching memories found."
	noNewsFound     = "I couldn't find anything recent about that."
)

// searchLimit and searchMinCosine are the retrieval knobs for the
// search_memories tool.
const (
	searchLimit     = 3
	searchMinCosine = 0.6
)

// savedDetailImportance is the importance assigned to details the LLM asks
// to save mid-call.
const savedDetailImportance = 70

// Deps is the per-call state the session tools close over.
type Deps struct {
	TenantID       string
	ConversationID string

	Memory     memory.Service
	News       *NewsService
	Flow       *flow.Machine
	Deliveries store.DeliveryStore

	// Reminders are the reminders this call carries (primary plus pending),
	// used to recover garbled reminder references phonetically.
	Reminders []store.Reminder

	// DeliveryForReminder resolves the delivery row this call is serving
	// for a reminder ID. ok is false for reminders the call knows nothing
	// about.
	DeliveryForReminder func(reminderID string) (deliveryID string, ok bool)

	// OnReminderAcked records the acknowledgment in the session's delivered
	// set. May be nil.
	OnReminderAcked func(reminderID string)
}

// Registry is the per-call tool view: the session tools bound to one call's
// state, plus whatever the process-wide host carries. Safe for concurrent
// use.
type Registry struct {
	host *Host
	deps Deps

	builtins map[string]BuiltinTool
	titles   *transcript.Matcher

	mu    sync.Mutex
	acked map[string]string // reminder ID → status already applied
}

// NewRegistry builds the per-call registry. host may be nil when no
// external tools are configured.
func NewRegistry(host *Host, deps Deps) *Registry {
	r := &Registry{
		host:     host,
		deps:     deps,
		builtins: make(map[string]BuiltinTool),
		titles:   transcript.NewMatcher(),
		acked:    make(map[string]string),
	}
	for _, t := range r.sessionTools() {
		r.builtins[t.Definition.Name] = t
	}
	return r
}

// BindConversation sets the conversation row tools attribute their writes
// to. The session calls this once the row exists, which is after the
// registry is built.
func (r *Registry) BindConversation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps.ConversationID = id
}

// conversationID returns the bound conversation row ID, empty before
// BindConversation.
func (r *Registry) conversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deps.ConversationID
}

// Definitions returns the tools visible in the given phase: the phase's
// session tools plus, during the main phase, the host catalogue.
func (r *Registry) Definitions(phase flow.Phase) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range flow.Config(phase).Tools {
		if t, ok := r.builtins[name]; ok {
			defs = append(defs, t.Definition)
		}
	}
	if phase == flow.PhaseMain && r.host != nil {
		defs = append(defs, r.host.Definitions()...)
	}
	return defs
}

// Execute runs the named tool. Handler failures come back as benign
// human-readable strings, never as errors the turn loop would have to
// surface; only an unknown tool name is an error.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	if t, ok := r.builtins[name]; ok {
		result, err := t.Handler(ctx, args)
		if err != nil {
			slog.Warn("tool failed, returning fallback", "tool", name, "err", err)
			return fallbackFor(name), nil
		}
		return result, nil
	}
	if r.host != nil && r.host.Has(name) {
		result, err := r.host.Execute(ctx, name, args)
		if err != nil {
			slog.Warn("host tool failed, returning fallback", "tool", name, "err", err)
			return "That didn't work just now.", nil
		}
		return result, nil
	}
	return "", fmt.Errorf("tools: unknown tool %q", name)
}

// fallbackFor maps a failed tool to its benign result.
func fallbackFor(name string) string {
	switch name {
	case ToolSearchMemories:
		return noMemoriesFound
	case ToolGetNews:
		return noNewsFound
	case ToolSaveDetail:
		return "I'll keep that in mind."
	case ToolMarkReminderAcked:
		return "Reminder noted."
	default:
		return "Done."
	}
}

// ─── Session tool handlers ───────────────────────────────────────────────────

func (r *Registry) sessionTools() []BuiltinTool {
	return []BuiltinTool{
		{
			Definition: searchMemoriesDef,
			Handler:    r.searchMemories,
		},
		{
			Definition: getNewsDef,
			Handler:    r.getNews,
		},
		{
			Definition: saveDetailDef,
			Handler:    r.saveDetail,
		},
		{
			Definition: markReminderAckedDef,
			Handler:    r.markReminderAcked,
		},
		{
			Definition: transitionDef(ToolTransitionMain, "Move the call into its main conversation once greetings are done."),
			Handler:    r.transitionTo(flow.PhaseMain),
		},
		{
			Definition: transitionDef(ToolTransitionWindDown, "Start wrapping the call up."),
			Handler:    r.transitionTo(flow.PhaseWindingDown),
		},
		{
			Definition: transitionDef(ToolTransitionClosing, "Move to final goodbyes."),
			Handler:    r.transitionTo(flow.PhaseClosing),
		},
	}
}

func (r *Registry) searchMemories(ctx context.Context, args string) (string, error) {
	var a struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("search_memories: parse args: %w", err)
	}
	if strings.TrimSpace(a.Query) == "" {
		return "", fmt.Errorf("search_memories: empty query")
	}

	results, err := r.deps.Memory.Search(ctx, r.deps.TenantID, a.Query,
		memory.WithLimit(searchLimit), memory.WithMinSimilarity(searchMinCosine))
	if err != nil {
		return "", fmt.Errorf("search_memories: %w", err)
	}
	if len(results) == 0 {
		return noMemoriesFound, nil
	}

	var sb strings.Builder
	for _, res := range results {
		fmt.Fprintf(&sb, "- [%s] %s\n", res.Memory.Type, res.Memory.Content)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (r *Registry) getNews(ctx context.Context, args string) (string, error) {
	var a struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("get_news: parse args: %w", err)
	}
	if r.deps.News == nil {
		return noNewsFound, nil
	}
	items, err := r.deps.News.Lookup(ctx, a.Topic)
	if err != nil {
		return "", fmt.Errorf("get_news: %w", err)
	}
	return items, nil
}

func (r *Registry) saveDetail(ctx context.Context, args string) (string, error) {
	var a struct {
		Detail   string `json:"detail"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("save_important_detail: parse args: %w", err)
	}
	if strings.TrimSpace(a.Detail) == "" {
		return "", fmt.Errorf("save_important_detail: empty detail")
	}

	typ := memory.Type(a.Category)
	if !typ.IsValid() || typ == memory.TypeStory {
		typ = memory.TypeFact
	}

	// A degraded memory backend must not derail the call; the detail is
	// acknowledged either way.
	if _, err := r.deps.Memory.Store(ctx, r.deps.TenantID, typ, a.Detail,
		r.conversationID(), savedDetailImportance); err != nil {
		slog.Warn("save_important_detail: store failed", "err", err)
	}
	return "Noted: " + a.Detail, nil
}

func (r *Registry) markReminderAcked(ctx context.Context, args string) (string, error) {
	var a struct {
		ReminderID   string `json:"reminder_id"`
		Status       string `json:"status"`
		UserResponse string `json:"user_response"`
	}
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("mark_reminder_acknowledged: parse args: %w", err)
	}

	status := store.DeliveryStatus(a.Status)
	if status != store.DeliveryAcknowledged && status != store.DeliveryConfirmed {
		return "", fmt.Errorf("mark_reminder_acknowledged: invalid status %q", a.Status)
	}

	// Repeated acknowledgments on the same reminder are no-ops.
	r.mu.Lock()
	if prior, ok := r.acked[a.ReminderID]; ok {
		r.mu.Unlock()
		return fmt.Sprintf("Reminder marked as %s.", prior), nil
	}
	r.mu.Unlock()

	if r.deps.DeliveryForReminder == nil {
		return "", fmt.Errorf("mark_reminder_acknowledged: no reminder context for this call")
	}
	deliveryID, ok := r.deps.DeliveryForReminder(a.ReminderID)
	if !ok {
		// The model sometimes echoes a title instead of an ID, and STT may
		// have garbled that title in the first place. Recover phonetically
		// against the call's reminders before giving up.
		rem, found := r.resolveSpokenReminder(a.ReminderID)
		if !found {
			return "", fmt.Errorf("mark_reminder_acknowledged: unknown reminder %q", a.ReminderID)
		}
		a.ReminderID = rem.ID
		if prior, acked := r.priorAck(a.ReminderID); acked {
			return fmt.Sprintf("Reminder marked as %s.", prior), nil
		}
		deliveryID, ok = r.deps.DeliveryForReminder(rem.ID)
		if !ok {
			return "", fmt.Errorf("mark_reminder_acknowledged: no delivery for reminder %q", rem.ID)
		}
	}

	if err := r.deps.Deliveries.UpdateDeliveryStatus(ctx, deliveryID, status, a.UserResponse); err != nil {
		return "", fmt.Errorf("mark_reminder_acknowledged: %w", err)
	}

	r.mu.Lock()
	r.acked[a.ReminderID] = a.Status
	r.mu.Unlock()

	if r.deps.OnReminderAcked != nil {
		r.deps.OnReminderAcked(a.ReminderID)
	}
	return fmt.Sprintf("Reminder marked as %s.", a.Status), nil
}

// resolveSpokenReminder maps a garbled reminder reference to one of the
// call's reminders by phonetic title recovery.
func (r *Registry) resolveSpokenReminder(spoken string) (*store.Reminder, bool) {
	if len(r.deps.Reminders) == 0 {
		return nil, false
	}
	titles := make([]string, len(r.deps.Reminders))
	for i, rem := range r.deps.Reminders {
		titles[i] = rem.Title
	}
	title, conf, ok := r.titles.Recover(spoken, titles)
	if !ok {
		return nil, false
	}
	for i := range r.deps.Reminders {
		if r.deps.Reminders[i].Title == title {
			slog.Info("recovered reminder reference phonetically",
				"spoken", spoken, "title", title, "confidence", conf)
			return &r.deps.Reminders[i], true
		}
	}
	return nil, false
}

// priorAck reports whether the reminder was already acknowledged this call.
func (r *Registry) priorAck(reminderID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.acked[reminderID]
	return prior, ok
}

// transitionTo builds a handler that advances the flow machine.
func (r *Registry) transitionTo(phase flow.Phase) func(context.Context, string) (string, error) {
	return func(_ context.Context, _ string) (string, error) {
		if err := r.deps.Flow.Advance(phase); err != nil {
			return "", err
		}
		return "Done.", nil
	}
}
