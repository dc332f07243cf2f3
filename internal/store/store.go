// Package store defines the persistence interfaces and row types for the
// donna2 call runtime: tenants, conversations, reminders, deliveries,
// post-call analyses, and per-day call context.
//
// The semantic memory layer (embedded memories with vector search) lives in
// pkg/memory; everything else persists through the interfaces here. All
// implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateDelivery is returned by CreateDelivery when a delivery for the
// same (reminder, scheduled-for) pair already exists. The unique index is the
// cross-process guard against double dialling.
var ErrDuplicateDelivery = errors.New("store: duplicate delivery")

// TenantStore provides read access to tenant profiles. Writes happen through
// the external admin surface; the call runtime only reads.
type TenantStore interface {
	// Tenant returns the tenant with the given ID.
	// Returns ErrNotFound when no such tenant exists.
	Tenant(ctx context.Context, id string) (*Tenant, error)

	// TenantByPhone returns the tenant whose canonical phone number matches.
	// Phone numbers are unique across tenants.
	TenantByPhone(ctx context.Context, phone string) (*Tenant, error)

	// ActiveTenants returns all tenants with the active flag set.
	ActiveTenants(ctx context.Context) ([]Tenant, error)
}

// ConversationStore persists call records and their transcripts.
type ConversationStore interface {
	// CreateConversation inserts a new in-progress conversation and returns
	// its ID.
	CreateConversation(ctx context.Context, tenantID, callSID string) (string, error)

	// Conversation returns the conversation with the given ID.
	Conversation(ctx context.Context, id string) (*Conversation, error)

	// ConversationByCallSID returns the conversation for a telephony call leg.
	ConversationByCallSID(ctx context.Context, callSID string) (*Conversation, error)

	// UpdateTranscript replaces the stored transcript. Called by the periodic
	// flush during the call and once more at completion.
	UpdateTranscript(ctx context.Context, id string, transcript []TranscriptTurn) error

	// CompleteConversation marks the conversation terminal with the given
	// status and end time. Status transitions are monotonic; completing an
	// already-terminal conversation is a no-op.
	CompleteConversation(ctx context.Context, id string, status ConversationStatus, endedAt time.Time) error

	// SetSummary stores the post-call summary and sentiment.
	SetSummary(ctx context.Context, id, summary, sentiment string) error

	// RecentSummaries returns the summaries of the tenant's most recent
	// completed conversations, newest first.
	RecentSummaries(ctx context.Context, tenantID string, limit int) ([]string, error)
}

// ReminderStore selects reminders for the scheduler and tracks delivery.
type ReminderStore interface {
	// Reminder returns the reminder with the given ID.
	Reminder(ctx context.Context, id string) (*Reminder, error)

	// DueOneShot returns active one-shot reminders whose scheduled time is at
	// or before now and which have no delivery in a non-terminal state.
	DueOneShot(ctx context.Context, now time.Time) ([]Reminder, error)

	// ActiveRecurring returns all active reminders with a recurrence
	// expression. The scheduler evaluates next-fire times in Go because the
	// recurrence grammar is tenant-timezone dependent.
	ActiveRecurring(ctx context.Context) ([]Reminder, error)

	// TouchDelivered records the most recent delivery time on the reminder.
	TouchDelivered(ctx context.Context, id string, at time.Time) error
}

// DeliveryStore persists delivery attempts.
type DeliveryStore interface {
	// CreateDelivery inserts a new delivery row. Returns ErrDuplicateDelivery
	// when a row for the same (reminder_id, scheduled_for) already exists.
	CreateDelivery(ctx context.Context, d Delivery) (string, error)

	// Delivery returns the delivery with the given ID.
	Delivery(ctx context.Context, id string) (*Delivery, error)

	// DeliveryByCallSID returns the pending or delivered row attached to a
	// call leg, if any.
	DeliveryByCallSID(ctx context.Context, callSID string) (*Delivery, error)

	// UpdateDeliveryStatus advances the delivery state machine and records
	// the optional user response text. Terminal states are sticky: updating
	// an already-terminal delivery is a no-op.
	UpdateDeliveryStatus(ctx context.Context, id string, status DeliveryStatus, userResponse string) error

	// RetryPending returns deliveries in retry_pending whose scheduled time
	// plus the retry delay has passed and whose attempt count is below max.
	RetryPending(ctx context.Context, now time.Time, retryDelay time.Duration, maxAttempts int) ([]Delivery, error)

	// IncrementAttempt bumps attempt_count and resets the row to pending with
	// the new call SID.
	IncrementAttempt(ctx context.Context, id, callSID string) error

	// UndeliveredForTenant returns reminders with pending deliveries for a
	// tenant, used to weave outstanding reminders into the call prompt.
	UndeliveredForTenant(ctx context.Context, tenantID string) ([]Delivery, error)
}

// AnalysisStore persists post-call analyses.
type AnalysisStore interface {
	// SaveAnalysis inserts the analysis for a completed conversation.
	SaveAnalysis(ctx context.Context, a CallAnalysis) (string, error)

	// RecentConcerns returns concerns raised for a tenant within the window,
	// newest first. Consumed by the caregiver-facing surface.
	RecentConcerns(ctx context.Context, tenantID string, since time.Time) ([]Concern, error)
}

// DailyContextStore accumulates the per-(tenant, local date) context row.
type DailyContextStore interface {
	// SaveCallContext merges one call's topics, delivered reminders, and
	// advice into the tenant's row for the given local date. Idempotent per
	// call SID: if callSID is already in the row's call_sids, the merge is a
	// no-op.
	SaveCallContext(ctx context.Context, tenantID, date, callSID string, upd DailyContextUpdate) error

	// TodaysContext returns the row for the tenant's current local date, or
	// an empty context when no calls happened yet today.
	TodaysContext(ctx context.Context, tenantID, date string) (*DailyContext, error)
}

// Store aggregates every persistence interface the runtime needs. The
// postgres subpackage provides the production implementation.
type Store interface {
	TenantStore
	ConversationStore
	ReminderStore
	DeliveryStore
	AnalysisStore
	DailyContextStore
}
