package store

import "time"

// Tenant is a senior who receives check-in calls. The ID is assigned at
// onboarding and never changes; everything else may be edited by an admin.
type Tenant struct {
	// ID is the opaque unique identifier for this tenant.
	ID string

	// Name is the display name used in greetings and prompts.
	Name string

	// Phone is the canonical E.164 phone number dialled for check-ins.
	Phone string

	// Timezone is the IANA timezone name (e.g., "America/New_York") that
	// anchors daily-context dates, quiet hours, and recurrence evaluation.
	Timezone string

	// Interests are free-form topic tags used by the greeting rotator.
	Interests []string

	// FamilyInfo holds free-form notes about family members.
	FamilyInfo string

	// MedicalNotes holds free-form notes about conditions and medications.
	MedicalNotes string

	// QuietHoursStart and QuietHoursEnd bound the window ("HH:MM" local
	// time) during which no outbound calls are placed. Empty = no window.
	QuietHoursStart string
	QuietHoursEnd   string

	// Active indicates whether the tenant currently receives calls.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CaregiverLink associates an external user with a tenant.
type CaregiverLink struct {
	// UserID is the external identity of the caregiver.
	UserID string

	// TenantID is the linked tenant.
	TenantID string

	// Role describes the relationship (e.g., "daughter", "nurse").
	Role string
}

// ConversationStatus is the lifecycle state of a call attempt.
// Transitions are monotonic: in_progress → one terminal state.
type ConversationStatus string

const (
	ConversationInProgress ConversationStatus = "in_progress"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationFailed     ConversationStatus = "failed"
	ConversationNoAnswer   ConversationStatus = "no_answer"
	ConversationBusy       ConversationStatus = "busy"
)

// IsTerminal reports whether s is a terminal conversation status.
func (s ConversationStatus) IsTerminal() bool {
	return s != ConversationInProgress && s != ""
}

// TranscriptTurn is one utterance in a conversation transcript.
type TranscriptTurn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the utterance text.
	Content string `json:"content"`

	// Timestamp is when the turn completed.
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the record of a single call attempt.
type Conversation struct {
	ID       string
	TenantID string

	// CallSID is the telephony provider's identifier for the call leg.
	CallSID string

	StartedAt time.Time
	EndedAt   time.Time

	// DurationSeconds is EndedAt − StartedAt, persisted for query convenience.
	DurationSeconds int

	Status ConversationStatus

	// Transcript is append-only while the call is live and frozen afterwards.
	Transcript []TranscriptTurn

	// Summary and Sentiment are filled in by post-call processing.
	Summary   string
	Sentiment string
}

// ReminderType classifies a reminder.
type ReminderType string

const (
	ReminderMedication  ReminderType = "medication"
	ReminderAppointment ReminderType = "appointment"
	ReminderCustom      ReminderType = "custom"
)

// Reminder is a scheduled prompt delivered to a tenant during a call.
// Exactly one of ScheduledTime or Recurrence is set.
type Reminder struct {
	ID          string
	TenantID    string
	Type        ReminderType
	Title       string
	Description string

	// ScheduledTime is the one-shot fire time. Zero when Recurrence is set.
	ScheduledTime time.Time

	// Recurrence is a recurrence expression ("daily HH:MM" or
	// "weekly <dow> HH:MM"), evaluated in the tenant's timezone.
	// Empty when ScheduledTime is set.
	Recurrence string

	Active          bool
	LastDeliveredAt time.Time
}

// DeliveryStatus is the lifecycle state of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryRetryPending DeliveryStatus = "retry_pending"
	DeliveryAcknowledged DeliveryStatus = "acknowledged"
	DeliveryConfirmed    DeliveryStatus = "confirmed"
	DeliveryMaxAttempts  DeliveryStatus = "max_attempts"
)

// IsTerminal reports whether s ends the delivery lifecycle.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryAcknowledged, DeliveryConfirmed, DeliveryMaxAttempts:
		return true
	}
	return false
}

// Delivery tracks one attempt to deliver a reminder on a call.
type Delivery struct {
	ID         string
	ReminderID string

	// ScheduledFor is the instant this delivery was due.
	ScheduledFor time.Time

	DeliveredAt    time.Time
	AcknowledgedAt time.Time
	Status         DeliveryStatus

	// AttemptCount counts dials for this reminder occurrence, bounded by the
	// scheduler's max-attempts policy.
	AttemptCount int

	CallSID      string
	UserResponse string
}

// ConcernType classifies a post-call concern.
type ConcernType string

const (
	ConcernHealth    ConcernType = "health"
	ConcernCognitive ConcernType = "cognitive"
	ConcernEmotional ConcernType = "emotional"
	ConcernSafety    ConcernType = "safety"
)

// ConcernSeverity grades a concern.
type ConcernSeverity string

const (
	SeverityLow    ConcernSeverity = "low"
	SeverityMedium ConcernSeverity = "medium"
	SeverityHigh   ConcernSeverity = "high"
)

// Concern is a single flagged observation from call analysis.
type Concern struct {
	Type           ConcernType     `json:"type"`
	Severity       ConcernSeverity `json:"severity"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation,omitempty"`
}

// CallAnalysis is the structured output of post-call analysis for one
// completed conversation.
type CallAnalysis struct {
	ID             string
	ConversationID string
	TenantID       string

	// Summary is a 2–3 sentence description of the call.
	Summary string

	Topics []string

	// EngagementScore grades how engaged the tenant was, 1–10.
	EngagementScore int

	Concerns             []Concern
	PositiveObservations []string
	FollowUpSuggestions  []string

	// CallQuality is a short descriptor ("good", "strained", "unknown", …).
	CallQuality string

	CreatedAt time.Time
}

// DailyContext accumulates what happened across all of a tenant's calls on
// one local date. The upsert is idempotent per call SID.
type DailyContext struct {
	TenantID string

	// Date is the tenant-local calendar date, formatted "2006-01-02".
	Date string

	// CallSIDs lists the calls merged into this row.
	CallSIDs []string

	Topics             []string
	RemindersDelivered []string
	Advice             []string
	Highlights         []string
}

// DailyContextUpdate is the per-call contribution merged into a
// DailyContext row by SaveCallContext.
type DailyContextUpdate struct {
	Topics             []string
	RemindersDelivered []string
	Advice             []string
	Highlights         []string
}
