package observer

// Category groups related signal patterns. The analyzer scans every category
// on each utterance; several categories may fire at once.
type Category string

const (
	CategoryHealth      Category = "health"
	CategorySafety      Category = "safety"
	CategoryEmotion     Category = "emotion"
	CategorySocial      Category = "social"
	CategoryFamily      Category = "family"
	CategoryActivity    Category = "activity"
	CategoryTime        Category = "time"
	CategoryEnvironment Category = "environment"
	CategoryMemory      Category = "memory"
	CategoryReminderAck Category = "reminder_acknowledgment"
)

// Severity grades health and safety signals.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valence is the direction of an emotion signal.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
)

// Intensity grades emotion signals.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Signal is one fired pattern. Severity is set for health and safety
// categories; Valence and Intensity for emotion; other categories carry only
// the name.
type Signal struct {
	Name      string
	Severity  Severity
	Valence   Valence
	Intensity Intensity
}

// Engagement is the analyzer's read of how engaged the caller is.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementNormal Engagement = "normal"
	EngagementHigh   Engagement = "high"
)

// GoodbyeStrength grades farewell cues in a user utterance.
type GoodbyeStrength string

const (
	GoodbyeNone   GoodbyeStrength = "none"
	GoodbyeWeak   GoodbyeStrength = "weak"
	GoodbyeStrong GoodbyeStrength = "strong"
)

// AckStatus is the detected reminder-acknowledgment state of an utterance.
type AckStatus string

const (
	AckNone AckStatus = "none"

	// AckAcknowledged means the caller committed to the reminder
	// ("okay, I'll take it now").
	AckAcknowledged AckStatus = "acknowledged"

	// AckConfirmed means the caller reports the action as already done
	// ("I already took it this morning").
	AckConfirmed AckStatus = "confirmed"
)

// AckResult pairs a detected acknowledgment with its confidence.
// Direct phrases score 0.8, hedged ones 0.6.
type AckResult struct {
	Status     AckStatus
	Confidence float64
}

// Recommendation is the analyzer's response-length advice for the next LLM
// call. MaxTokens is always within [60, 250].
type Recommendation struct {
	MaxTokens int
	Reason    string
}

// Analysis is the full result of analyzing one user utterance.
type Analysis struct {
	// Signals maps each category to the signals that fired, in pattern-table
	// order. Categories with no hits are absent.
	Signals map[Category][]Signal

	// IsQuestion reports whether the utterance reads as a question.
	IsQuestion bool

	// Engagement is the estimated engagement level; "normal" when no
	// engagement pattern matched.
	Engagement Engagement

	// Goodbye grades any farewell cue in the utterance.
	Goodbye GoodbyeStrength

	// NeedsWebSearch reports whether answering likely requires fresh
	// external information (news, sports results, weather forecasts).
	NeedsWebSearch bool

	// ReminderAck is the reminder-acknowledgment read of the utterance.
	ReminderAck AckResult

	// Guidance is the composed steering text for the next LLM call.
	// Empty when nothing noteworthy fired.
	Guidance string

	// Recommendation is the response-length advice for the next LLM call.
	Recommendation Recommendation
}

// HasSignal reports whether any signal in the category matches the given
// severity. An empty severity matches any signal in the category.
func (a Analysis) HasSignal(c Category, severity Severity) bool {
	for _, s := range a.Signals[c] {
		if severity == "" || s.Severity == severity {
			return true
		}
	}
	return false
}

// hasEmotion reports whether a negative emotion of the given intensity fired.
func (a Analysis) hasEmotion(intensity Intensity) bool {
	for _, s := range a.Signals[CategoryEmotion] {
		if s.Valence == ValenceNegative && s.Intensity == intensity {
			return true
		}
	}
	return false
}
