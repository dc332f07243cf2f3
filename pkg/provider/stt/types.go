package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Start marks when the utterance started, relative to stream start.
	Start time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of personal vocabulary that general models
// mishear: family member names, medication names, place names.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Metoprolol").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// EventType identifies a non-transcript event emitted by the provider.
type EventType string

const (
	// EventSpeechStarted fires when the provider's VAD detects the start of
	// speech. The call pipeline uses it to interrupt in-progress agent audio.
	EventSpeechStarted EventType = "speech_started"

	// EventUtteranceEnd fires when the provider decides the speaker has
	// finished an utterance. This is the turn-taking boundary: the pipeline
	// assembles buffered finals into one user turn when it arrives.
	EventUtteranceEnd EventType = "utterance_end"
)

// Event is a voice-activity or utterance-boundary notification.
type Event struct {
	// Type identifies the event.
	Type EventType

	// Timestamp is the provider-reported position in the audio stream. For
	// EventUtteranceEnd this is the end time of the last spoken word.
	Timestamp time.Duration
}
