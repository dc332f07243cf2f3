// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio frames in the
// configured encoding and emits three streams — low-latency partial
// transcripts, authoritative final transcripts, and voice-activity events that
// drive barge-in and turn-taking decisions.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition settings for a new
// STT session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// Encoding is the audio encoding of chunks passed to SendAudio. "mulaw"
	// accepts raw 8 kHz µ-law telephony frames without conversion; "linear16"
	// expects little-endian 16-bit PCM at SampleRate.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony µ-law streams are
	// 8000; converted PCM is typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for personal words such as family names and medications.
	Keywords []KeywordBoost

	// EndpointingMs is how long (in milliseconds) the provider waits after
	// speech stops before finalising the pending transcript. Zero uses the
	// provider default.
	EndpointingMs int

	// UtteranceEndMs is the silence gap (in milliseconds) after which the
	// provider emits EventUtteranceEnd. Zero disables utterance-end events.
	UtteranceEndMs int

	// VADEvents requests EventSpeechStarted notifications, used to interrupt
	// agent playback when the user starts talking.
	VADEvents bool
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the Encoding, SampleRate, and
	// Channels agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These feed
	// barge-in heuristics and debug logs but must not be written to the
	// conversation transcript. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. Finals
	// are buffered by the caller until EventUtteranceEnd arrives, then joined
	// into one user turn. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Events returns a read-only channel of voice-activity and
	// utterance-boundary events. Only populated when the StreamConfig enabled
	// them. The channel is closed when the session ends.
	Events() <-chan Event

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals and
	// Events channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
