// Package telephony defines the media-stream wire protocol spoken over the
// call WebSocket, plus shared call types. The provider-specific REST client
// and webhook helpers live in the twilio subpackage.
//
// The stream carries JSON frames in both directions. Inbound: connected,
// start (stream metadata and custom parameters), media (base64 µ-law),
// stop, and mark acknowledgments. Outbound: media, mark, and clear (flush
// the provider's outgoing audio buffer, used on barge-in).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventClear     = "clear"
	EventStop      = "stop"
)

// Custom stream parameter names set by the dialer and echoed in the start
// frame.
const (
	ParamTenantID       = "tenant_id"
	ParamConversationID = "conversation_id"
	ParamCallType       = "call_type"
)

// Call types carried in ParamCallType.
const (
	CallTypeReminder = "reminder"
	CallTypeCheckIn  = "check_in"
	CallTypeInbound  = "inbound"
)

// Message is one stream frame in either direction. Only the section named
// by Event is populated.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// StartPayload carries stream metadata from the start frame.
type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a mark frame. Marks sent outbound are echoed back once
// the provider has played all audio queued before them.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload carries stream teardown metadata.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("telephony: decode frame: %w", err)
	}
	if m.Event == "" {
		return Message{}, fmt.Errorf("telephony: frame missing event")
	}
	return m, nil
}

// Audio decodes the base64 payload of a media frame.
func (m Message) Audio() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("telephony: %s frame has no media", m.Event)
	}
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return audio, nil
}

// NewMediaMessage builds an outbound media frame from raw µ-law audio.
func NewMediaMessage(streamSID string, audio []byte) Message {
	return Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// NewMarkMessage builds an outbound mark frame.
func NewMarkMessage(streamSID, name string) Message {
	return Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}

// NewClearMessage builds the frame that flushes the provider's outgoing
// audio buffer. Sent on barge-in.
func NewClearMessage(streamSID string) Message {
	return Message{Event: EventClear, StreamSID: streamSID}
}

// Encode serializes a frame for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode frame: %w", err)
	}
	return data, nil
}
