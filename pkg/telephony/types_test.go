package telephony

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDecodeStartFrame(t *testing.T) {
	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"start": {
			"accountSid": "AC123",
			"streamSid": "MZ456",
			"callSid": "CA789",
			"tracks": ["inbound"],
			"customParameters": {
				"tenant_id": "tenant-1",
				"conversation_id": "conv-1",
				"call_type": "reminder"
			},
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1}
		}
	}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Event != EventStart || m.Start == nil {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Start.CallSID != "CA789" {
		t.Errorf("call sid = %q", m.Start.CallSID)
	}
	if got := m.Start.CustomParameters[ParamCallType]; got != CallTypeReminder {
		t.Errorf("call type = %q", got)
	}
	if m.Start.MediaFormat.SampleRate != 8000 {
		t.Errorf("sample rate = %d", m.Start.MediaFormat.SampleRate)
	}
}

func TestDecodeMediaFrameAndAudio(t *testing.T) {
	audio := []byte{0xff, 0x7f, 0x00, 0x80}
	raw := `{"event":"media","media":{"track":"inbound","payload":"` +
		base64.StdEncoding.EncodeToString(audio) + `"}}`

	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := m.Audio()
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	if string(got) != string(audio) {
		t.Errorf("audio round-trip mismatch: %v", got)
	}
}

func TestDecodeRejectsFrameWithoutEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"streamSid":"MZ1"}`)); err == nil {
		t.Error("expected error for missing event")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestAudioOnNonMediaFrame(t *testing.T) {
	m := Message{Event: EventStop}
	if _, err := m.Audio(); err == nil {
		t.Error("expected error for stop frame")
	}
}

func TestOutboundFrames(t *testing.T) {
	media := NewMediaMessage("MZ1", []byte{1, 2, 3})
	data, err := media.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"event":"media"`) || !strings.Contains(s, `"streamSid":"MZ1"`) {
		t.Errorf("media frame: %s", s)
	}

	clear := NewClearMessage("MZ1")
	data, err = clear.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s = string(data)
	if !strings.Contains(s, `"event":"clear"`) || strings.Contains(s, `"media"`) {
		t.Errorf("clear frame: %s", s)
	}

	mark := NewMarkMessage("MZ1", "turn-7")
	data, err = mark.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"name":"turn-7"`) {
		t.Errorf("mark frame: %s", data)
	}
}
