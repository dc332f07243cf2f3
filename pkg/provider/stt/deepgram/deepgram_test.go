package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/dmdzco/donna2/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		Channels: 1,
		Language: "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "smart_format", "true", q.Get("smart_format"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "mulaw", q.Get("encoding"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_TurnTakingParams(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		EndpointingMs:  1000,
		UtteranceEndMs: 1200,
		VADEvents:      true,
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "endpointing", "1000", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1200", q.Get("utterance_end_ms"))
	assertEqual(t, "vad_events", "true", q.Get("vad_events"))
}

func TestBuildURL_TurnTakingParamsOmittedWhenUnset(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	for _, param := range []string{"endpointing", "utterance_end_ms", "vad_events"} {
		if _, ok := q[param]; ok {
			t.Errorf("expected %q to be omitted, got %q", param, q.Get(param))
		}
	}
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key",
		WithModel("nova-2-phonecall"),
		WithLanguage("de-DE"),
		WithEncoding("linear16"),
		WithSampleRate(16000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2-phonecall", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_CfgOverridesProviderDefaults(t *testing.T) {
	// cfg values should take precedence over the provider-level defaults.
	p, err := New("key", WithLanguage("en"), WithEncoding("mulaw"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		Language:   "fr-FR",
		Encoding:   "linear16",
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		Keywords: []stt.KeywordBoost{
			{Keyword: "Metoprolol", Boost: 5},
			{Keyword: "Rosie", Boost: 3.5},
		},
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	// Both keywords should be present (order may vary).
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["Metoprolol:5"] {
		t.Errorf("expected keyword 'Metoprolol:5', got %v", kws)
	}
	if !found["Rosie:3.5"] {
		t.Errorf("expected keyword 'Rosie:3.5', got %v", kws)
	}
}

func TestBuildURL_NoKeywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestParseResults_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 2.0,
		"duration": 1.5,
		"channel": {
			"alternatives": [{
				"transcript": "I took my pills this morning",
				"confidence": 0.95,
				"words": [
					{"word": "I", "start": 2.1, "end": 2.2, "confidence": 0.97},
					{"word": "took", "start": 2.3, "end": 2.5, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseResults(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "I took my pills this morning", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "I", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(2.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
	if tr.Start != 2*time.Second {
		t.Errorf("expected utterance start 2s, got %v", tr.Start)
	}
	if tr.Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", tr.Duration)
	}
}

func TestParseResults_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "I took",
				"confidence": 0.7,
				"words": []
			}]
		}
	}`)

	tr, ok := parseResults(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "I took", tr.Text)
}

func TestParseResults_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := parseResults(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestParseResults_InvalidJSON(t *testing.T) {
	_, ok := parseResults([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

func TestParseSpeechStarted(t *testing.T) {
	raw := []byte(`{"type":"SpeechStarted","channel":[0],"timestamp":1.86}`)
	ev, ok := parseSpeechStarted(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ev.Type != stt.EventSpeechStarted {
		t.Errorf("expected type %q, got %q", stt.EventSpeechStarted, ev.Type)
	}
	if ev.Timestamp != time.Duration(1.86*float64(time.Second)) {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestParseUtteranceEnd(t *testing.T) {
	raw := []byte(`{"type":"UtteranceEnd","channel":[0,1],"last_word_end":3.14}`)
	ev, ok := parseUtteranceEnd(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ev.Type != stt.EventUtteranceEnd {
		t.Errorf("expected type %q, got %q", stt.EventUtteranceEnd, ev.Type)
	}
	if ev.Timestamp != time.Duration(3.14*float64(time.Second)) {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "encoding", defaultEncoding, p.encoding)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
