package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmdzco/donna2/pkg/audio"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer responds to POST /inference with a JSON body containing
// responseText and increments *callCount on every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

// makeSpeechPCM generates a 440 Hz sine buffer at rate Hz whose RMS is well
// above the silence threshold. The buffer holds `samples` 16-bit samples.
func makeSpeechPCM(samples, rate int) []byte {
	const amplitude = 10_000.0 // RMS ≈ 7071
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// makeSilencePCM generates a zero-valued PCM buffer of `samples` 16-bit samples.
func makeSilencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

func mustStartStream(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func linearConfig() stt.StreamConfig {
	return stt.StreamConfig{Encoding: "linear16", SampleRate: 16000, Channels: 1}
}

// ---- provider construction --------------------------------------------------

func TestNewEmptyServerURL(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNewWithOptions(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithSilenceThresholdMs(300),
		whisper.WithMaxBufferDurationMs(5000),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- session creation -------------------------------------------------------

func TestStartStreamChannelsNonNil(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	if h.Partials() == nil || h.Finals() == nil || h.Events() == nil {
		t.Error("session channels must be non-nil")
	}
}

func TestStartStreamCancelledContext(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.StartStream(ctx, linearConfig()); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

// ---- silence detection / buffering ------------------------------------------

func TestSilenceAloneDoesNotTriggerInference(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "unexpected", &calls)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(50))
	h := mustStartStream(t, p, linearConfig())

	// 1 second of silence.
	_ = h.SendAudio(makeSilencePCM(16000))

	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) for silence-only audio; want 0", n)
	}
}

func TestSpeechFollowedBySilenceTriggersInference(t *testing.T) {
	const wantText = "I already took my pills this morning"
	srv := newMockServer(t, wantText, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	// 100 ms of speech, then 100 ms of silence to cross the threshold.
	if err := h.SendAudio(makeSpeechPCM(1600, 16000)); err != nil {
		t.Fatalf("SendAudio (speech): %v", err)
	}
	if err := h.SendAudio(makeSilencePCM(1600)); err != nil {
		t.Fatalf("SendAudio (silence): %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != wantText {
			t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
		}
		if !tr.IsFinal {
			t.Error("Finals() transcript should have IsFinal = true")
		}
		if tr.Duration <= 0 {
			t.Errorf("transcript duration = %v; want > 0", tr.Duration)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestPartialEmittedAlongsideFinal(t *testing.T) {
	const wantText = "the nurse came by yesterday"
	srv := newMockServer(t, wantText, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))
	_ = h.SendAudio(makeSilencePCM(1600))

	select {
	case tr := <-h.Partials():
		if tr.Text != wantText {
			t.Errorf("Partials().Text = %q; want %q", tr.Text, wantText)
		}
		if tr.IsFinal {
			t.Error("Partials() transcript should have IsFinal = false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial transcript")
	}
}

func TestFlushEmitsUtteranceEnd(t *testing.T) {
	srv := newMockServer(t, "good morning dear", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))
	_ = h.SendAudio(makeSilencePCM(1600))

	select {
	case ev := <-h.Events():
		if ev.Type != stt.EventUtteranceEnd {
			t.Errorf("event type = %q; want %q", ev.Type, stt.EventUtteranceEnd)
		}
		if ev.Timestamp <= 0 {
			t.Errorf("event timestamp = %v; want > 0", ev.Timestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for utterance-end event")
	}
}

func TestVADEventsEmitSpeechStarted(t *testing.T) {
	srv := newMockServer(t, "hello", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	cfg := linearConfig()
	cfg.VADEvents = true
	h := mustStartStream(t, p, cfg)
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))

	select {
	case ev := <-h.Events():
		if ev.Type != stt.EventSpeechStarted {
			t.Errorf("first event = %q; want %q", ev.Type, stt.EventSpeechStarted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for speech-started event")
	}
}

func TestMulawTelephonyInput(t *testing.T) {
	const wantText = "yes I remembered the blood pressure tablet"
	srv := newMockServer(t, wantText, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
		Channels:   1,
		Language:   "en-US",
	})
	defer h.Close()

	// 200 ms of telephony speech followed by 200 ms of µ-law silence.
	speech := audio.EncodeUlaw(makeSpeechPCM(1600, 8000))
	silence := audio.EncodeUlaw(makeSilencePCM(1600))
	if err := h.SendAudio(speech); err != nil {
		t.Fatalf("SendAudio (speech): %v", err)
	}
	if err := h.SendAudio(silence); err != nil {
		t.Fatalf("SendAudio (silence): %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != wantText {
			t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript from mulaw input")
	}
}

func TestMaxBufferExceededForcesFlush(t *testing.T) {
	const wantText = "and then the grandkids visited"
	srv := newMockServer(t, wantText, nil)
	defer srv.Close()

	// 200 ms buffer cap; the 10 s silence threshold is never reached.
	p, _ := whisper.New(srv.URL,
		whisper.WithSilenceThresholdMs(10_000),
		whisper.WithMaxBufferDurationMs(200),
	)
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	// 210 ms of continuous speech.
	if err := h.SendAudio(makeSpeechPCM(3360, 16000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != wantText {
			t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forced-flush transcript")
	}
}

// ---- session close ----------------------------------------------------------

func TestCloseClosesOutputChannels(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, linearConfig())
	h.Close()

	for name, open := range map[string]bool{
		"partials": channelOpen(h.Partials()),
		"finals":   channelOpen(h.Finals()),
		"events":   eventChannelOpen(h.Events()),
	} {
		if open {
			t.Errorf("%s channel should be closed after Close()", name)
		}
	}
}

func channelOpen(ch <-chan stt.Transcript) bool {
	select {
	case _, open := <-ch:
		return open
	case <-time.After(2 * time.Second):
		return true
	}
}

func eventChannelOpen(ch <-chan stt.Event) bool {
	select {
	case _, open := <-ch:
		return open
	case <-time.After(2 * time.Second):
		return true
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, linearConfig())

	if err := h.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestSendAudioAfterClose(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, linearConfig())
	h.Close()

	time.Sleep(50 * time.Millisecond)

	if err := h.SendAudio(makeSpeechPCM(100, 16000)); err == nil {
		t.Fatal("SendAudio after Close() should return an error")
	}
}

func TestCloseFlushesRemainingBuffer(t *testing.T) {
	const wantText = "see you next week"
	srv := newMockServer(t, wantText, nil)
	defer srv.Close()

	// Silence threshold long enough that only Close() can flush.
	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(60_000))
	h := mustStartStream(t, p, linearConfig())

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))
	time.Sleep(50 * time.Millisecond)

	h.Close()

	for tr := range h.Finals() {
		if tr.Text != wantText {
			t.Errorf("close-flush transcript = %q; want %q", tr.Text, wantText)
		}
	}
}

// ---- error handling ---------------------------------------------------------

func TestServerErrorStillEmitsUtteranceEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))
	_ = h.SendAudio(makeSilencePCM(1600))

	// No transcript arrives, but the turn boundary must still be signalled so
	// the pipeline is not left waiting.
	select {
	case ev := <-h.Events():
		if ev.Type != stt.EventUtteranceEnd {
			t.Errorf("event type = %q; want %q", ev.Type, stt.EventUtteranceEnd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for utterance-end after server error")
	}
	select {
	case tr := <-h.Finals():
		t.Errorf("expected no finals on server error, got %q", tr.Text)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEmptyResponseProducesNoTranscript(t *testing.T) {
	srv := newMockServer(t, "", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600, 16000))
	_ = h.SendAudio(makeSilencePCM(1600))

	select {
	case tr := <-h.Finals():
		if tr.Text == "" {
			t.Error("received empty-text transcript on Finals; expected no emission")
		}
	case <-time.After(2 * time.Second):
	}
}

// ---- concurrent use ---------------------------------------------------------

func TestConcurrentSendAudio(t *testing.T) {
	srv := newMockServer(t, "hello", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p, linearConfig())
	defer h.Close()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				_ = h.SendAudio(makeSpeechPCM(160, 16000))
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
