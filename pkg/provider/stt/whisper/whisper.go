// Package whisper provides a self-hosted whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary (POST /inference) and simulates
// streaming behaviour: incoming audio is buffered, an energy-based silence
// detector segments utterances, and each completed utterance is submitted as a
// batch inference request. Because whisper.cpp is a batch engine there are no
// true low-latency partials; a partial and a final carrying the same text are
// emitted together when an utterance is committed, followed by an
// utterance-end event so the call pipeline can close the user's turn.
//
// Telephony µ-law input ("mulaw" at 8 kHz) is decoded and upsampled to the
// 16 kHz linear PCM whisper.cpp expects. Keyword boosting is not supported;
// StreamConfig.Keywords is ignored.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmdzco/donna2/pkg/audio"
	"github.com/dmdzco/donna2/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16; whisper.cpp consumes 16-bit signed
	// little-endian PCM.
	bitsPerSample = 16

	// inferenceRate is the PCM sample rate audio is normalised to before
	// upload. whisper.cpp resamples internally but 16 kHz keeps uploads small.
	inferenceRate = 16000

	// defaultRMSThreshold is the root-mean-square level (16-bit PCM units)
	// below which a chunk counts as silence. Telephony noise floors sit well
	// under 300.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server (e.g.
// "base.en", "small"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent with each inference request (e.g.
// "en", "de"). Defaults to "en". Region subtags are stripped by the caller if
// present; whisper.cpp wants the bare ISO 639-1 code.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSilenceThresholdMs sets the consecutive-silence duration that commits
// the buffered utterance to the server. Shorter values respond faster but may
// split utterances mid-sentence, which matters for elderly speakers who pause
// while thinking. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs caps how much audio may accumulate before a flush
// is forced regardless of silence. Defaults to 10 s.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.maxBufferDurationMs = ms
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each maintains its own buffer
// and goroutine.
type Provider struct {
	serverURL           string
	model               string
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           serverURL,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. cfg.Encoding selects the
// input format: "mulaw" accepts raw 8 kHz µ-law telephony frames, anything
// else is treated as 16-bit linear PCM at cfg.SampleRate. cfg.UtteranceEndMs,
// when set, overrides the provider's silence threshold so the pipeline's
// turn-taking gap and the flush gap agree.
//
// Returns an error only if ctx is already cancelled; no network connection is
// made until the first flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp takes bare language codes, not BCP-47 tags.
	lang, _, _ = strings.Cut(lang, "-")
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = inferenceRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	silenceMs := p.silenceThresholdMs
	if cfg.UtteranceEndMs > 0 {
		silenceMs = cfg.UtteranceEndMs
	}

	s := &session{
		serverURL:           p.serverURL,
		model:               p.model,
		language:            lang,
		mulaw:               cfg.Encoding == "mulaw",
		sampleRate:          sr,
		channels:            ch,
		vadEvents:           cfg.VADEvents,
		silenceThresholdMs:  silenceMs,
		maxBufferDurationMs: p.maxBufferDurationMs,
		httpClient:          p.httpClient,

		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		events:   make(chan stt.Event, 16),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- session ----------------------------------------------------------------

// session is a live whisper transcription session. All mutable state driving
// silence detection and buffering is confined to the processLoop goroutine.
type session struct {
	// immutable configuration, set once in StartStream
	serverURL           string
	model               string
	language            string
	mulaw               bool
	sampleRate          int
	channels            int
	vadEvents           bool
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript
	events   chan stt.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of audio in the encoding agreed in StreamConfig.
// Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// Partials returns interim transcripts. For whisper.cpp each partial is
// emitted together with its final and carries identical text. The channel is
// closed when the session ends.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns committed transcripts. The channel is closed when the
// session ends.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Events returns speech-started and utterance-end notifications. Utterance
// ends are always emitted (the flush is the utterance boundary); speech
// starts only when the StreamConfig requested VAD events. The channel is
// closed when the session ends.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session, flushes pending speech for a final
// transcription, and closes the output channels. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for decoding, silence
// detection, buffering and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.events)

	var (
		buffer    []byte // accumulated 16-bit PCM for the current utterance
		hadSpeech bool
		silenceMs int // consecutive silence after speech
		streamMs  int // total audio received, for event timestamps
		startMs   int // stream position where the current utterance began
	)

	// Internal PCM rate after decoding. µ-law telephony frames are upsampled
	// to 16 kHz; linear input keeps the configured rate.
	pcmRate := s.sampleRate
	if s.mulaw {
		pcmRate = inferenceRate
	}
	bytesPerMs := pcmRate * s.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs

	// doFlush submits the buffered utterance and resets state regardless of
	// outcome. The utterance-end event fires even when inference fails, so
	// the pipeline never waits on a turn boundary that already happened.
	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		utterStart := startMs
		utterMs := len(pcm) / bytesPerMs
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		defer s.emitEvent(stt.Event{
			Type:      stt.EventUtteranceEnd,
			Timestamp: time.Duration(utterStart+utterMs) * time.Millisecond,
		})

		text, err := s.infer(flushCtx, pcm, pcmRate)
		if err != nil || text == "" {
			return
		}

		t := stt.Transcript{
			Text:     text,
			Start:    time.Duration(utterStart) * time.Millisecond,
			Duration: time.Duration(utterMs) * time.Millisecond,
		}
		// Non-blocking sends: the channels are buffered, and skipping beats
		// deadlocking during shutdown.
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		default:
		}
	}

	// flushWithTimeout performs a final flush on a fresh context, independent
	// of the caller-supplied ctx which may already be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk, ok := <-s.audioCh:
			if !ok {
				flushWithTimeout()
				return
			}

			if s.mulaw {
				chunk = audio.UlawToPCM16k(chunk)
			}

			rms := computeRMS(chunk)
			chunkMs := len(chunk) / bytesPerMs

			if rms < defaultRMSThreshold {
				// Silent chunk, only relevant once speech has started.
				// Leading silence is discarded.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.silenceThresholdMs {
						doFlush(ctx)
					}
				}
			} else {
				if !hadSpeech {
					startMs = streamMs
					if s.vadEvents {
						s.emitEvent(stt.Event{
							Type:      stt.EventSpeechStarted,
							Timestamp: time.Duration(streamMs) * time.Millisecond,
						})
					}
				}
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					doFlush(ctx)
				}
			}
			streamMs += chunkMs
		}
	}
}

func (s *session) emitEvent(ev stt.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// infer encodes pcm as WAV and POSTs it to the whisper-server /inference
// endpoint as multipart/form-data, returning the transcribed text.
func (s *session) infer(ctx context.Context, pcm []byte, rate int) (string, error) {
	wav := encodeWAV(pcm, rate, s.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return result.Text, nil
}

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps raw 16-bit signed little-endian PCM in a RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, in sample units (0–32767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
