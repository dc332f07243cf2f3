// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// The default configuration accepts raw 8 kHz µ-law telephony audio so that
// media-stream frames can be forwarded without transcoding. Set
// WithEncoding("linear16") and a matching sample rate to stream converted PCM
// instead.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dmdzco/donna2/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2-phonecall").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEncoding sets the provider-level default audio encoding ("mulaw" or "linear16").
func WithEncoding(encoding string) Option {
	return func(p *Provider) {
		p.encoding = encoding
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	encoding   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.Encoding, cfg.SampleRate, cfg.Language, cfg.Keywords, and
// the endpointing/VAD settings.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	// Build the WebSocket URL with query parameters.
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		events:   make(chan stt.Event, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = p.encoding
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Metoprolol:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// resultsResponse is the JSON structure returned by Deepgram for a Results event.
type resultsResponse struct {
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// speechStartedResponse is the JSON structure for a SpeechStarted VAD event.
type speechStartedResponse struct {
	Timestamp float64 `json:"timestamp"`
}

// utteranceEndResponse is the JSON structure for an UtteranceEnd event.
type utteranceEndResponse struct {
	LastWordEnd float64 `json:"last_word_end"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	events   chan stt.Event
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues an audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Events returns the channel of VAD and utterance-boundary events.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Send a close message to Deepgram to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials, finals, and events channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &head); err != nil {
			continue
		}

		switch head.Type {
		case "Results":
			t, ok := parseResults(msg)
			if !ok {
				continue
			}
			if t.IsFinal {
				select {
				case s.finals <- t:
				case <-s.done:
				}
			} else {
				select {
				case s.partials <- t:
				case <-s.done:
				}
			}

		case "SpeechStarted":
			ev, ok := parseSpeechStarted(msg)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
			}

		case "UtteranceEnd":
			ev, ok := parseUtteranceEnd(msg)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
			}
		}
	}
}

// parseResults parses a raw Deepgram Results message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseResults(data []byte) (stt.Transcript, bool) {
	var resp resultsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}

// parseSpeechStarted parses a SpeechStarted message into an Event.
func parseSpeechStarted(data []byte) (stt.Event, bool) {
	var resp speechStartedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}
	return stt.Event{
		Type:      stt.EventSpeechStarted,
		Timestamp: time.Duration(resp.Timestamp * float64(time.Second)),
	}, true
}

// parseUtteranceEnd parses an UtteranceEnd message into an Event.
func parseUtteranceEnd(data []byte) (stt.Event, bool) {
	var resp utteranceEndResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}
	return stt.Event{
		Type:      stt.EventUtteranceEnd,
		Timestamp: time.Duration(resp.LastWordEnd * float64(time.Second)),
	}, true
}
