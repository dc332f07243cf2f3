package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmdzco/donna2/internal/callend"
	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/convo"
	"github.com/dmdzco/donna2/internal/director"
	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/observe"
	"github.com/dmdzco/donna2/internal/observer"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/internal/tools"
	"github.com/dmdzco/donna2/pkg/audio"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/tts"
	"github.com/dmdzco/donna2/pkg/telephony"
)

// Transport is one live media-stream connection, as seen by the session.
// The httpapi package adapts the raw WebSocket to this.
type Transport interface {
	// Receive returns the next inbound frame, blocking until one arrives,
	// the peer closes, or ctx is cancelled.
	Receive(ctx context.Context) (telephony.Message, error)

	// Send writes an outbound frame.
	Send(ctx context.Context, msg telephony.Message) error

	Close() error
}

// fallbackGreeting is spoken when no prefetched greeting is available.
const fallbackGreeting = "Hello! It's Donna calling to check in. How are you today?"

// recentWindow is how many prior user utterances feed engagement analysis
// and the Director's history.
const recentWindow = 6

// Config wires one call's session.
type Config struct {
	CallSID string
	Tenant  *store.Tenant

	// Entry is the prefetched context, nil when the cache had nothing.
	Entry *contextcache.Entry

	// Reminder is the reminder this call was placed to deliver, nil for
	// plain check-ins and inbound calls.
	Reminder *store.Reminder

	// Pending are other undelivered reminders to weave in.
	Pending []store.Reminder

	Transport Transport
	STT       stt.Provider
	STTConfig stt.StreamConfig
	TTS       tts.Provider
	Voice     tts.VoiceProfile
	VoiceLLM  llm.Provider
	Director  *director.Director
	Registry  *tools.Registry
	Flow      *flow.Machine
	Convos    store.ConversationStore
	News      *tools.NewsService

	// MaxCallMinutes is the hard call-length cap. Zero uses the Director's
	// defaults.
	MaxCallMinutes int

	// NonStreamingTTS synthesizes each reply in one request after the
	// model finishes, instead of streaming sentences as they arrive.
	// Higher first-audio latency, but works with backends that have no
	// usable streaming endpoint.
	NonStreamingTTS bool

	// FlushInterval overrides the transcript flush period (tests).
	FlushInterval time.Duration

	// Hangup asks the telephony provider to end the call leg. May be nil.
	Hangup func(ctx context.Context, callSID string) error

	// OnComplete is invoked exactly once, after shutdown, with everything
	// the post-call processor needs. May be nil.
	OnComplete func(report CallReport)
}

// CallReport is the session's hand-off to post-call processing: the final
// transcript plus the in-memory state that never reaches the store during
// the call.
type CallReport struct {
	ConversationID string
	CallSID        string
	TenantID       string
	StartedAt      time.Time

	Transcript []convo.Turn
	Topics     []string
	Advice     []string

	// ReminderTitle is the reminder this call carried, empty for plain
	// check-ins.
	ReminderTitle string
}

// Session runs one call. Create with New, drive with Run.
type Session struct {
	cfg Config

	observer observer.Observer
	metrics  *observe.Metrics
	tracker  *convo.Tracker
	ctxmgr   *ContextManager
	flusher  *Flusher
	ending   *callend.Controller

	sttSession stt.SessionHandle

	conversationID string
	streamSID      string
	startedAt      time.Time

	cancelRun context.CancelFunc

	mu         sync.Mutex
	turn       int
	turnCancel context.CancelFunc
	recentUser []string
	lastPhase  flow.Phase

	shutdownOnce sync.Once
}

// New creates a Session. The context manager must be supplied by the caller
// because its summariser needs the analysis-role LLM.
func New(cfg Config, ctxmgr *ContextManager) *Session {
	s := &Session{
		cfg:       cfg,
		metrics:   observe.DefaultMetrics(),
		tracker:   convo.NewTracker(),
		ctxmgr:    ctxmgr,
		lastPhase: flow.PhaseOpening,
	}
	s.ending = callend.New(s.onEndRequested)
	return s
}

// ConversationID returns the conversation row this session writes to. Empty
// until Run has created it.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Run drives the call until the transport closes, the call-ending controller
// fires, or ctx is cancelled. It blocks for the duration of the call.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	defer cancel()

	s.startedAt = time.Now()

	if err := s.awaitStart(ctx); err != nil {
		return err
	}

	id, err := s.cfg.Convos.CreateConversation(ctx, s.cfg.Tenant.ID, s.cfg.CallSID)
	if err != nil {
		return fmt.Errorf("session: create conversation: %w", err)
	}
	s.conversationID = id
	s.cfg.Registry.BindConversation(id)

	sess, err := s.cfg.STT.StartStream(ctx, s.cfg.STTConfig)
	if err != nil {
		return fmt.Errorf("session: start stt: %w", err)
	}
	s.sttSession = sess
	go audio.Drain(sess.Partials())

	s.flusher = NewFlusher(FlusherConfig{
		Convos:         s.cfg.Convos,
		Tracker:        s.tracker,
		ConversationID: id,
		Interval:       s.cfg.FlushInterval,
	})
	s.flusher.Start(ctx)

	// Greeting goes out before the first user turn.
	greeting := fallbackGreeting
	if s.cfg.Entry != nil && s.cfg.Entry.GreetingTemplate != "" {
		greeting = s.cfg.Entry.GreetingTemplate
	}
	if err := s.speakFixed(ctx, greeting); err != nil {
		slog.Warn("session: greeting failed", "call_sid", s.cfg.CallSID, "err", err)
	} else {
		s.tracker.AddAssistant(greeting)
		s.ending.ObserveAssistantText(greeting)
		if err := s.ctxmgr.AddMessages(ctx, llm.Message{Role: "assistant", Content: greeting}); err != nil {
			slog.Warn("session: record greeting", "err", err)
		}
	}

	// The gauge pairs with CallEnded in shutdown, which always runs once
	// the loops exit.
	s.metrics.CallStarted(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.sttLoop(gctx) })

	err = g.Wait()
	s.shutdown(context.WithoutCancel(ctx))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// awaitStart consumes frames until the start event arrives, capturing the
// stream SID.
func (s *Session) awaitStart(ctx context.Context) error {
	for {
		msg, err := s.cfg.Transport.Receive(ctx)
		if err != nil {
			return fmt.Errorf("session: await start: %w", err)
		}
		switch msg.Event {
		case telephony.EventConnected:
			// Handshake preamble.
		case telephony.EventStart:
			s.streamSID = msg.Start.StreamSID
			if s.cfg.CallSID == "" {
				s.cfg.CallSID = msg.Start.CallSID
			}
			return nil
		default:
			return fmt.Errorf("session: unexpected %s frame before start", msg.Event)
		}
	}
}

// readLoop pumps inbound frames: media to STT, stop ends the call.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.cfg.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: read: %w", err)
		}
		switch msg.Event {
		case telephony.EventMedia:
			chunk, err := msg.Audio()
			if err != nil {
				slog.Warn("session: bad media frame", "err", err)
				continue
			}
			if err := s.sttSession.SendAudio(chunk); err != nil {
				return fmt.Errorf("session: forward audio: %w", err)
			}
		case telephony.EventMark:
			// Playback acknowledgment; nothing to do.
		case telephony.EventStop:
			// Peer tore the stream down; stop the other loops too.
			s.ending.MarkEnded()
			s.cancelRun()
			return nil
		}
	}
}

// sttLoop turns finals and voice-activity events into turns and barge-ins.
// Finals are buffered until the utterance-end event when utterance-end
// detection is on; otherwise each final is its own turn.
func (s *Session) sttLoop(ctx context.Context) error {
	var pending []string
	for {
		select {
		case <-ctx.Done():
			return nil

		case tr, ok := <-s.sttSession.Finals():
			if !ok {
				return nil
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			pending = append(pending, text)
			if s.cfg.STTConfig.UtteranceEndMs == 0 {
				s.startTurn(ctx, strings.Join(pending, " "))
				pending = nil
			}

		case ev, ok := <-s.sttSession.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case stt.EventSpeechStarted:
				s.bargeIn(ctx)
			case stt.EventUtteranceEnd:
				if len(pending) > 0 {
					s.startTurn(ctx, strings.Join(pending, " "))
					pending = nil
				}
			}
		}
	}
}

// bargeIn aborts the active turn: cancel LLM/TTS, flush the provider's
// outgoing buffer, and tell the ending controller the user is speaking.
func (s *Session) bargeIn(ctx context.Context) {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.metrics.RecordBargeIn(ctx)
		if err := s.cfg.Transport.Send(ctx, telephony.NewClearMessage(s.streamSID)); err != nil {
			slog.Warn("session: clear on barge-in", "err", err)
		}
	}
	s.ending.ObserveUserSpeech()
}

// startTurn cancels any still-active turn and dispatches the new utterance
// in its own goroutine so the STT loop keeps draining.
func (s *Session) startTurn(ctx context.Context, utterance string) {
	s.bargeIn(ctx)

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turn++
	turn := s.turn
	s.turnCancel = cancel
	s.recentUser = append(s.recentUser, utterance)
	if len(s.recentUser) > recentWindow {
		s.recentUser = s.recentUser[len(s.recentUser)-recentWindow:]
	}
	recent := make([]string, len(s.recentUser)-1)
	copy(recent, s.recentUser[:len(s.recentUser)-1])
	s.mu.Unlock()

	go func() {
		defer cancel()
		if err := s.runTurn(turnCtx, turn, utterance, recent); err != nil && turnCtx.Err() == nil {
			slog.Error("session: turn failed",
				"call_sid", s.cfg.CallSID, "turn", turn, "err", err)
		}
	}()
}

// onEndRequested is the ending controller's callback: goodbye exchange plus
// grace elapsed, or force-end.
func (s *Session) onEndRequested() {
	slog.Info("session: call end requested", "call_sid", s.cfg.CallSID)
	_ = s.cfg.Flow.Advance(flow.PhaseEnded)
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

// shutdown flushes state, marks the conversation completed, hangs up, and
// hands off to post-call processing. Runs at most once.
func (s *Session) shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		s.ending.MarkEnded()
		s.metrics.CallEnded(ctx, time.Since(s.startedAt))
		if s.flusher != nil {
			s.flusher.Stop()
			if err := s.flusher.FlushNow(ctx); err != nil {
				slog.Warn("session: final transcript flush", "err", err)
			}
		}
		if s.conversationID != "" {
			if err := s.cfg.Convos.CompleteConversation(ctx, s.conversationID, store.ConversationCompleted, time.Now()); err != nil {
				slog.Warn("session: complete conversation", "err", err)
			}
		}
		if s.sttSession != nil {
			_ = s.sttSession.Close()
		}
		if s.cfg.Hangup != nil {
			if err := s.cfg.Hangup(ctx, s.cfg.CallSID); err != nil {
				slog.Warn("session: hangup", "call_sid", s.cfg.CallSID, "err", err)
			}
		}
		_ = s.cfg.Transport.Close()

		if s.cfg.OnComplete != nil {
			report := CallReport{
				ConversationID: s.conversationID,
				CallSID:        s.cfg.CallSID,
				TenantID:       s.cfg.Tenant.ID,
				StartedAt:      s.startedAt,
				Transcript:     s.tracker.Transcript(),
				Topics:         s.tracker.Topics(),
				Advice:         s.tracker.Advice(),
			}
			if s.cfg.Reminder != nil {
				report.ReminderTitle = s.cfg.Reminder.Title
			}
			s.cfg.OnComplete(report)
		}
	})
}
