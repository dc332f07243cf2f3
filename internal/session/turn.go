package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmdzco/donna2/internal/convo"
	"github.com/dmdzco/donna2/internal/director"
	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/resilience"
	"github.com/dmdzco/donna2/pkg/audio"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	"github.com/dmdzco/donna2/pkg/telephony"
)

const (
	// voiceTemperature is the sampling temperature for the voice model.
	voiceTemperature = 0.7

	// firstTokenTimeout is how long the turn waits for the first streamed
	// chunk before playing a filler and retrying the request once.
	firstTokenTimeout = 2 * time.Second

	// fillerPhrase is spoken when the first token is late.
	fillerPhrase = "One moment…"

	// maxToolRounds bounds tool-call round trips within a single turn.
	maxToolRounds = 4

	// ulawFrameBytes is the send size for whole-turn audio: 200 ms of
	// 8 kHz µ-law per media message.
	ulawFrameBytes = 1600
)

// runTurn processes one finalized user utterance end to end.
func (s *Session) runTurn(ctx context.Context, turn int, utterance string, recent []string) error {
	turnStart := time.Now()
	s.tracker.AddUser(utterance)

	analysis := s.observer.Analyze(utterance, recent)
	s.ending.ObserveUserGoodbye(analysis.Goodbye)

	var advice director.Advice
	var hasAdvice bool
	if s.cfg.Director != nil {
		s.cfg.Director.Submit(ctx, turn, utterance, recent)
		advice, _, hasAdvice = s.cfg.Director.Cached()
	}

	// Force actions come from two places: the duration fallback, and the
	// director's own verdict (caller is done, or distressed by the call).
	windDown, end := director.ForceActions(time.Since(s.startedAt), s.cfg.MaxCallMinutes)
	if hasAdvice {
		windDown = windDown || advice.ForceWindDown
		end = end || advice.ForceEnd
	}
	if end {
		s.ending.ForceEnd()
		return nil
	}
	if windDown {
		if err := s.cfg.Flow.Advance(flow.PhaseWindingDown); err == nil {
			slog.Info("session: forced wind-down", "call_sid", s.cfg.CallSID)
		}
	}

	phase := s.applyPhaseStrategy(ctx)

	var directorGuidance string
	if hasAdvice {
		directorGuidance = advice.Guidance
	}

	in := promptInput{
		tenant:           s.cfg.Tenant,
		entry:            s.cfg.Entry,
		reminder:         s.cfg.Reminder,
		phase:            phase,
		layer1Guidance:   analysis.Guidance,
		directorGuidance: directorGuidance,
		pending:          s.cfg.Pending,
		trackerSummary:   s.tracker.Summary(),
	}
	if s.cfg.News != nil {
		in.newsTopics = s.cfg.News.CachedTopics()
	}
	system := buildSystemPrompt(in)

	if err := s.ctxmgr.AddMessages(ctx, llm.Message{Role: "user", Content: utterance}); err != nil {
		slog.Warn("session: record user turn", "err", err)
	}

	spoken, err := s.streamReply(ctx, system, analysis.Recommendation.MaxTokens, phase)
	if spoken != "" {
		// What actually went out is the record, even for interrupted turns.
		s.tracker.AddAssistant(spoken)
		s.ending.ObserveAssistantText(spoken)
		if aerr := s.ctxmgr.AddMessages(ctx, llm.Message{Role: "assistant", Content: spoken}); aerr != nil {
			slog.Warn("session: record assistant turn", "err", aerr)
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() == nil {
		s.metrics.RecordTurn(ctx, time.Since(turnStart))
	}
	return nil
}

// applyPhaseStrategy detects a phase change since the last turn and applies
// the new phase's context strategy.
func (s *Session) applyPhaseStrategy(ctx context.Context) flow.Phase {
	phase := s.cfg.Flow.Phase()

	s.mu.Lock()
	changed := phase != s.lastPhase
	s.lastPhase = phase
	s.mu.Unlock()

	if changed && flow.Config(phase).ContextStrategy == flow.StrategyResetWithSummary {
		if err := s.ctxmgr.ResetWithSummary(ctx); err != nil {
			slog.Warn("session: reset-with-summary failed, keeping history", "err", err)
		}
	}
	return phase
}

// streamReply runs the LLM/TTS pipeline for one turn and returns the text
// that was actually handed to TTS.
func (s *Session) streamReply(ctx context.Context, system string, maxTokens int, phase flow.Phase) (string, error) {
	if s.cfg.NonStreamingTTS {
		return s.bufferedReply(ctx, system, maxTokens, phase)
	}

	textCh := make(chan string, 8)
	speakDone := make(chan error, 1)
	go func() { speakDone <- s.speakStream(ctx, textCh) }()

	var spoken []string
	emit := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		select {
		case textCh <- text:
			spoken = append(spoken, text)
		case <-ctx.Done():
		}
	}

	genErr := s.generate(ctx, system, maxTokens, phase, emit)

	close(textCh)
	speakErr := <-speakDone

	out := strings.Join(spoken, " ")
	if genErr != nil {
		return out, genErr
	}
	if speakErr != nil && ctx.Err() == nil {
		return out, speakErr
	}
	return out, nil
}

// bufferedReply collects the whole turn before synthesizing it in one
// request. Used when the configured TTS backend has no streaming endpoint
// worth the name.
func (s *Session) bufferedReply(ctx context.Context, system string, maxTokens int, phase flow.Phase) (string, error) {
	var spoken []string
	emit := func(text string) {
		if text = strings.TrimSpace(text); text != "" {
			spoken = append(spoken, text)
		}
	}

	genErr := s.generate(ctx, system, maxTokens, phase, emit)
	out := strings.Join(spoken, " ")
	if out == "" || ctx.Err() != nil {
		return out, genErr
	}

	if err := s.speakWhole(ctx, out); err != nil {
		if genErr != nil {
			return out, genErr
		}
		if ctx.Err() == nil {
			return out, err
		}
	}
	return out, genErr
}

// generate streams the model's reply, dispatching tool calls between rounds
// and emitting clean complete sentences.
func (s *Session) generate(ctx context.Context, system string, maxTokens int, phase flow.Phase, emit func(string)) error {
	strip := &convo.Stripper{}
	var pending strings.Builder

	flushSentences := func(chunk string) {
		pending.WriteString(strip.Feed(chunk))
		for {
			txt := pending.String()
			i := strings.IndexAny(txt, ".?!")
			if i < 0 {
				return
			}
			emit(txt[:i+1])
			pending.Reset()
			pending.WriteString(txt[i+1:])
		}
	}

	rounds := 0
	retried := false
	for {
		req := llm.CompletionRequest{
			Messages:     s.ctxmgr.Messages(),
			Tools:        s.cfg.Registry.Definitions(phase),
			Temperature:  voiceTemperature,
			MaxTokens:    maxTokens,
			SystemPrompt: system,
		}
		stream, err := s.cfg.VoiceLLM.StreamCompletion(ctx, req)
		if err != nil {
			return fmt.Errorf("session: start completion: %w", err)
		}

		var toolCalls []llm.ToolCall
		finish := ""
		sawToken := false
		timedOut := false
		requestedAt := time.Now()

		watchdog := time.NewTimer(firstTokenTimeout)
	read:
		for {
			select {
			case <-ctx.Done():
				watchdog.Stop()
				go drainChunks(stream)
				return ctx.Err()

			case <-watchdog.C:
				if sawToken || retried {
					continue
				}
				// Late first token: hold the line and try again once.
				retried = true
				timedOut = true
				emit(fillerPhrase)
				go drainChunks(stream)
				break read

			case chunk, ok := <-stream:
				if !ok {
					watchdog.Stop()
					break read
				}
				if !sawToken {
					s.metrics.FirstTokenDuration.Record(ctx, time.Since(requestedAt).Seconds())
				}
				sawToken = true
				if chunk.Text != "" {
					flushSentences(chunk.Text)
				}
				if len(chunk.ToolCalls) > 0 {
					toolCalls = append(toolCalls, chunk.ToolCalls...)
				}
				if chunk.FinishReason != "" {
					finish = chunk.FinishReason
				}
			}
		}

		if timedOut {
			continue
		}
		if finish == "error" {
			return fmt.Errorf("session: model stream reported error")
		}

		if len(toolCalls) > 0 && rounds < maxToolRounds {
			rounds++
			s.dispatchTools(ctx, toolCalls)
			continue
		}

		// Tail: whatever is buffered plus anything the stripper held back.
		emit(pending.String() + strip.Flush())
		return nil
	}
}

// dispatchTools executes the model's tool calls and appends the exchange to
// the message history so the next round sees the results.
func (s *Session) dispatchTools(ctx context.Context, calls []llm.ToolCall) {
	if err := s.ctxmgr.AddMessages(ctx, llm.Message{Role: "assistant", ToolCalls: calls}); err != nil {
		slog.Warn("session: record tool calls", "err", err)
	}
	for _, tc := range calls {
		result, err := s.cfg.Registry.Execute(ctx, tc.Name, tc.Arguments)
		status := "ok"
		if err != nil {
			status = "error"
			slog.Warn("session: tool dispatch failed", "tool", tc.Name, "err", err)
			result = "That tool isn't available."
		}
		s.metrics.RecordToolCall(ctx, tc.Name, status)
		if err := s.ctxmgr.AddMessages(ctx, llm.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: tc.ID,
		}); err != nil {
			slog.Warn("session: record tool result", "err", err)
		}
	}
}

// speakStream synthesizes text fragments as they arrive and pushes the audio
// to the transport, converting TTS PCM to the telephony wire format.
func (s *Session) speakStream(ctx context.Context, text <-chan string) error {
	audioCh, err := s.cfg.TTS.SynthesizeStream(ctx, text, s.cfg.Voice)
	if err != nil {
		// Unblock the producer; the text has nowhere to go.
		go func() {
			for range text {
			}
		}()
		return fmt.Errorf("session: start synthesis: %w", err)
	}

	for pcm := range audioCh {
		ulaw := audio.PCM24kToUlaw8k(pcm)
		if len(ulaw) == 0 {
			continue
		}
		if err := s.cfg.Transport.Send(ctx, telephony.NewMediaMessage(s.streamSID, ulaw)); err != nil {
			go audio.Drain(audioCh)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: send audio: %w", err)
		}
		s.ending.NoteAudioActivity()
	}

	if ctx.Err() == nil {
		if err := s.cfg.Transport.Send(ctx, telephony.NewMarkMessage(s.streamSID, "turn-end")); err != nil {
			slog.Warn("session: send mark", "err", err)
		}
	}
	return nil
}

// synthesizeOnce renders text in a single TTS request. A one-shot request
// is idempotent, so a quick second try is safe; the streaming path has no
// such luxury because it consumes the text channel.
func (s *Session) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	var pcm []byte
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Name:     "tts synthesize",
		Attempts: 2,
		Backoff:  200 * time.Millisecond,
	}, func(ctx context.Context) error {
		var err error
		pcm, err = s.cfg.TTS.Synthesize(ctx, text, s.cfg.Voice)
		return err
	})
	return pcm, err
}

// speakFixed renders a fixed phrase in one request, used for the greeting
// and fillers outside the streaming pipeline.
func (s *Session) speakFixed(ctx context.Context, text string) error {
	pcm, err := s.synthesizeOnce(ctx, text)
	if err != nil {
		return fmt.Errorf("session: synthesize: %w", err)
	}
	ulaw := audio.PCM24kToUlaw8k(pcm)
	if len(ulaw) == 0 {
		return nil
	}
	if err := s.cfg.Transport.Send(ctx, telephony.NewMediaMessage(s.streamSID, ulaw)); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	s.ending.NoteAudioActivity()
	return s.cfg.Transport.Send(ctx, telephony.NewMarkMessage(s.streamSID, "greeting-end"))
}

// speakWhole renders an entire turn in one request and plays it out in
// fixed-size frames, so barge-in cancellation still lands between sends.
func (s *Session) speakWhole(ctx context.Context, text string) error {
	pcm, err := s.synthesizeOnce(ctx, text)
	if err != nil {
		return fmt.Errorf("session: synthesize: %w", err)
	}
	ulaw := audio.PCM24kToUlaw8k(pcm)

	for off := 0; off < len(ulaw); off += ulawFrameBytes {
		if ctx.Err() != nil {
			return nil
		}
		end := min(off+ulawFrameBytes, len(ulaw))
		if err := s.cfg.Transport.Send(ctx, telephony.NewMediaMessage(s.streamSID, ulaw[off:end])); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: send audio: %w", err)
		}
		s.ending.NoteAudioActivity()
	}

	if ctx.Err() == nil {
		if err := s.cfg.Transport.Send(ctx, telephony.NewMarkMessage(s.streamSID, "turn-end")); err != nil {
			slog.Warn("session: send mark", "err", err)
		}
	}
	return nil
}

// drainChunks discards the rest of an abandoned completion stream.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
