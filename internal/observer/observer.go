// Package observer implements the synchronous first-pass analyzer that runs
// over every finalized user utterance before the LLM turn. It is pure regex
// over the utterance text and adds no latency worth measuring; the slower
// model-based second pass lives in internal/director.
//
// The analyzer produces categorized signals, an engagement and goodbye read,
// a reminder-acknowledgment read, a composed guidance string for the next
// LLM call, and a response-length recommendation.
package observer

import (
	"fmt"
	"strings"
)

const (
	// minTokens and maxTokens bound the response-length recommendation.
	minTokens = 60
	maxTokens = 250

	// shortUtteranceChars is the length under which an utterance counts as
	// short for the engagement fallback rule.
	shortUtteranceChars = 20
)

// Observer analyzes user utterances. Stateless; safe for concurrent use.
type Observer struct{}

// New creates an Observer.
func New() *Observer {
	return &Observer{}
}

// Analyze inspects one user utterance together with the last few utterances
// (oldest first, current utterance excluded) and returns the full analysis.
// An empty utterance yields a neutral analysis with no guidance.
func (o *Observer) Analyze(utterance string, recent []string) Analysis {
	a := Analysis{
		Signals:     map[Category][]Signal{},
		Engagement:  EngagementNormal,
		Goodbye:     GoodbyeNone,
		ReminderAck: AckResult{Status: AckNone},
	}

	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		a.Recommendation = Recommendation{MaxTokens: 150, Reason: "default"}
		return a
	}

	for category, patterns := range signalPatterns {
		for _, p := range patterns {
			if p.re.MatchString(trimmed) {
				a.Signals[category] = append(a.Signals[category], p.signal)
			}
		}
	}

	// An interrogative opener only counts when the STT final isn't clearly a
	// statement; finals often arrive without punctuation at all.
	a.IsQuestion = strings.HasSuffix(trimmed, "?") ||
		(questionStartRe.MatchString(trimmed) && !strings.HasSuffix(trimmed, ".") && len(trimmed) < 80)
	a.Engagement = engagementOf(trimmed, recent)
	a.Goodbye = goodbyeOf(trimmed)
	a.NeedsWebSearch = webSearchRe.MatchString(trimmed)
	a.ReminderAck = DetectAcknowledgment(trimmed)
	if a.ReminderAck.Status != AckNone {
		a.Signals[CategoryReminderAck] = append(a.Signals[CategoryReminderAck],
			Signal{Name: string(a.ReminderAck.Status)})
	}

	a.Guidance = composeGuidance(a)
	a.Recommendation = recommend(a)
	return a
}

// DetectAcknowledgment grades an utterance as a reminder acknowledgment.
// Past-tense completion reads as confirmed, a commitment as acknowledged;
// hedged commitments score lower.
func DetectAcknowledgment(utterance string) AckResult {
	switch {
	case ackConfirmedRe.MatchString(utterance):
		return AckResult{Status: AckConfirmed, Confidence: 0.8}
	case ackDirectRe.MatchString(utterance):
		return AckResult{Status: AckAcknowledged, Confidence: 0.8}
	case ackHedgedRe.MatchString(utterance):
		return AckResult{Status: AckAcknowledged, Confidence: 0.6}
	}
	return AckResult{Status: AckNone}
}

// engagementOf grades engagement from the utterance and the short-answer
// history rule: two of the last three utterances under 20 characters force
// low regardless of content.
func engagementOf(utterance string, recent []string) Engagement {
	window := append([]string{}, recent...)
	window = append(window, utterance)
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	short := 0
	for _, u := range window {
		if len(strings.TrimSpace(u)) < shortUtteranceChars {
			short++
		}
	}
	if short >= 2 {
		return EngagementLow
	}

	if lowEngagementRe.MatchString(utterance) {
		return EngagementLow
	}
	if highEngagementRe.MatchString(utterance) {
		return EngagementHigh
	}
	return EngagementNormal
}

// goodbyeOf grades farewell cues. Strong cues win over weak ones.
func goodbyeOf(utterance string) GoodbyeStrength {
	if strongGoodbyeRe.MatchString(utterance) {
		return GoodbyeStrong
	}
	if weakGoodbyeRe.MatchString(utterance) {
		return GoodbyeWeak
	}
	return GoodbyeNone
}

// composeGuidance assembles the steering text from the highest-priority
// signal in each category, in fixed priority order, then question and
// engagement cues.
func composeGuidance(a Analysis) string {
	var lines []string
	for _, category := range guidancePriority {
		signals := a.Signals[category]
		if len(signals) == 0 {
			continue
		}
		if line := guidanceLine(category, signals[0]); line != "" {
			lines = append(lines, line)
		}
	}
	if a.IsQuestion {
		lines = append(lines, "They asked a question. Answer it directly before anything else.")
	}
	if a.Engagement == EngagementLow {
		lines = append(lines, "They are giving short answers. Ask an easier, more concrete question or gently change the subject.")
	}
	return strings.Join(lines, " ")
}

// guidanceLine templates one guidance sentence for a category's top signal.
func guidanceLine(category Category, s Signal) string {
	switch category {
	case CategorySafety:
		return fmt.Sprintf("They mentioned a possible safety issue (%s). Address it calmly and directly before anything else.", s.Name)
	case CategoryHealth:
		if s.Severity == SeverityHigh {
			return fmt.Sprintf("They mentioned a serious health issue (%s). Acknowledge it with care and find out more.", s.Name)
		}
		return fmt.Sprintf("They mentioned their health (%s). Acknowledge it warmly and ask a gentle follow-up.", s.Name)
	case CategoryEmotion:
		if s.Valence == ValenceNegative {
			return fmt.Sprintf("They sound %s. Validate the feeling before moving the conversation on.", s.Name)
		}
		return "They sound upbeat. Match their energy."
	case CategoryFamily:
		return fmt.Sprintf("They brought up family (%s). Show interest and ask about them by name if you know it.", s.Name)
	case CategoryActivity:
		return fmt.Sprintf("They mentioned an activity (%s). Encourage it with a specific question.", s.Name)
	case CategoryMemory:
		return "They are reminiscing. Let them tell the story and ask one inviting detail."
	}
	return ""
}

// recommend picks the response budget. First matching row wins.
func recommend(a Analysis) Recommendation {
	var r Recommendation
	switch {
	case a.HasSignal(CategorySafety, SeverityHigh):
		r = Recommendation{200, "safety_concern"}
	case a.HasSignal(CategoryHealth, SeverityHigh):
		r = Recommendation{180, "health_safety"}
	case a.HasSignal(CategoryHealth, SeverityMedium):
		r = Recommendation{150, "health_mention"}
	case a.hasEmotion(IntensityHigh):
		r = Recommendation{180, "emotional_support"}
	case a.hasEmotion(IntensityMedium):
		r = Recommendation{150, "emotional_support"}
	case a.Engagement == EngagementLow:
		r = Recommendation{130, "low_engagement"}
	case a.HasSignal(CategoryMemory, ""):
		r = Recommendation{120, "memory_sharing"}
	case a.Engagement == EngagementHigh:
		r = Recommendation{100, "high_engagement"}
	case a.IsQuestion:
		r = Recommendation{80, "simple_question"}
	case a.HasSignal(CategoryFamily, ""):
		r = Recommendation{100, "family_warmth"}
	default:
		r = Recommendation{150, "default"}
	}
	if r.MaxTokens < minTokens {
		r.MaxTokens = minTokens
	}
	if r.MaxTokens > maxTokens {
		r.MaxTokens = maxTokens
	}
	return r
}
