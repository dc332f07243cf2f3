// Package convo holds the per-call conversation state that sits downstream
// of the LLM stream: a [Tracker] that accumulates what has already been
// discussed so the prompt can steer away from repetition, and a [Stripper]
// that removes steering markup from streamed text before it reaches TTS.
package convo

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	maxTopics    = 10
	maxQuestions = 8
	maxAdvice    = 8

	// topicDedupPrefix is the case-insensitive prefix length used to detect
	// near-duplicate topics.
	topicDedupPrefix = 50
)

// adviceRe matches assistant sentences that hand out advice.
var adviceRe = regexp.MustCompile(`(?i)\byou should|\btry to|\bremember to|\bmake sure\b`)

// Turn is one utterance in the call transcript.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the utterance text.
	Content string

	// At is when the turn was recorded.
	At time.Time
}

// Tracker accumulates per-call conversation state. Topics, questions, and
// advice are bounded; the transcript is not. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	topics     []string
	questions  []string
	advice     []string
	transcript []Turn
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// AddUser records a finalized user utterance in the transcript.
func (t *Tracker) AddUser(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transcript = append(t.transcript, Turn{Role: "user", Content: content, At: time.Now()})
}

// AddAssistant records assistant text in the transcript and mines it for
// questions asked and advice given. Call it only with text that was actually
// spoken; aborted turns must not pollute the repetition state.
func (t *Tracker) AddAssistant(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transcript = append(t.transcript, Turn{Role: "assistant", Content: content, At: time.Now()})

	for _, sentence := range splitSentences(content) {
		if strings.HasSuffix(sentence, "?") {
			t.questions = appendBounded(t.questions, sentence, maxQuestions)
		}
		if adviceRe.MatchString(sentence) {
			t.advice = appendBounded(t.advice, sentence, maxAdvice)
		}
	}
}

// AddTopic records a discussed topic, deduplicated by case-insensitive
// prefix. Oldest topics fall off past the cap.
func (t *Tracker) AddTopic(topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := topicKey(topic)
	for _, existing := range t.topics {
		if topicKey(existing) == key {
			return
		}
	}
	t.topics = appendBounded(t.topics, topic, maxTopics)
}

// Transcript returns a copy of the full transcript so far.
func (t *Tracker) Transcript() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.transcript))
	copy(out, t.transcript)
	return out
}

// Topics returns a copy of the topics discussed so far.
func (t *Tracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.topics))
	copy(out, t.topics)
	return out
}

// Advice returns a copy of the advice sentences given so far.
func (t *Tracker) Advice() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.advice))
	copy(out, t.advice)
	return out
}

// Summary formats the anti-repetition block for the system prompt. Returns
// an empty string when nothing has been tracked yet.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parts []string
	if len(t.topics) > 0 {
		parts = append(parts, "topics="+strings.Join(t.topics, " | "))
	}
	if len(t.questions) > 0 {
		parts = append(parts, "questions="+strings.Join(t.questions, " | "))
	}
	if len(t.advice) > 0 {
		parts = append(parts, "advice="+strings.Join(t.advice, " | "))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("CONVERSATION SO FAR THIS CALL (avoid repeating): %s", strings.Join(parts, "; "))
}

// appendBounded appends v and drops the oldest entry past the limit.
func appendBounded(s []string, v string, limit int) []string {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

// topicKey is the dedup key: lowercased prefix of topicDedupPrefix bytes.
func topicKey(topic string) string {
	k := strings.ToLower(topic)
	if len(k) > topicDedupPrefix {
		k = k[:topicDedupPrefix]
	}
	return k
}

// splitSentences breaks text on sentence-final punctuation, keeping the
// punctuation attached.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '?' || r == '!' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
