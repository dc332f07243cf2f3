// Package transcript recovers entity names that speech recognition garbles.
//
// Elderly voices and medication names are a hard pairing for STT:
// "Metformin" comes back as "met forming", "Eliquis" as "a liquors". The
// matcher aligns spoken fragments with the call's known reminder titles in
// two stages: Double Metaphone codes filter phonetic candidates, then
// Jaro-Winkler similarity ranks them. When no candidate shares a phonetic
// code, a stricter pure-similarity pass catches plain misspellings.
//
// Multi-word titles are handled by comparing token pairs and space-stripped
// concatenations, so a title split or fused by the recognizer still scores.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// defaultPhoneticThreshold is the minimum similarity for a title that
	// already shares a phonetic code with the spoken text.
	defaultPhoneticThreshold = 0.70

	// defaultFuzzyThreshold is the stricter bar for titles with no
	// phonetic overlap.
	defaultFuzzyThreshold = 0.85
)

// Option configures a Matcher.
type Option func(*Matcher)

// WithPhoneticThreshold overrides the similarity bar for phonetic candidates.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold overrides the similarity bar for the no-phonetic-overlap
// fallback.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher recovers known titles from garbled speech. Read-only after
// construction, safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher creates a Matcher with the default thresholds.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the title most phonetically similar to spoken. ok is false
// when nothing clears its threshold; the caller keeps the original text.
func (m *Matcher) Match(spoken string, titles []string) (title string, confidence float64, ok bool) {
	spoken = strings.ToLower(strings.TrimSpace(spoken))
	if spoken == "" || len(titles) == 0 {
		return "", 0, false
	}
	spokenTokens := strings.Fields(spoken)
	spokenCodes := metaphoneCodes(spokenTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range titles {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		score := similarity(spoken, spokenTokens, lower, tokens)
		phonetic := codesOverlap(spokenCodes, metaphoneCodes(tokens))

		switch {
		case phonetic && score >= m.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = t, score, true
			}
		case !phonetic && !bestPhonetic && score >= m.fuzzyThreshold:
			if score > bestScore {
				best, bestScore = t, score
			}
		}
	}

	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// Recover scans a whole utterance for the best-matching title, sliding an
// n-gram window sized to the longest title across the tokens. Use it when
// the title may be buried in surrounding speech ("I already took my met
// forming this morning").
func (m *Matcher) Recover(utterance string, titles []string) (title string, confidence float64, ok bool) {
	tokens := strings.Fields(utterance)
	if len(tokens) == 0 || len(titles) == 0 {
		return "", 0, false
	}
	maxWindow := 1
	for _, t := range titles {
		if n := len(strings.Fields(t)); n > maxWindow {
			maxWindow = n
		}
	}
	// One extra token absorbs split recognitions of single-word titles.
	maxWindow++

	var best string
	var bestScore float64
	for i := range tokens {
		for n := 1; n <= maxWindow && i+n <= len(tokens); n++ {
			window := strings.Join(tokens[i:i+n], " ")
			if t, score, ok := m.Match(window, titles); ok && score > bestScore {
				best, bestScore = t, score
			}
		}
	}

	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// metaphoneCodes returns the union of Double Metaphone codes over tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score across three views of the pair:
// the full strings, the space-stripped strings, and the best token pair.
// The stripped view catches "met forming" vs "metformin"; the token view
// catches a title word inside a longer phrase.
func similarity(spoken string, spokenTokens []string, title string, titleTokens []string) float64 {
	score := matchr.JaroWinkler(spoken, title, false)

	if len(spokenTokens) > 1 || len(titleTokens) > 1 {
		fused := matchr.JaroWinkler(
			strings.Join(spokenTokens, ""), strings.Join(titleTokens, ""), false)
		if fused > score {
			score = fused
		}
	}

	for _, st := range spokenTokens {
		for _, tt := range titleTokens {
			if s := matchr.JaroWinkler(st, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
