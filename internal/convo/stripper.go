package convo

import "strings"

const (
	guidanceOpen  = "<guidance>"
	guidanceClose = "</guidance>"

	// maxBracketSpan bounds how long a pending "[" is held before it is
	// treated as literal text rather than an unclosed marker.
	maxBracketSpan = 64
)

// Stripper removes steering markup from streamed LLM text before it is
// spoken: <guidance>…</guidance> spans (which may cross chunk boundaries)
// and short top-level [BRACKETED] markers. It holds back the smallest
// ambiguous tail so no clean text is delayed longer than necessary.
//
// Not safe for concurrent use; each turn owns its own Stripper.
type Stripper struct {
	pending    string
	inGuidance bool
}

// NewStripper creates a Stripper in its initial state.
func NewStripper() *Stripper {
	return &Stripper{}
}

// Feed pushes one streamed chunk through the filter and returns the clean
// text that can be forwarded. The returned text may be empty while the
// stripper is inside a span or holding an ambiguous tail.
func (s *Stripper) Feed(chunk string) string {
	s.pending += chunk
	var out strings.Builder

	for {
		if s.inGuidance {
			if idx := strings.Index(s.pending, guidanceClose); idx >= 0 {
				s.pending = s.pending[idx+len(guidanceClose):]
				s.inGuidance = false
				continue
			}
			// Keep only what could still be a split closing tag.
			if keep := len(guidanceClose) - 1; len(s.pending) > keep {
				s.pending = s.pending[len(s.pending)-keep:]
			}
			break
		}

		idx := strings.IndexAny(s.pending, "<[")
		if idx < 0 {
			out.WriteString(s.pending)
			s.pending = ""
			break
		}

		rest := s.pending[idx:]
		if rest[0] == '<' {
			switch {
			case strings.HasPrefix(rest, guidanceOpen):
				out.WriteString(s.pending[:idx])
				s.pending = rest[len(guidanceOpen):]
				s.inGuidance = true
			case strings.HasPrefix(guidanceOpen, rest):
				// Possible split opening tag; hold it back.
				out.WriteString(s.pending[:idx])
				s.pending = rest
				return out.String()
			default:
				out.WriteString(s.pending[:idx+1])
				s.pending = s.pending[idx+1:]
			}
			continue
		}

		// '[': drop a complete short marker, hold an incomplete one, or give
		// up on anything too long to be a marker.
		if end := strings.IndexByte(rest, ']'); end >= 0 {
			out.WriteString(s.pending[:idx])
			s.pending = rest[end+1:]
			continue
		}
		if len(rest) <= maxBracketSpan {
			out.WriteString(s.pending[:idx])
			s.pending = rest
			return out.String()
		}
		out.WriteString(s.pending[:idx+1])
		s.pending = s.pending[idx+1:]
	}

	return out.String()
}

// Flush returns any held-back text at end of stream and resets the stripper.
// An unterminated guidance span is dropped; an unclosed bracket or partial
// tag is returned literally.
func (s *Stripper) Flush() string {
	out := s.pending
	if s.inGuidance {
		out = ""
	}
	s.pending = ""
	s.inGuidance = false
	return out
}
