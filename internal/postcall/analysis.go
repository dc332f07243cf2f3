package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/provider/llm"
)

const analysisPrompt = `You review transcripts of companion check-in calls with elderly people and produce a structured wellbeing report for their caregivers.

Respond with a single JSON object, nothing else:
{
  "summary": "2-3 sentences describing the call",
  "topics": ["topic", ...],
  "engagement_score": 1-10,
  "concerns": [{"type": "health|cognitive|emotional|safety", "severity": "low|medium|high", "description": "...", "recommendation": "..."}],
  "positive_observations": ["...", ...],
  "follow_up_suggestions": ["...", ...],
  "call_quality": "good|fair|strained",
  "sentiment": "positive|neutral|negative"
}

Only report concerns with clear evidence in the transcript. An ordinary chat with no worries has an empty concerns array.`

// analysisPayload mirrors the JSON object the analysis model returns.
type analysisPayload struct {
	Summary              string          `json:"summary"`
	Topics               []string        `json:"topics"`
	EngagementScore      int             `json:"engagement_score"`
	Concerns             []store.Concern `json:"concerns"`
	PositiveObservations []string        `json:"positive_observations"`
	FollowUpSuggestions  []string        `json:"follow_up_suggestions"`
	CallQuality          string          `json:"call_quality"`
	Sentiment            string          `json:"sentiment"`
}

// analyze produces the call analysis and the conversation sentiment. It
// never fails: any model or parse problem degrades to the fallback record.
func (p *Processor) analyze(ctx context.Context, report session.CallReport) (store.CallAnalysis, string) {
	if p.cfg.Analysis == nil || len(report.Transcript) == 0 {
		return fallbackAnalysis(report), "unknown"
	}

	var sb strings.Builder
	for _, t := range report.Transcript {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}
	input := sb.String()
	if tenant, err := p.cfg.Tenants.Tenant(ctx, report.TenantID); err == nil {
		header := "Person: " + tenant.Name
		if tenant.MedicalNotes != "" {
			header += "\nKnown health context: " + tenant.MedicalNotes
		}
		input = header + "\n\nTranscript:\n" + input
	}

	resp, err := p.cfg.Analysis.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisPrompt,
		Messages:     []llm.Message{{Role: "user", Content: input}},
		Temperature:  0.2,
	})
	if err != nil {
		p.log.Warn("analysis completion failed, using fallback",
			"conversation_id", report.ConversationID, "error", err)
		return fallbackAnalysis(report), "unknown"
	}

	payload, err := parseAnalysis(resp.Content)
	if err != nil {
		p.log.Warn("analysis output malformed, using fallback",
			"conversation_id", report.ConversationID, "error", err)
		return fallbackAnalysis(report), "unknown"
	}

	analysis := store.CallAnalysis{
		ConversationID:       report.ConversationID,
		TenantID:             report.TenantID,
		Summary:              strings.TrimSpace(payload.Summary),
		Topics:               payload.Topics,
		EngagementScore:      clampScore(payload.EngagementScore),
		Concerns:             validConcerns(payload.Concerns),
		PositiveObservations: payload.PositiveObservations,
		FollowUpSuggestions:  payload.FollowUpSuggestions,
		CallQuality:          payload.CallQuality,
	}
	if analysis.Summary == "" {
		analysis.Summary = "Analysis unavailable"
	}
	if analysis.CallQuality == "" {
		analysis.CallQuality = "unknown"
	}
	sentiment := payload.Sentiment
	if sentiment == "" {
		sentiment = "neutral"
	}
	return analysis, sentiment
}

// fallbackAnalysis is the record persisted when analysis cannot run.
func fallbackAnalysis(report session.CallReport) store.CallAnalysis {
	return store.CallAnalysis{
		ConversationID:  report.ConversationID,
		TenantID:        report.TenantID,
		Summary:         "Analysis unavailable",
		Topics:          report.Topics,
		EngagementScore: 5,
		CallQuality:     "unknown",
	}
}

// parseAnalysis finds the JSON object in the model output, tolerating prose
// or code fences around it.
func parseAnalysis(content string) (analysisPayload, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return analysisPayload{}, fmt.Errorf("no JSON object in output")
	}
	var payload analysisPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return analysisPayload{}, err
	}
	return payload, nil
}

// validConcerns drops concerns whose type or severity is outside the
// schema, keeping the rest.
func validConcerns(concerns []store.Concern) []store.Concern {
	var out []store.Concern
	for _, c := range concerns {
		switch c.Type {
		case store.ConcernHealth, store.ConcernCognitive, store.ConcernEmotional, store.ConcernSafety:
		default:
			continue
		}
		switch c.Severity {
		case store.SeverityLow, store.SeverityMedium, store.SeverityHigh:
		default:
			continue
		}
		if strings.TrimSpace(c.Description) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// clampScore bounds an engagement score to the 1-10 scale, mapping absent
// or absurd values to the midpoint.
func clampScore(score int) int {
	if score < 1 || score > 10 {
		return 5
	}
	return score
}

// normalizeKey is the case-insensitive dedup key used when merging topic
// lists.
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
