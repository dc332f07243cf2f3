package contextcache

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/dmdzco/donna2/internal/store"
)

// recentInterestWindow bounds how far back a memory mention counts toward
// interest weighting.
const recentInterestWindow = 7 * 24 * time.Hour

// recentMentionWeight is the selection weight for interests mentioned in
// recent memories; unmentioned interests weigh 1.
const recentMentionWeight = 3

// Greeting templates keyed by time of day. {name} and {interest} are filled
// at selection time; templates using {interest} are skipped when no interest
// is available.
var (
	morningGreetings = []string{
		"Good morning, {name}! How did you sleep?",
		"Morning, {name}! Have you had your breakfast yet?",
		"Good morning, {name}! I was just thinking about {interest} and wanted to hear how you're doing.",
	}
	afternoonGreetings = []string{
		"Good afternoon, {name}! How's your day going so far?",
		"Hi {name}! I hope you're having a nice afternoon. What have you been up to?",
		"Afternoon, {name}! Been doing anything with {interest} lately?",
	}
	eveningGreetings = []string{
		"Good evening, {name}! How was your day?",
		"Evening, {name}! I wanted to check in before the day winds down.",
		"Good evening, {name}! Did you get any time for {interest} today?",
	}
)

// greetingsFor picks the template set for the tenant's local hour.
func greetingsFor(local time.Time) []string {
	switch h := local.Hour(); {
	case h < 12:
		return morningGreetings
	case h < 17:
		return afternoonGreetings
	default:
		return eveningGreetings
	}
}

// rotateGreeting picks a greeting template different from the last one used
// for this tenant and fills in the name and interest.
func (c *Cache) rotateGreeting(tenant *store.Tenant, now time.Time, interest string) string {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	templates := greetingsFor(now.In(loc))

	// Drop interest templates when there is nothing to fill them with.
	candidates := make([]string, 0, len(templates))
	for _, t := range templates {
		if interest == "" && strings.Contains(t, "{interest}") {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		candidates = []string{"Hello, {name}! How are you today?"}
	}

	c.mu.Lock()
	idx := rand.IntN(len(candidates))
	if last, ok := c.lastGreeting[tenant.ID]; ok && len(candidates) > 1 && idx == last {
		idx = (idx + 1) % len(candidates)
	}
	c.lastGreeting[tenant.ID] = idx
	c.mu.Unlock()

	g := strings.ReplaceAll(candidates[idx], "{name}", tenant.Name)
	return strings.ReplaceAll(g, "{interest}", interest)
}

// pickInterest selects one of the tenant's interests by weighted random:
// interests mentioned in memories from the last week are three times as
// likely to come up.
func (c *Cache) pickInterest(ctx context.Context, tenant *store.Tenant, now time.Time) string {
	if len(tenant.Interests) == 0 {
		return ""
	}

	var recent []string
	if c.deps.Memory != nil {
		if contents, err := c.deps.Memory.RecentContents(ctx, tenant.ID, now.Add(-recentInterestWindow)); err == nil {
			recent = contents
		}
	}

	weights := make([]int, len(tenant.Interests))
	total := 0
	for i, interest := range tenant.Interests {
		weights[i] = 1
		if mentionedIn(interest, recent) {
			weights[i] = recentMentionWeight
		}
		total += weights[i]
	}

	r := rand.IntN(total)
	for i, w := range weights {
		if r < w {
			return tenant.Interests[i]
		}
		r -= w
	}
	return tenant.Interests[len(tenant.Interests)-1]
}

// mentionedIn reports whether the interest appears in any of the texts,
// case-insensitively.
func mentionedIn(interest string, texts []string) bool {
	needle := strings.ToLower(interest)
	for _, t := range texts {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}
