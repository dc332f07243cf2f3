// Package callend decides when a call has naturally ended. It watches
// goodbye cues from both sides and arms a short grace timer so a "false
// goodbye" (the caller remembering one more thing) never cuts the call off.
package callend

import (
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/observer"
)

// State is the controller's lifecycle state.
type State string

const (
	// StateIdle: watching for goodbye cues from both sides.
	StateIdle State = "idle"

	// StateArmed: both sides said goodbye; the grace timer is running.
	StateArmed State = "armed"

	// StateEnding: the grace timer expired (or an end was forced); the
	// pipeline is shutting the call down.
	StateEnding State = "ending"

	// StateEnded: shutdown complete.
	StateEnded State = "ended"
)

// DefaultGrace is how long the controller waits after the last audio
// activity before ending an armed call.
const DefaultGrace = 3500 * time.Millisecond

// assistantGoodbyeRe detects farewell cues in outgoing assistant text.
var assistantGoodbyeRe = regexp.MustCompile(`(?i)\b(good.?bye|bye.?bye|take care|talk (to )?you (soon|later|tomorrow)|have a (good|lovely|wonderful) (day|night|evening|one)|good night|speak soon)\b`)

// Controller runs the goodbye state machine for one call. Safe for
// concurrent use; the EndRequested callback fires at most once, without the
// controller's lock held.
type Controller struct {
	mu               sync.Mutex
	state            State
	userGoodbye      bool
	assistantGoodbye bool
	timer            *time.Timer

	grace   time.Duration
	endOnce sync.Once
	onEnd   func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithGrace overrides the grace timer duration.
func WithGrace(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// New creates a Controller in the idle state. onEnd is invoked exactly once
// when the call should end.
func New(onEnd func(), opts ...Option) *Controller {
	c := &Controller{
		state: StateIdle,
		grace: DefaultGrace,
		onEnd: onEnd,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ObserveUserGoodbye records the goodbye strength of a user utterance. Only
// a strong goodbye counts toward arming.
func (c *Controller) ObserveUserGoodbye(strength observer.GoodbyeStrength) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strength != observer.GoodbyeStrong {
		return
	}
	c.userGoodbye = true
	c.maybeArmLocked()
}

// ObserveAssistantText scans outgoing assistant text for farewell cues.
func (c *Controller) ObserveAssistantText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !assistantGoodbyeRe.MatchString(text) {
		return
	}
	c.assistantGoodbye = true
	c.maybeArmLocked()
}

// ObserveUserSpeech records that the caller started speaking. During the
// grace window this is a false goodbye: the timer cancels and the state
// returns to idle as if no goodbye had happened.
func (c *Controller) ObserveUserSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateArmed {
		return
	}
	c.stopTimerLocked()
	c.state = StateIdle
	c.userGoodbye = false
	c.assistantGoodbye = false
	slog.Debug("callend: false goodbye, disarmed")
}

// NoteAudioActivity restarts the grace timer while armed; the grace window
// is measured from the last audio activity, not from arming.
func (c *Controller) NoteAudioActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateArmed {
		return
	}
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.grace, c.graceExpired)
}

// ForceEnd ends the call immediately, bypassing the grace window. Used for
// the director's force_end and the hard call cap.
func (c *Controller) ForceEnd() {
	c.mu.Lock()
	if c.state == StateEnding || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = StateEnding
	c.mu.Unlock()
	c.fireEnd()
}

// MarkEnded records that pipeline shutdown completed.
func (c *Controller) MarkEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.state = StateEnded
}

// maybeArmLocked arms the grace timer once both sides have said goodbye.
func (c *Controller) maybeArmLocked() {
	if c.state != StateIdle || !c.userGoodbye || !c.assistantGoodbye {
		return
	}
	c.state = StateArmed
	c.timer = time.AfterFunc(c.grace, c.graceExpired)
	slog.Debug("callend: armed", "grace", c.grace)
}

// graceExpired runs on the timer goroutine.
func (c *Controller) graceExpired() {
	c.mu.Lock()
	if c.state != StateArmed {
		c.mu.Unlock()
		return
	}
	c.state = StateEnding
	c.mu.Unlock()
	c.fireEnd()
}

func (c *Controller) fireEnd() {
	c.endOnce.Do(func() {
		if c.onEnd != nil {
			c.onEnd()
		}
	})
}

// stopTimerLocked stops any pending grace timer. Callers hold c.mu.
func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
