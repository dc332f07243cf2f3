package callend

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/observer"
)

const testGrace = 30 * time.Millisecond

func TestArmsOnlyWhenBothSidesSaidGoodbye(t *testing.T) {
	c := New(nil, WithGrace(testGrace))

	c.ObserveUserGoodbye(observer.GoodbyeStrong)
	if got := c.State(); got != StateIdle {
		t.Fatalf("user goodbye alone armed the controller: %s", got)
	}

	c.ObserveAssistantText("Take care now, goodbye!")
	if got := c.State(); got != StateArmed {
		t.Fatalf("expected armed after both goodbyes, got %s", got)
	}
}

func TestAssistantGoodbyeFirstThenUser(t *testing.T) {
	c := New(nil, WithGrace(testGrace))
	c.ObserveAssistantText("Talk to you soon!")
	c.ObserveUserGoodbye(observer.GoodbyeStrong)
	if got := c.State(); got != StateArmed {
		t.Fatalf("expected armed, got %s", got)
	}
}

func TestWeakGoodbyeDoesNotArm(t *testing.T) {
	c := New(nil, WithGrace(testGrace))
	c.ObserveUserGoodbye(observer.GoodbyeWeak)
	c.ObserveAssistantText("Take care of yourself, goodbye.")
	if got := c.State(); got != StateIdle {
		t.Fatalf("weak goodbye armed the controller: %s", got)
	}
}

func TestGraceTimerRequestsEnd(t *testing.T) {
	var ended atomic.Int32
	c := New(func() { ended.Add(1) }, WithGrace(testGrace))

	c.ObserveUserGoodbye(observer.GoodbyeStrong)
	c.ObserveAssistantText("Goodbye, dear.")

	deadline := time.After(time.Second)
	for c.State() != StateEnding {
		select {
		case <-deadline:
			t.Fatalf("timer never fired, state %s", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := ended.Load(); got != 1 {
		t.Errorf("expected one end callback, got %d", got)
	}
}

func TestUserSpeechDuringGraceDisarms(t *testing.T) {
	var ended atomic.Int32
	c := New(func() { ended.Add(1) }, WithGrace(50*time.Millisecond))

	c.ObserveUserGoodbye(observer.GoodbyeStrong)
	c.ObserveAssistantText("Goodbye now!")
	c.ObserveUserSpeech() // "Oh wait..."

	if got := c.State(); got != StateIdle {
		t.Fatalf("expected idle after false goodbye, got %s", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := ended.Load(); got != 0 {
		t.Errorf("cancelled timer still fired %d times", got)
	}

	// The goodbye memory is cleared too: a lone assistant goodbye afterwards
	// must not re-arm.
	c.ObserveAssistantText("Well, goodbye again!")
	if got := c.State(); got != StateIdle {
		t.Errorf("stale user goodbye survived disarm: %s", got)
	}
}

func TestNoteAudioActivityRestartsGrace(t *testing.T) {
	var ended atomic.Int32
	c := New(func() { ended.Add(1) }, WithGrace(60*time.Millisecond))

	c.ObserveUserGoodbye(observer.GoodbyeStrong)
	c.ObserveAssistantText("Goodbye!")

	// Keep nudging the timer; it must not fire while audio is active.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.NoteAudioActivity()
	}
	if got := ended.Load(); got != 0 {
		t.Fatalf("timer fired during audio activity (%d)", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := ended.Load(); got != 1 {
		t.Errorf("expected end after audio went quiet, got %d", got)
	}
}

func TestForceEndIsImmediateAndIdempotent(t *testing.T) {
	var ended atomic.Int32
	c := New(func() { ended.Add(1) }, WithGrace(testGrace))

	c.ForceEnd()
	c.ForceEnd()

	if got := c.State(); got != StateEnding {
		t.Fatalf("expected ending, got %s", got)
	}
	if got := ended.Load(); got != 1 {
		t.Errorf("expected one end callback, got %d", got)
	}

	c.MarkEnded()
	if got := c.State(); got != StateEnded {
		t.Errorf("expected ended, got %s", got)
	}
}
