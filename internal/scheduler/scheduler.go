// Package scheduler drives outbound reminder calls. A minute-resolution
// polling loop selects due one-shot reminders, recurring reminders whose
// next fire time fell inside the last tick window, and deliveries waiting
// for a retry, then dials each tenant and stages pre-fetched call context
// for the media handler to pick up when the stream opens.
//
// Duplicate-dial protection is layered: a per-process in-flight set, an
// optional cluster-wide advisory lock keyed by reminder ID, and the
// delivery table's uniqueness guard on (reminder_id, scheduled_for).
package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/observe"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

const (
	defaultTick        = time.Minute
	defaultRetryDelay  = 30 * time.Minute
	defaultMaxAttempts = 3

	// dailyPrefetchEvery bounds how often the context cache's morning
	// prefetch is triggered. The prefetch itself no-ops for fresh tenants.
	dailyPrefetchEvery = time.Hour
)

// Dialer places and tears down outbound call legs.
type Dialer interface {
	Dial(ctx context.Context, p twilio.DialParams) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// AdvisoryLocker serializes reminder dispatch across scheduler instances.
// Implementations back onto pg_try_advisory_lock.
type AdvisoryLocker interface {
	// TryAdvisoryLock attempts to take the cluster-wide lock for key.
	// When acquired it returns an unlock func and true; when another
	// instance holds the lock it returns false without blocking.
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// ContextSource is the slice of the context cache the scheduler uses.
type ContextSource interface {
	Get(ctx context.Context, tenantID string) (*contextcache.Entry, error)
	PrefetchDaily(ctx context.Context) error
}

// Config wires a Scheduler.
type Config struct {
	Reminders  store.ReminderStore
	Deliveries store.DeliveryStore
	Tenants    store.TenantStore

	Dialer   Dialer
	Sessions *session.Manager

	// Locks is optional; nil means a single-instance deployment where the
	// in-process guard suffices.
	Locks AdvisoryLocker

	// Context is optional; without it calls start with an empty context
	// entry and the session builds what it can from the store.
	Context ContextSource

	// FromNumber is the E.164 caller ID for outbound dials.
	FromNumber string

	// AnswerURL and StatusCallbackURL are the webhook endpoints handed to
	// the telephony provider on each dial.
	AnswerURL         string
	StatusCallbackURL string

	Tick        time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
	RingTimeout time.Duration

	Logger *slog.Logger
}

// Scheduler is the reminder dispatch loop. Start it once; Stop is
// idempotent.
type Scheduler struct {
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	metrics *observe.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}

	lastDailyPrefetch time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option adjusts a Scheduler at construction.
type Option func(*Scheduler)

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Zero durations and counts in cfg take the
// defaults (60 s tick, 30 min retry delay, 3 attempts).
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "scheduler"),
		now:      time.Now,
		metrics:  observe.DefaultMetrics(),
		inFlight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	prev := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			now := s.now()
			s.runTick(ctx, prev, now)
			prev = now
		}
	}
}

// runTick processes one scheduling window (prev, now].
func (s *Scheduler) runTick(ctx context.Context, prev, now time.Time) {
	s.dispatchOneShot(ctx, now)
	s.dispatchRecurring(ctx, prev, now)
	s.dispatchRetries(ctx, now)

	if s.cfg.Context != nil && now.Sub(s.lastDailyPrefetch) >= dailyPrefetchEvery {
		s.lastDailyPrefetch = now
		if err := s.cfg.Context.PrefetchDaily(ctx); err != nil {
			s.log.Warn("daily prefetch failed", "error", err)
		}
	}
}

func (s *Scheduler) dispatchOneShot(ctx context.Context, now time.Time) {
	due, err := s.cfg.Reminders.DueOneShot(ctx, now)
	if err != nil {
		s.log.Error("query due one-shot reminders", "error", err)
		return
	}
	for i := range due {
		s.dispatch(ctx, &due[i], due[i].ScheduledTime, "")
	}
}

func (s *Scheduler) dispatchRecurring(ctx context.Context, prev, now time.Time) {
	recurring, err := s.cfg.Reminders.ActiveRecurring(ctx)
	if err != nil {
		s.log.Error("query recurring reminders", "error", err)
		return
	}

	// Tenants repeat across reminders; look each up once per tick.
	tenants := make(map[string]*store.Tenant)
	for i := range recurring {
		rem := &recurring[i]
		rule, err := ParseRule(rem.Recurrence)
		if err != nil {
			s.log.Warn("skipping reminder with bad recurrence",
				"reminder_id", rem.ID, "error", err)
			continue
		}

		tenant, ok := tenants[rem.TenantID]
		if !ok {
			tenant, err = s.cfg.Tenants.Tenant(ctx, rem.TenantID)
			if err != nil {
				s.log.Error("load tenant for recurring reminder",
					"reminder_id", rem.ID, "tenant_id", rem.TenantID, "error", err)
				continue
			}
			tenants[rem.TenantID] = tenant
		}

		loc := tenantLocation(tenant)
		fire, due := rule.DueInWindow(prev, now, loc)
		if !due {
			continue
		}
		s.dispatch(ctx, rem, fire, "")
	}
}

func (s *Scheduler) dispatchRetries(ctx context.Context, now time.Time) {
	retries, err := s.cfg.Deliveries.RetryPending(ctx, now, s.cfg.RetryDelay, s.cfg.MaxAttempts)
	if err != nil {
		s.log.Error("query retry-pending deliveries", "error", err)
		return
	}
	for i := range retries {
		d := &retries[i]
		rem, err := s.cfg.Reminders.Reminder(ctx, d.ReminderID)
		if err != nil {
			s.log.Error("load reminder for retry",
				"delivery_id", d.ID, "reminder_id", d.ReminderID, "error", err)
			continue
		}
		s.dispatch(ctx, rem, d.ScheduledFor, d.ID)
	}
}

// dispatch places one call for a reminder occurrence. retryDeliveryID is
// the existing delivery row on a retry, empty on a first attempt.
func (s *Scheduler) dispatch(ctx context.Context, rem *store.Reminder, scheduledFor time.Time, retryDeliveryID string) {
	if !s.claim(rem.ID) {
		return
	}
	defer s.release(rem.ID)

	if s.cfg.Locks != nil {
		unlock, acquired, err := s.cfg.Locks.TryAdvisoryLock(ctx, advisoryKey(rem.ID))
		if err != nil {
			s.log.Error("advisory lock", "reminder_id", rem.ID, "error", err)
			return
		}
		if !acquired {
			return
		}
		defer unlock()
	}

	tenant, err := s.cfg.Tenants.Tenant(ctx, rem.TenantID)
	if err != nil {
		s.log.Error("load tenant", "reminder_id", rem.ID, "tenant_id", rem.TenantID, "error", err)
		return
	}
	if !tenant.Active {
		return
	}

	now := s.now().In(tenantLocation(tenant))
	if inQuietHours(now, tenant.QuietHoursStart, tenant.QuietHoursEnd) {
		s.log.Info("holding reminder for quiet hours",
			"reminder_id", rem.ID, "tenant_id", tenant.ID)
		return
	}

	entry := &contextcache.Entry{}
	if s.cfg.Context != nil {
		if e, err := s.cfg.Context.Get(ctx, tenant.ID); err != nil {
			s.log.Warn("context prefetch failed, dialling anyway",
				"tenant_id", tenant.ID, "error", err)
		} else {
			entry = e
		}
	}

	callSID, err := s.cfg.Dialer.Dial(ctx, twilio.DialParams{
		To:                tenant.Phone,
		From:              s.cfg.FromNumber,
		AnswerURL:         s.cfg.AnswerURL,
		StatusCallbackURL: s.cfg.StatusCallbackURL,
		RingTimeout:       s.cfg.RingTimeout,
	})
	if err != nil {
		s.log.Error("dial failed", "reminder_id", rem.ID, "tenant_id", tenant.ID, "error", err)
		s.metrics.RecordReminderDial(ctx, "failed")
		return
	}

	deliveryID := retryDeliveryID
	if retryDeliveryID != "" {
		if err := s.cfg.Deliveries.IncrementAttempt(ctx, retryDeliveryID, callSID); err != nil {
			s.log.Error("record retry attempt", "delivery_id", retryDeliveryID, "error", err)
		}
	} else {
		deliveryID, err = s.cfg.Deliveries.CreateDelivery(ctx, store.Delivery{
			ReminderID:   rem.ID,
			ScheduledFor: scheduledFor,
			Status:       store.DeliveryPending,
			AttemptCount: 1,
			CallSID:      callSID,
		})
		if errors.Is(err, store.ErrDuplicateDelivery) {
			// Another instance won the race after our lock check; this
			// leg is redundant.
			s.log.Warn("duplicate delivery, hanging up", "reminder_id", rem.ID, "call_sid", callSID)
			s.metrics.RecordReminderDial(ctx, "duplicate")
			if err := s.cfg.Dialer.Hangup(ctx, callSID); err != nil {
				s.log.Error("hang up duplicate leg", "call_sid", callSID, "error", err)
			}
			return
		}
		if err != nil {
			s.log.Error("create delivery", "reminder_id", rem.ID, "error", err)
			return
		}
	}

	if err := s.cfg.Reminders.TouchDelivered(ctx, rem.ID, s.now()); err != nil {
		s.log.Warn("touch reminder", "reminder_id", rem.ID, "error", err)
	}

	if s.cfg.Sessions != nil {
		s.cfg.Sessions.AttachPrefetch(callSID, session.PrefetchedCall{
			Tenant:     tenant,
			Entry:      entry,
			Reminder:   rem,
			DeliveryID: deliveryID,
			Pending:    s.otherPending(ctx, tenant.ID, rem.ID),
		})
	}

	s.metrics.RecordReminderDial(ctx, "placed")
	s.log.Info("reminder call placed",
		"reminder_id", rem.ID, "tenant_id", tenant.ID,
		"call_sid", callSID, "delivery_id", deliveryID)
}

// otherPending collects the tenant's other undelivered reminders so the
// call can weave them into conversation.
func (s *Scheduler) otherPending(ctx context.Context, tenantID, excludeReminderID string) []store.Reminder {
	deliveries, err := s.cfg.Deliveries.UndeliveredForTenant(ctx, tenantID)
	if err != nil {
		s.log.Warn("list undelivered reminders", "tenant_id", tenantID, "error", err)
		return nil
	}
	var pending []store.Reminder
	for _, d := range deliveries {
		if d.ReminderID == excludeReminderID {
			continue
		}
		rem, err := s.cfg.Reminders.Reminder(ctx, d.ReminderID)
		if err != nil {
			continue
		}
		pending = append(pending, *rem)
	}
	return pending
}

func (s *Scheduler) claim(reminderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[reminderID]; busy {
		return false
	}
	s.inFlight[reminderID] = struct{}{}
	return true
}

func (s *Scheduler) release(reminderID string) {
	s.mu.Lock()
	delete(s.inFlight, reminderID)
	s.mu.Unlock()
}

// advisoryKey folds a reminder ID into the 64-bit keyspace Postgres
// advisory locks use.
func advisoryKey(reminderID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(reminderID))
	return int64(h.Sum64())
}

func tenantLocation(t *store.Tenant) *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// inQuietHours reports whether local falls inside the tenant's no-call
// window. The window may wrap midnight. Malformed or absent bounds
// disable it.
func inQuietHours(local time.Time, start, end string) bool {
	sh, sm, err := parseClock(start)
	if err != nil {
		return false
	}
	eh, em, err := parseClock(end)
	if err != nil {
		return false
	}
	startMin, endMin := sh*60+sm, eh*60+em
	if startMin == endMin {
		return false
	}
	cur := local.Hour()*60 + local.Minute()
	if startMin < endMin {
		return cur >= startMin && cur < endMin
	}
	return cur >= startMin || cur < endMin
}
