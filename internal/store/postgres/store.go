package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/dmdzco/donna2/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [store.Store]. All
// methods are safe for concurrent use; the underlying pgxpool handles
// connection management.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgx connection pool for dsn with pgvector types
// registered on every connection, and verifies connectivity with a ping.
// The pool is shared between this store and the semantic memory store.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// NewStore creates a Store over an existing pool and runs [Migrate].
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks and advisory locks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// ─── Tenants ─────────────────────────────────────────────────────────────────

const tenantColumns = `id, name, phone, timezone, interests, family_info,
	medical_notes, quiet_hours_start, quiet_hours_end, active, created_at, updated_at`

func scanTenant(row pgx.Row) (*store.Tenant, error) {
	var t store.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Phone, &t.Timezone, &t.Interests,
		&t.FamilyInfo, &t.MedicalNotes, &t.QuietHoursStart, &t.QuietHoursEnd,
		&t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan tenant: %w", err)
	}
	return &t, nil
}

// Tenant implements [store.TenantStore].
func (s *Store) Tenant(ctx context.Context, id string) (*store.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// TenantByPhone implements [store.TenantStore].
func (s *Store) TenantByPhone(ctx context.Context, phone string) (*store.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE phone = $1`, phone)
	return scanTenant(row)
}

// ActiveTenants implements [store.TenantStore].
func (s *Store) ActiveTenants(ctx context.Context) ([]store.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active tenants: %w", err)
	}
	defer rows.Close()

	tenants := []store.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// ─── Conversations ───────────────────────────────────────────────────────────

// CreateConversation implements [store.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context, tenantID, callSID string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, call_sid, status)
		VALUES ($1, $2, $3, 'in_progress')`,
		id, tenantID, callSID)
	if err != nil {
		return "", fmt.Errorf("postgres: create conversation: %w", err)
	}
	return id, nil
}

func scanConversation(row pgx.Row) (*store.Conversation, error) {
	var (
		c          store.Conversation
		endedAt    *time.Time
		transcript []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.CallSID, &c.StartedAt, &endedAt,
		&c.DurationSeconds, &c.Status, &transcript, &c.Summary, &c.Sentiment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conversation: %w", err)
	}
	if endedAt != nil {
		c.EndedAt = *endedAt
	}
	if err := json.Unmarshal(transcript, &c.Transcript); err != nil {
		return nil, fmt.Errorf("postgres: decode transcript: %w", err)
	}
	return &c, nil
}

const conversationColumns = `id, tenant_id, call_sid, started_at, ended_at,
	duration_seconds, status, transcript, summary, sentiment`

// Conversation implements [store.ConversationStore].
func (s *Store) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// ConversationByCallSID implements [store.ConversationStore].
func (s *Store) ConversationByCallSID(ctx context.Context, callSID string) (*store.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE call_sid = $1 ORDER BY started_at DESC LIMIT 1`, callSID)
	return scanConversation(row)
}

// UpdateTranscript implements [store.ConversationStore].
func (s *Store) UpdateTranscript(ctx context.Context, id string, transcript []store.TranscriptTurn) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("postgres: encode transcript: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE conversations SET transcript = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("postgres: update transcript: %w", err)
	}
	return nil
}

// CompleteConversation implements [store.ConversationStore]. The WHERE guard
// keeps status transitions monotonic: a terminal row is never rewritten.
func (s *Store) CompleteConversation(ctx context.Context, id string, status store.ConversationStatus, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2,
		    ended_at = $3,
		    duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at))::int)
		WHERE id = $1 AND status = 'in_progress'`,
		id, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("postgres: complete conversation: %w", err)
	}
	return nil
}

// SetSummary implements [store.ConversationStore].
func (s *Store) SetSummary(ctx context.Context, id, summary, sentiment string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET summary = $2, sentiment = $3 WHERE id = $1`,
		id, summary, sentiment)
	if err != nil {
		return fmt.Errorf("postgres: set summary: %w", err)
	}
	return nil
}

// RecentSummaries implements [store.ConversationStore].
func (s *Store) RecentSummaries(ctx context.Context, tenantID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT summary FROM conversations
		WHERE tenant_id = $1 AND status = 'completed' AND summary <> ''
		ORDER BY started_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent summaries: %w", err)
	}
	defer rows.Close()

	summaries := []string{}
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// ─── Reminders ───────────────────────────────────────────────────────────────

const reminderColumns = `id, tenant_id, type, title, description,
	scheduled_time, recurrence, active, last_delivered_at`

func scanReminder(row pgx.Row) (*store.Reminder, error) {
	var (
		r             store.Reminder
		scheduledTime *time.Time
		lastDelivered *time.Time
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Type, &r.Title, &r.Description,
		&scheduledTime, &r.Recurrence, &r.Active, &lastDelivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reminder: %w", err)
	}
	if scheduledTime != nil {
		r.ScheduledTime = *scheduledTime
	}
	if lastDelivered != nil {
		r.LastDeliveredAt = *lastDelivered
	}
	return &r, nil
}

func collectReminders(rows pgx.Rows) ([]store.Reminder, error) {
	defer rows.Close()
	reminders := []store.Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

// Reminder implements [store.ReminderStore].
func (s *Store) Reminder(ctx context.Context, id string) (*store.Reminder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	return scanReminder(row)
}

// DueOneShot implements [store.ReminderStore]. A one-shot reminder is due
// when its time has passed and no delivery has ever been created for it; a
// reminder with an existing delivery continues through the retry path.
func (s *Store) DueOneShot(ctx context.Context, now time.Time) ([]store.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reminderColumns+` FROM reminders r
		WHERE r.active
		  AND r.scheduled_time IS NOT NULL
		  AND r.scheduled_time <= $1
		  AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.reminder_id = r.id)`,
		now)
	if err != nil {
		return nil, fmt.Errorf("postgres: due one-shot: %w", err)
	}
	return collectReminders(rows)
}

// ActiveRecurring implements [store.ReminderStore].
func (s *Store) ActiveRecurring(ctx context.Context) ([]store.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE active AND recurrence <> ''`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active recurring: %w", err)
	}
	return collectReminders(rows)
}

// TouchDelivered implements [store.ReminderStore].
func (s *Store) TouchDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE reminders SET last_delivered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: touch delivered: %w", err)
	}
	return nil
}

// ─── Deliveries ──────────────────────────────────────────────────────────────

const deliveryColumns = `id, reminder_id, scheduled_for, delivered_at,
	acknowledged_at, status, attempt_count, call_sid, user_response`

func scanDelivery(row pgx.Row) (*store.Delivery, error) {
	var (
		d              store.Delivery
		deliveredAt    *time.Time
		acknowledgedAt *time.Time
	)
	err := row.Scan(&d.ID, &d.ReminderID, &d.ScheduledFor, &deliveredAt,
		&acknowledgedAt, &d.Status, &d.AttemptCount, &d.CallSID, &d.UserResponse)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan delivery: %w", err)
	}
	if deliveredAt != nil {
		d.DeliveredAt = *deliveredAt
	}
	if acknowledgedAt != nil {
		d.AcknowledgedAt = *acknowledgedAt
	}
	return &d, nil
}

// CreateDelivery implements [store.DeliveryStore]. The unique index on
// (reminder_id, scheduled_for) surfaces as [store.ErrDuplicateDelivery] so
// that concurrent scheduler instances cannot double-dial one occurrence.
func (s *Store) CreateDelivery(ctx context.Context, d store.Delivery) (string, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, reminder_id, scheduled_for, status, attempt_count, call_sid)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, d.ReminderID, d.ScheduledFor, string(d.Status), d.AttemptCount, d.CallSID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", store.ErrDuplicateDelivery
		}
		return "", fmt.Errorf("postgres: create delivery: %w", err)
	}
	return id, nil
}

// Delivery implements [store.DeliveryStore].
func (s *Store) Delivery(ctx context.Context, id string) (*store.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

// DeliveryByCallSID implements [store.DeliveryStore].
func (s *Store) DeliveryByCallSID(ctx context.Context, callSID string) (*store.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE call_sid = $1 ORDER BY scheduled_for DESC LIMIT 1`, callSID)
	return scanDelivery(row)
}

// UpdateDeliveryStatus implements [store.DeliveryStore]. Terminal states are
// sticky; the timestamps are stamped on the transition that earns them.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, id string, status store.DeliveryStatus, userResponse string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = $2,
		    user_response = CASE WHEN $3 <> '' THEN $3 ELSE user_response END,
		    delivered_at = CASE WHEN $2 = 'delivered' THEN now() ELSE delivered_at END,
		    acknowledged_at = CASE WHEN $2 IN ('acknowledged', 'confirmed') THEN now() ELSE acknowledged_at END
		WHERE id = $1 AND status NOT IN ('acknowledged', 'confirmed', 'max_attempts')`,
		id, string(status), userResponse)
	if err != nil {
		return fmt.Errorf("postgres: update delivery status: %w", err)
	}
	return nil
}

// RetryPending implements [store.DeliveryStore].
func (s *Store) RetryPending(ctx context.Context, now time.Time, retryDelay time.Duration, maxAttempts int) ([]store.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'retry_pending'
		  AND scheduled_for + $2 <= $1
		  AND attempt_count < $3`,
		now, retryDelay, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("postgres: retry pending: %w", err)
	}
	defer rows.Close()

	deliveries := []store.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// IncrementAttempt implements [store.DeliveryStore].
func (s *Store) IncrementAttempt(ctx context.Context, id, callSID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET attempt_count = attempt_count + 1, status = 'pending', call_sid = $2
		WHERE id = $1`,
		id, callSID)
	if err != nil {
		return fmt.Errorf("postgres: increment attempt: %w", err)
	}
	return nil
}

// UndeliveredForTenant implements [store.DeliveryStore].
func (s *Store) UndeliveredForTenant(ctx context.Context, tenantID string) ([]store.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.reminder_id, d.scheduled_for, d.delivered_at,
		       d.acknowledged_at, d.status, d.attempt_count, d.call_sid, d.user_response
		FROM deliveries d
		JOIN reminders r ON r.id = d.reminder_id
		WHERE r.tenant_id = $1 AND d.status IN ('pending', 'delivered')
		ORDER BY d.scheduled_for`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: undelivered for tenant: %w", err)
	}
	defer rows.Close()

	deliveries := []store.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// ─── Analyses ────────────────────────────────────────────────────────────────

// SaveAnalysis implements [store.AnalysisStore].
func (s *Store) SaveAnalysis(ctx context.Context, a store.CallAnalysis) (string, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	concerns, err := json.Marshal(a.Concerns)
	if err != nil {
		return "", fmt.Errorf("postgres: encode concerns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_analyses
		    (id, conversation_id, tenant_id, summary, topics, engagement_score,
		     concerns, positive_observations, follow_up_suggestions, call_quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, a.ConversationID, a.TenantID, a.Summary, a.Topics, a.EngagementScore,
		concerns, a.PositiveObservations, a.FollowUpSuggestions, a.CallQuality)
	if err != nil {
		return "", fmt.Errorf("postgres: save analysis: %w", err)
	}
	return id, nil
}

// RecentConcerns implements [store.AnalysisStore].
func (s *Store) RecentConcerns(ctx context.Context, tenantID string, since time.Time) ([]store.Concern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT concerns FROM call_analyses
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`,
		tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent concerns: %w", err)
	}
	defer rows.Close()

	all := []store.Concern{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan concerns: %w", err)
		}
		var concerns []store.Concern
		if err := json.Unmarshal(data, &concerns); err != nil {
			return nil, fmt.Errorf("postgres: decode concerns: %w", err)
		}
		all = append(all, concerns...)
	}
	return all, rows.Err()
}

// ─── Daily call context ──────────────────────────────────────────────────────

// SaveCallContext implements [store.DailyContextStore]. The WHERE clause on
// the conflict update makes the merge idempotent per call SID.
func (s *Store) SaveCallContext(ctx context.Context, tenantID, date, callSID string, upd store.DailyContextUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_call_context
		    (tenant_id, call_date, call_sids, topics, reminders_delivered, advice, highlights)
		VALUES ($1, $2::date, ARRAY[$3], $4, $5, $6, $7)
		ON CONFLICT (tenant_id, call_date) DO UPDATE SET
		    call_sids           = daily_call_context.call_sids || EXCLUDED.call_sids,
		    topics              = ARRAY(SELECT DISTINCT unnest(daily_call_context.topics || EXCLUDED.topics)),
		    reminders_delivered = ARRAY(SELECT DISTINCT unnest(daily_call_context.reminders_delivered || EXCLUDED.reminders_delivered)),
		    advice              = ARRAY(SELECT DISTINCT unnest(daily_call_context.advice || EXCLUDED.advice)),
		    highlights          = ARRAY(SELECT DISTINCT unnest(daily_call_context.highlights || EXCLUDED.highlights))
		WHERE NOT ($3 = ANY (daily_call_context.call_sids))`,
		tenantID, date, callSID,
		upd.Topics, upd.RemindersDelivered, upd.Advice, upd.Highlights)
	if err != nil {
		return fmt.Errorf("postgres: save call context: %w", err)
	}
	return nil
}

// TodaysContext implements [store.DailyContextStore].
func (s *Store) TodaysContext(ctx context.Context, tenantID, date string) (*store.DailyContext, error) {
	var dc store.DailyContext
	dc.TenantID = tenantID
	dc.Date = date
	err := s.pool.QueryRow(ctx, `
		SELECT call_sids, topics, reminders_delivered, advice, highlights
		FROM daily_call_context
		WHERE tenant_id = $1 AND call_date = $2::date`,
		tenantID, date).
		Scan(&dc.CallSIDs, &dc.Topics, &dc.RemindersDelivered, &dc.Advice, &dc.Highlights)
	if errors.Is(err, pgx.ErrNoRows) {
		return &store.DailyContext{TenantID: tenantID, Date: date}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: todays context: %w", err)
	}
	return &dc, nil
}
