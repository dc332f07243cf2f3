package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/director"
	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/httpapi"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/internal/tools"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/tts"
	"github.com/dmdzco/donna2/pkg/telephony"
)

// keywordBoost is the STT boost applied to personal vocabulary: reminder
// titles and the tenant's interests.
const keywordBoost = 5

// runCall builds and runs one call session. It is handed to the HTTP layer
// as the media-stream callback and blocks until the call ends.
func (a *App) runCall(ctx context.Context, transport session.Transport, call httpapi.CallInfo) error {
	tenant, pre, err := a.resolveCall(ctx, call)
	if err != nil {
		return err
	}

	a.markReminderDelivered(ctx, pre)

	reminders := pre.Pending
	if pre.Reminder != nil {
		reminders = append([]store.Reminder{*pre.Reminder}, pre.Pending...)
	}

	machine := flow.NewMachine()
	registry := tools.NewRegistry(a.host, tools.Deps{
		TenantID:            tenant.ID,
		Memory:              a.memories,
		News:                a.news,
		Flow:                machine,
		Deliveries:          a.store,
		Reminders:           reminders,
		DeliveryForReminder: a.deliveryResolver(ctx, tenant.ID, pre),
		OnReminderAcked: func(reminderID string) {
			if err := a.store.TouchDelivered(context.WithoutCancel(ctx), reminderID, time.Now()); err != nil {
				slog.Warn("touch acknowledged reminder", "reminder_id", reminderID, "err", err)
			}
		},
	})

	dir := director.New(a.providers.Director,
		director.WithObserver(func(latency time.Duration, timedOut bool) {
			a.metrics.RecordDirector(context.Background(), latency, timedOut)
		}))

	ctxmgr := session.NewContextManager(session.ContextManagerConfig{
		MaxTokens:  a.providers.Voice.Capabilities().ContextWindow,
		Summariser: session.NewLLMSummariser(a.providers.Analysis),
	})

	sess := session.New(session.Config{
		CallSID:         call.CallSID,
		Tenant:          tenant,
		Entry:           pre.Entry,
		Reminder:        pre.Reminder,
		Pending:         pre.Pending,
		Transport:       transport,
		STT:             a.providers.STT,
		STTConfig:       a.streamConfig(tenant, reminders),
		TTS:             a.providers.TTS,
		Voice:           a.voiceProfile(),
		VoiceLLM:        a.providers.Voice,
		Director:        dir,
		Registry:        registry,
		Flow:            machine,
		Convos:          a.guard,
		News:            a.news,
		MaxCallMinutes:  a.cfg.Call.MaxCallMinutes,
		FlushInterval:   a.cfg.Call.FlushInterval(),
		NonStreamingTTS: a.cfg.Call.DisableStreamingTTS,
		Hangup:          a.dialer.Hangup,
		OnComplete:      a.post.Process,
	}, ctxmgr)

	a.sessions.Add(call.CallSID, sess)
	defer a.sessions.Remove(call.CallSID)

	return sess.Run(ctx)
}

// markReminderDelivered moves the dialled reminder's delivery row out of
// pending. The media stream only opens on an answered leg and the greeting
// presents the reminder, so this is the moment the delivery happens; the
// row stays delivered even when the user never acknowledges, which keeps
// the retry scanner from re-dialling a reminder they already heard.
func (a *App) markReminderDelivered(ctx context.Context, pre session.PrefetchedCall) {
	if pre.Reminder == nil || pre.DeliveryID == "" {
		return
	}
	if err := a.store.UpdateDeliveryStatus(ctx, pre.DeliveryID, store.DeliveryDelivered, ""); err != nil {
		slog.Warn("mark delivery delivered", "delivery_id", pre.DeliveryID, "err", err)
	}
}

// resolveCall produces the tenant and pre-dial context for a media stream.
// Scheduler-placed calls arrive with a prefetch; inbound and check-in calls
// fall back to the stream parameters and the context cache.
func (a *App) resolveCall(ctx context.Context, call httpapi.CallInfo) (*store.Tenant, session.PrefetchedCall, error) {
	if call.HasPrefetch {
		return call.Prefetch.Tenant, call.Prefetch, nil
	}

	tenantID := call.Params[telephony.ParamTenantID]
	if tenantID == "" {
		return nil, session.PrefetchedCall{}, fmt.Errorf("app: stream for call %s carries no tenant", call.CallSID)
	}
	tenant, err := a.store.Tenant(ctx, tenantID)
	if err != nil {
		return nil, session.PrefetchedCall{}, fmt.Errorf("app: load tenant %s: %w", tenantID, err)
	}

	pre := session.PrefetchedCall{Entry: &contextcache.Entry{}}
	if entry, err := a.cache.Get(ctx, tenant.ID); err != nil {
		slog.Warn("context lookup failed, starting cold",
			"tenant_id", tenant.ID, "call_sid", call.CallSID, "err", err)
	} else {
		pre.Entry = entry
	}
	return tenant, pre, nil
}

// deliveryResolver maps reminder IDs to the delivery rows this call may
// acknowledge: the dialled reminder's row plus any other undelivered rows
// for the tenant.
func (a *App) deliveryResolver(ctx context.Context, tenantID string, pre session.PrefetchedCall) func(string) (string, bool) {
	byReminder := make(map[string]string)
	if pre.Reminder != nil && pre.DeliveryID != "" {
		byReminder[pre.Reminder.ID] = pre.DeliveryID
	}
	if deliveries, err := a.store.UndeliveredForTenant(ctx, tenantID); err != nil {
		slog.Warn("list undelivered for call", "tenant_id", tenantID, "err", err)
	} else {
		for _, d := range deliveries {
			if _, ok := byReminder[d.ReminderID]; !ok {
				byReminder[d.ReminderID] = d.ID
			}
		}
	}
	return func(reminderID string) (string, bool) {
		id, ok := byReminder[reminderID]
		return id, ok
	}
}

// streamConfig builds the STT session config for a call: 8 kHz µ-law
// telephony audio with the tenant's personal vocabulary boosted.
func (a *App) streamConfig(tenant *store.Tenant, reminders []store.Reminder) stt.StreamConfig {
	var keywords []stt.KeywordBoost
	for _, rem := range reminders {
		keywords = append(keywords, stt.KeywordBoost{Keyword: rem.Title, Boost: keywordBoost})
	}
	for _, interest := range tenant.Interests {
		keywords = append(keywords, stt.KeywordBoost{Keyword: interest, Boost: keywordBoost})
	}

	return stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
		Channels:   1,
		Language:   "en-US",
		Keywords:   keywords,
	}
}

// voiceProfile builds the TTS voice from the provider entry's options.
func (a *App) voiceProfile() tts.VoiceProfile {
	entry := a.cfg.Providers.TTS
	return tts.VoiceProfile{
		ID:       entry.StringOption("voice_id", ""),
		Name:     entry.StringOption("voice_name", ""),
		Provider: entry.Name,
	}
}
