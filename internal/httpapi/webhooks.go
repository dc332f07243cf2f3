package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/telephony"
	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

// handleAnswer responds to the provider's call-connect webhook with the
// document that bridges the leg into the media stream. The far-end number
// must resolve to a known tenant; anyone else is declined.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	form, ok := s.verifiedForm(w, r)
	if !ok {
		return
	}
	callSID := form.Get("CallSid")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	// On an inbound leg the tenant is the caller; on our outbound dial the
	// tenant is the dialled number.
	inbound := strings.HasPrefix(form.Get("Direction"), "inbound")
	phone := form.Get("To")
	if inbound {
		phone = form.Get("From")
	}

	tenant, err := s.cfg.Tenants.TenantByPhone(r.Context(), phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("tenant lookup", "call_sid", callSID, "error", err)
		}
		s.log.Info("declining call from unknown number", "call_sid", callSID)
		writeTwiML(w, twilio.Reject())
		return
	}

	callType := telephony.CallTypeCheckIn
	switch {
	case inbound:
		callType = telephony.CallTypeInbound
	default:
		if p, ok := s.cfg.Sessions.PeekPrefetch(callSID); ok && p.Reminder != nil {
			callType = telephony.CallTypeReminder
		}
	}

	s.log.Info("answering call",
		"call_sid", callSID, "tenant_id", tenant.ID, "call_type", callType)
	writeTwiML(w, twilio.ConnectStream(s.cfg.StreamURL, map[string]string{
		telephony.ParamTenantID: tenant.ID,
		telephony.ParamCallType: callType,
	}))
}

// handleStatus consumes the provider's leg-status callbacks. Unanswered legs
// drive the delivery retry state machine; everything else is informational.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := s.verifiedForm(w, r)
	if !ok {
		return
	}
	callSID := form.Get("CallSid")
	status := form.Get("CallStatus")
	if callSID == "" || status == "" {
		http.Error(w, "missing CallSid or CallStatus", http.StatusBadRequest)
		return
	}

	s.log.Info("call status",
		"call_sid", callSID, "status", status, "duration", form.Get("CallDuration"))

	switch status {
	case "busy", "no-answer", "failed", "canceled":
		// The leg never carried a stream; the staged context is stale.
		s.cfg.Sessions.DropPrefetch(callSID)
		s.failDelivery(r, callSID, status)
	case "completed":
		// The session owns its own teardown; nothing to reconcile here.
	}

	w.WriteHeader(http.StatusNoContent)
}

// failDelivery moves the delivery behind an unanswered leg to retry_pending,
// or to max_attempts when the attempt budget is spent.
func (s *Server) failDelivery(r *http.Request, callSID, status string) {
	d, err := s.cfg.Deliveries.DeliveryByCallSID(r.Context(), callSID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("delivery lookup", "call_sid", callSID, "error", err)
		}
		return
	}
	if d.Status.IsTerminal() {
		return
	}

	next := store.DeliveryRetryPending
	if d.AttemptCount >= s.cfg.MaxAttempts {
		next = store.DeliveryMaxAttempts
	}
	if err := s.cfg.Deliveries.UpdateDeliveryStatus(r.Context(), d.ID, next, ""); err != nil {
		s.log.Error("update delivery after failed leg",
			"delivery_id", d.ID, "call_sid", callSID, "error", err)
		return
	}
	s.log.Info("delivery leg failed",
		"delivery_id", d.ID, "call_sid", callSID, "leg_status", status, "delivery_status", next)
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, doc)
}
