package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/pkg/telephony"
)

// maxPreambleFrames bounds how many frames may precede the start event on a
// fresh stream.
const maxPreambleFrames = 4

// CallInfo identifies the call behind a freshly opened media stream.
type CallInfo struct {
	CallSID string

	// Params are the custom stream parameters echoed from the answer
	// document: tenant_id, conversation_id, call_type.
	Params map[string]string

	// Prefetch is the scheduler's staged context for an outbound dial.
	// HasPrefetch is false for inbound calls and expired staging.
	Prefetch    session.PrefetchedCall
	HasPrefetch bool
}

// RunCall drives one call over an accepted media stream, blocking until the
// call ends. The transport is closed by the session.
type RunCall func(ctx context.Context, t session.Transport, call CallInfo) error

// handleMedia accepts the media-stream WebSocket, reads the preamble to
// learn which call leg it carries, claims any staged context, and hands the
// stream to the call runner.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media stream accept", "error", err)
		return
	}

	t := &wsTransport{conn: conn}
	start, preamble, err := readPreamble(r.Context(), t)
	if err != nil {
		s.log.Warn("media stream preamble", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "expected start frame")
		return
	}
	// The session replays the preamble from the top, start frame included.
	t.replay = preamble

	info := CallInfo{
		CallSID: start.CallSID,
		Params:  start.CustomParameters,
	}
	if p, ok := s.cfg.Sessions.TakePrefetch(start.CallSID); ok {
		info.Prefetch = p
		info.HasPrefetch = true
	}

	s.log.Info("media stream opened",
		"call_sid", start.CallSID, "stream_sid", start.StreamSID, "prefetched", info.HasPrefetch)

	if err := s.cfg.RunCall(r.Context(), t, info); err != nil {
		s.log.Error("call failed", "call_sid", start.CallSID, "error", err)
	}
}

// readPreamble consumes frames up to and including the start event.
func readPreamble(ctx context.Context, t *wsTransport) (*telephony.StartPayload, []telephony.Message, error) {
	var frames []telephony.Message
	for range maxPreambleFrames {
		msg, err := t.Receive(ctx)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, msg)
		if msg.Event == telephony.EventStart && msg.Start != nil {
			return msg.Start, frames, nil
		}
	}
	return nil, nil, errNoStartFrame
}

var errNoStartFrame = errors.New("httpapi: no start frame in stream preamble")

// wsTransport adapts an accepted WebSocket to session.Transport. Receive is
// called from a single goroutine; replayed preamble frames come first.
type wsTransport struct {
	conn   *websocket.Conn
	replay []telephony.Message
}

var _ session.Transport = (*wsTransport)(nil)

func (t *wsTransport) Receive(ctx context.Context) (telephony.Message, error) {
	if len(t.replay) > 0 {
		msg := t.replay[0]
		t.replay = t.replay[1:]
		return msg, nil
	}
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return telephony.Message{}, err
	}
	return telephony.Decode(data)
}

func (t *wsTransport) Send(ctx context.Context, msg telephony.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "call ended")
}
