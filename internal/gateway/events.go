package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/shared"
)

// wsEvent is the wire frame for the /v1/events stream.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleEvents serves GET /v1/events: a WebSocket feed of the caller's
// tenant events (proposal lifecycle, guard denials, bookings, turns).
// An optional ?topic= query narrows the stream to a topic prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	tenantID := shared.TenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusForbidden, "tenant identity required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if owner := eventTenant(event.Payload); owner != "" && owner != tenantID {
				continue
			}
			frame := wsEvent{Topic: event.Topic, Time: time.Now().UTC(), Payload: event.Payload}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "tenant_id", tenantID, "error", err)
				return
			}
		}
	}
}

// eventTenant extracts the owning tenant from known bus payloads so the
// stream never leaks one tenant's events to another. Unknown payloads
// return "" and pass through unfiltered; only add broadcast-safe types.
func eventTenant(payload any) string {
	switch p := payload.(type) {
	case bus.ProposalEvent:
		return p.TenantID
	case bus.GuardDeniedEvent:
		return p.TenantID
	case bus.InjectionBlockedEvent:
		return p.TenantID
	case bus.BookingEvent:
		return p.TenantID
	case bus.TurnEvent:
		return p.TenantID
	default:
		return ""
	}
}
