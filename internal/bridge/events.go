package bridge

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/harborline/frontdesk/internal/syncengine"
)

// handleEvents upgrades to a websocket and streams engine events until the
// client goes away or the engine closes. The first frame is always the
// current snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logf("event stream %s: upgrade failed: %v", correlationID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, cancel := s.engine.Subscribe(s.cfg.EventBuffer)
	defer cancel()
	s.streams.Add(1)
	defer s.streams.Add(-1)

	// Clients only listen; reading is left to CloseRead, which cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())

	snap := s.engine.Snapshot()
	if err := s.send(ctx, conn, syncengine.Event{Type: syncengine.EventSnapshot, Snapshot: &snap}); err != nil {
		s.streamEnded(correlationID, err)
		return
	}
	// Snapshots queued before the first frame may be older than it.
	sent := snap.Seq
	for {
		select {
		case <-ctx.Done():
			s.streamEnded(correlationID, ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "engine stopped")
				return
			}
			if ev.Snapshot != nil {
				if ev.Snapshot.Seq <= sent {
					continue
				}
				sent = ev.Snapshot.Seq
			}
			if err := s.send(ctx, conn, ev); err != nil {
				s.streamEnded(correlationID, err)
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev syncengine.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (s *Server) streamEnded(correlationID string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return
	}
	s.logf("event stream %s ended: %v", correlationID, err)
}
