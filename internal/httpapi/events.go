package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams mirror events to admin clients over a websocket. A
// client that falls behind by more than eventBuffer events misses the
// overflow.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.store.Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", zap.Error(err))
				}
				return
			}
		}
	}
}
