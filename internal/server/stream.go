package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// eventStream upgrades to a websocket and pushes connectivity events. The
// first message is a snapshot of the current mode.
func (h *handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("event stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	events, cancel := h.events.Subscribe()
	defer cancel()

	// The dashboard never sends anything; CloseRead handles control
	// frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	snapshot := hue.Event{Reason: "snapshot", At: time.Now().UnixMilli()}
	if st, err := h.conn.Status(ctx); err == nil {
		snapshot.Mode = st.Mode
	}
	if err := writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev hue.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}
