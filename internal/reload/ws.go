package reload

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/keithlinneman/bucketserve/internal/log"
)

const (
	// pingInterval keeps idle connections alive through load balancers
	// and detects dead peers.
	pingInterval = 10 * time.Second

	// writeTimeout bounds a single frame write to a slow client.
	writeTimeout = 5 * time.Second
)

// WSHandler upgrades GET requests to websocket live-reload sessions.
// Clients may scope their interest with ?watch=prefix1,prefix2; no watch
// parameter means every change.
type WSHandler struct {
	broadcaster *Broadcaster
	logger      log.Logger
}

func NewWSHandler(b *Broadcaster, logger log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Nop()
	}
	return &WSHandler{broadcaster: b, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error response
		h.logger.Warn(r.Context(), "livereload upgrade failed", "error", err.Error())
		return
	}

	var watch []string
	if raw := r.URL.Query().Get("watch"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				watch = append(watch, p)
			}
		}
	}

	sub := h.broadcaster.Subscribe(watch)
	defer h.broadcaster.Unsubscribe(sub)

	h.logger.Debug(r.Context(), "livereload subscriber connected",
		"subscriber_id", sub.ID,
		"watch", strings.Join(watch, ","),
	)

	// CloseRead discards inbound frames (clients send nothing meaningful)
	// and cancels the returned context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case msg, ok := <-sub.C:
			if !ok {
				// dropped by the broadcaster (slow consumer) or shutdown
				conn.Close(websocket.StatusGoingAway, "server closing")
				return
			}
			if err := h.writeMessage(ctx, conn, msg); err != nil {
				h.logger.Debug(ctx, "livereload write failed, disconnecting",
					"subscriber_id", sub.ID,
					"error", err.Error(),
				)
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug(ctx, "livereload ping failed, disconnecting",
					"subscriber_id", sub.ID,
				)
				return
			}
		}
	}
}

func (h *WSHandler) writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
