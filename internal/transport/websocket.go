package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/coordinator"
	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/registry"
)

// wsTransport adapts a websocket connection to registry.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// checkOrigin admits requests without an Origin header and, when origins is
// non-empty, only the listed browser origins.
func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// handleWebSocket upgrades an observer connection, registers it with the
// coordinator and runs its pumps until either side closes.
func handleWebSocket(svc *coordinator.Service, cfg config.WebSocketConfig, logger *zap.Logger, metrics *observability.Metrics) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			metrics.RecordConnectionEvent("upgrade_failed")
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := svc.Connect(&wsTransport{conn: ws})
		log := observability.ConnectionLogger(logger, c.ID(), "")

		done := make(chan struct{})
		go func() {
			defer close(done)
			writePump(ws, c, cfg, log)
			svc.Disconnect(c.ID())
		}()

		readPump(r.Context(), ws, c, svc, cfg, log)
		svc.Disconnect(c.ID())
		<-done
	}
}

// readPump applies inbound frames in arrival order. It returns when the
// peer closes, a read fails, or no pong arrives within PongWait.
func readPump(ctx context.Context, ws *websocket.Conn, c *registry.Connection, svc *coordinator.Service, cfg config.WebSocketConfig, log *zap.Logger) {
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	extend := func() {
		if cfg.PongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		extend()
		svc.HandleFrame(ctx, c.ID(), data)
	}
}

// writePump is the connection's only writer. It drains the outbound queue
// and sends pings every PingPeriod.
func writePump(ws *websocket.Conn, c *registry.Connection, cfg config.WebSocketConfig, log *zap.Logger) {
	var ping <-chan time.Time
	if cfg.PingPeriod > 0 {
		ticker := time.NewTicker(cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	deadline := func() time.Time {
		if cfg.WriteTimeout > 0 {
			return time.Now().Add(cfg.WriteTimeout)
		}
		return time.Time{}
	}

	for {
		select {
		case <-c.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
			return
		case msg := <-c.Outbound():
			_ = ws.SetWriteDeadline(deadline())
			if err := ws.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				log.Debug("websocket write failed", zap.String("frame_type", msg.Type), zap.Error(err))
				return
			}
		case <-ping:
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline()); err != nil {
				log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
