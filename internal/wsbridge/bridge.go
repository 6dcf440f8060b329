// Package wsbridge bridges a client WebSocket session to the messaging
// service's backend WebSocket endpoint, forwarding frames in both
// directions until either side ends the session.
package wsbridge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracklore/gateway/internal/credential"
	"github.com/tracklore/gateway/internal/registry"
)

const messagingService = "messaging"

// Bridge wires a credential verifier and the service registry to the
// per-conversation handler.
type Bridge struct {
	Verifier *credential.Verifier
	Registry *registry.Registry
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

// New builds a Bridge. The upgrader accepts any origin; the gateway's
// CORS front does not refuse requests either, it only adds the
// allow-origin headers for listed origins.
func New(verifier *credential.Verifier, reg *registry.Registry, logger *slog.Logger) *Bridge {
	return &Bridge{
		Verifier: verifier,
		Registry: reg,
		Logger:   logger,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler serves UPGRADE /api/v1/messaging/ws/{conversation_id}.
func (b *Bridge) Handler(w http.ResponseWriter, r *http.Request, conversationID string) {
	if _, err := b.Verifier.VerifyWebSocketRequest(r); err != nil {
		b.rejectBeforeUpgrade(w, r, "Authentication failed")
		return
	}

	entry := b.Registry.Lookup(messagingService)
	if entry == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	backendURL := backendWSURL(entry.BaseURL, conversationID)

	clientConn, err := b.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.Logger.Warn("ws upgrade failed", "error", err)
		return
	}

	backendConn, _, err := websocket.DefaultDialer.Dial(backendURL, nil)
	if err != nil {
		b.Logger.Error("ws backend dial failed", "url", backendURL, "error", err)
		_ = clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unreachable"),
			time.Now().Add(time.Second))
		_ = clientConn.Close()
		return
	}

	b.pump(clientConn, backendConn, conversationID)
}

// rejectBeforeUpgrade performs the upgrade only far enough to send a
// close frame with the required code/reason, per spec.md §4.5 step 1.
func (b *Bridge) rejectBeforeUpgrade(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := b.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1008, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

// pump runs the two forwarders and tears both sockets down when either
// one finishes, per spec.md §4.5 steps 5-7.
func (b *Bridge) pump(client, backend *websocket.Conn, conversationID string) {
	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}
	defer teardown()

	done := make(chan struct{}, 2)
	go func() {
		forward(client, backend, "client->backend", b.Logger, conversationID)
		done <- struct{}{}
	}()
	go func() {
		forward(backend, client, "backend->client", b.Logger, conversationID)
		done <- struct{}{}
	}()

	<-done
}

// forward copies frames from src to dst until src errors or closes. A
// clean peer close is logged at debug, never as a failure.
func forward(src, dst *websocket.Conn, direction string, logger *slog.Logger, conversationID string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws session ended", "direction", direction, "conversation_id", conversationID)
			} else {
				logger.Debug("ws forward stopped", "direction", direction, "conversation_id", conversationID, "error", err)
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			logger.Debug("ws write failed", "direction", direction, "conversation_id", conversationID, "error", err)
			return
		}
	}
}

// backendWSURL rewrites the messaging service's HTTP base URL to the
// ws(s) scheme and appends the conversation path, per spec.md §4.5
// step 3.
func backendWSURL(base *url.URL, conversationID string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/messaging/ws/" + conversationID
	u.RawQuery = ""
	return u.String()
}
