package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timing constants.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin clients are expected; auth happens via JWT, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is the inbound control message shape.
type clientCommand struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
}

// WSHandler upgrades authenticated clients to a WebSocket event stream.
type WSHandler struct {
	broadcaster *Broadcaster
	tokenSecret string
}

// NewWSHandler creates a WebSocket handler over the given broadcaster.
func NewWSHandler(b *Broadcaster, tokenSecret string) *WSHandler {
	return &WSHandler{broadcaster: b, tokenSecret: tokenSecret}
}

// ServeHTTP authenticates the request, upgrades it, and streams events until
// the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := VerifyToken(h.tokenSecret, token)
	if err != nil {
		slog.Warn("WSHandler.ServeHTTP: token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WSHandler.ServeHTTP: upgrade failed", "error", err)
		return
	}

	sub := h.broadcaster.Subscribe(userID)
	slog.Info("WSHandler.ServeHTTP: client connected", "userID", userID)

	go h.writeLoop(conn, sub)
	h.readLoop(conn, sub, userID)
}

// bearerToken extracts the JWT from the Authorization header or, for browser
// WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscription, userID string) {
	defer func() {
		sub.Close()
		conn.Close()
		slog.Info("WSHandler.readLoop: client disconnected", "userID", userID)
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("WSHandler.readLoop: malformed command", "userID", userID, "error", err)
			continue
		}
		switch cmd.Action {
		case "subscribe":
			if cmd.ConversationID != "" {
				sub.Join(cmd.ConversationID)
			}
		case "unsubscribe":
			if cmd.ConversationID != "" {
				sub.Leave(cmd.ConversationID)
			}
		default:
			slog.Debug("WSHandler.readLoop: unknown action", "action", cmd.Action)
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
