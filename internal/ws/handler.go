package ws

import (
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddle-chat/huddle/internal/metrics"
	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isWebSocketOriginAllowed,
}

// Handler authenticates websocket handshakes and runs the per-connection
// event loop.
type Handler struct {
	Hub   *Hub
	Store *store.Store
}

// ServeHTTP implements http.Handler. The handshake carries a claimed email
// (and an optional token) in the query string; connections without a
// resolvable user are rejected before the upgrade, so no event is ever
// exchanged with an unauthenticated peer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		http.Error(w, "missing email", http.StatusUnauthorized)
		return
	}

	user, err := h.Store.FindUserByEmail(email)
	if err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	// The handshake token is accepted but not verified yet. Verification
	// needs the session tokens issued by the login endpoint to be persisted
	// with a TTL first.
	_ = r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.Hub, conn, user)
	h.Hub.Register(client)
	metrics.ConnectionsActive.Inc()

	go client.WritePump()
	h.pushSnapshot(client)
	h.readPump(client)
}

// pushSnapshot sends the full authoritative collections to one client. Used
// on connect and for request_refresh; safe to call repeatedly.
func (h *Handler) pushSnapshot(c *Client) {
	doc := h.Store.Snapshot()
	h.sendEvent(c, EventHistory, doc.Messages)
	h.sendEvent(c, EventChannels, doc.Channels)
	h.sendEvent(c, EventUsers, publicUsers(doc.Users))
	h.sendEvent(c, EventTasks, doc.Tasks)
}

func publicUsers(users []models.User) []models.User {
	out := make([]models.User, len(users))
	for i, u := range users {
		out[i] = u.Public()
	}
	return out
}

func (h *Handler) sendEvent(c *Client, eventType string, payload any) {
	data, err := MarshalEvent(eventType, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", eventType, err)
		return
	}
	h.Hub.SendTo(c, data)
}

func (h *Handler) broadcastEvent(eventType string, payload any) {
	data, err := MarshalEvent(eventType, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", eventType, err)
		return
	}
	h.Hub.Broadcast(data)
}

// readPump pumps inbound events from the connection into the dispatcher. On
// transport close the peer's presence is broadcast as offline; the stored
// status is left untouched, the signal is ephemeral.
func (h *Handler) readPump(c *Client) {
	defer func() {
		h.Hub.Unregister(c)
		_ = c.Conn.Close()
		metrics.ConnectionsActive.Dec()
		h.broadcastEvent(EventUserStatusChange, StatusPayload{
			UserID: c.User().ID,
			Status: models.StatusOffline,
		})
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}
		h.dispatch(c, message)
	}
}

// WritePump pumps payloads from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := normalizeOriginHost(originURL.Host)
	if originHost == "" {
		return false
	}

	reqHost := normalizeOriginHost(r.Host)
	if reqHost == originHost || isLoopbackAliasPair(reqHost, originHost) {
		return true
	}

	allowList := strings.Split(strings.TrimSpace(os.Getenv("WS_ALLOWED_ORIGINS")), ",")
	for _, candidate := range allowList {
		if isAllowedOriginCandidate(originURL, candidate) {
			return true
		}
	}
	return false
}

func normalizeOriginHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") && strings.Contains(host, "]") {
		if parsedHost, _, err := net.SplitHostPort(host); err == nil {
			return strings.Trim(parsedHost, "[]")
		}
		return strings.Trim(host, "[]")
	}
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		return parsedHost
	}
	return host
}

func isLoopbackAliasPair(a, b string) bool {
	loopback := map[string]bool{
		"localhost": true,
		"127.0.0.1": true,
		"::1":       true,
	}
	return loopback[a] && loopback[b]
}

func isAllowedOriginCandidate(originURL *url.URL, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	if candidate == "*" {
		return true
	}

	parsedCandidate, err := url.Parse(candidate)
	if err != nil {
		return false
	}

	if parsedCandidate.Scheme != "" && parsedCandidate.Scheme != originURL.Scheme {
		return false
	}
	patternHost := normalizeOriginHost(parsedCandidate.Host)
	if patternHost == "" {
		return false
	}

	actualHost := normalizeOriginHost(originURL.Host)
	if strings.HasPrefix(patternHost, "*.") {
		suffix := strings.TrimPrefix(patternHost, "*.")
		if actualHost == suffix {
			return false
		}
		return strings.HasSuffix(actualHost, "."+suffix)
	}
	return actualHost == patternHost
}
