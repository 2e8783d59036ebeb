package client

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddle-chat/huddle/internal/ws"
)

const typingIdleStop = 2 * time.Second

// reconnectBackoff is the fixed delay between reconnect attempts. A var so
// tests can tighten it.
var reconnectBackoff = 3 * time.Second

// Conn is the persistent connection to the server. It reconnects on
// unexpected close with a fixed backoff and re-requests a full snapshot after
// every reconnect, since events missed during the disconnect window are
// otherwise lost.
type Conn struct {
	wsURL string

	mu    sync.Mutex
	state *State
	sock  *websocket.Conn

	typingMu    sync.Mutex
	typingStops map[string]*time.Timer

	// OnEvent, when set, observes every inbound event after it has been
	// applied to the state.
	OnEvent func(ws.Envelope)
}

// Dial builds a connection for the given server base URL ("ws://host:port")
// and handshake identity. The email is the claimed identity; the token is
// forwarded as-is.
func Dial(baseURL, email, token, userID string) (*Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("email", email)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	return &Conn{
		wsURL:       u.String(),
		state:       NewState(userID),
		typingStops: make(map[string]*time.Timer),
	}, nil
}

// Run connects and pumps events into the reconciler until ctx is cancelled.
// The first snapshot arrives as a server push on connect; after a reconnect
// the client additionally asks for a refresh rather than assuming
// continuity.
func (c *Conn) Run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		sock, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			log.Printf("client: dial %s: %v", c.wsURL, err)
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.sock = sock
		c.mu.Unlock()

		if !first {
			_ = c.Send(ws.EventRequestRefresh, struct{}{})
		}
		first = false

		c.readLoop(ctx, sock)
		_ = sock.Close()

		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()

		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, sock *websocket.Conn) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("client: read: %v", err)
			}
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.state.Apply(env)
		c.mu.Unlock()

		if c.OnEvent != nil {
			c.OnEvent(env)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Send frames and writes one event. Writes after a disconnect fail until the
// next reconnect.
func (c *Conn) Send(eventType string, payload any) error {
	data, err := ws.MarshalEvent(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return websocket.ErrCloseSent
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// WithState runs fn with the reconciler state under the connection lock.
func (c *Conn) WithState(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.state)
}

// SendMessage sends a chat message to a channel or DM.
func (c *Conn) SendMessage(content, channelID, dmID string) error {
	return c.Send(ws.EventMessage, ws.MessagePayload{
		Content:   content,
		ChannelID: channelID,
		DMID:      dmID,
	})
}

// Typing signals typing in a destination and schedules an automatic
// typing_stop after two seconds of idle, so a user who simply stops typing
// does not stay visible as typing forever.
func (c *Conn) Typing(channelID, dmID string) error {
	if err := c.Send(ws.EventTypingStart, ws.TypingPayload{ChannelID: channelID, DMID: dmID}); err != nil {
		return err
	}

	key := destKey(channelID, dmID)
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if t, ok := c.typingStops[key]; ok {
		t.Reset(typingIdleStop)
		return nil
	}
	c.typingStops[key] = time.AfterFunc(typingIdleStop, func() {
		c.typingMu.Lock()
		delete(c.typingStops, key)
		c.typingMu.Unlock()
		_ = c.Send(ws.EventTypingStop, ws.TypingPayload{ChannelID: channelID, DMID: dmID})
	})
	return nil
}

// StopTyping cancels the idle timer and signals typing_stop immediately.
func (c *Conn) StopTyping(channelID, dmID string) error {
	key := destKey(channelID, dmID)
	c.typingMu.Lock()
	if t, ok := c.typingStops[key]; ok {
		t.Stop()
		delete(c.typingStops, key)
	}
	c.typingMu.Unlock()
	return c.Send(ws.EventTypingStop, ws.TypingPayload{ChannelID: channelID, DMID: dmID})
}
