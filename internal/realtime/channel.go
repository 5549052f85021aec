// internal/realtime/channel.go
// Client side of the realtime channel: one logical websocket connection per
// authenticated session, multiplexing presence, typing, message and
// call-signal events. Constructed once at sign-in and injected into the
// components that need it, never held as package state.

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	channelWriteWait  = 10 * time.Second
	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10

	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

var ErrChannelClosed = errors.New("realtime: channel closed")

// Handler receives the raw payload of one event
type Handler func(data json.RawMessage)

// Channel is the bidirectional per-user event pipe the session and call
// layers are built on
type Channel interface {
	On(event string, h Handler)
	OnConnect(fn func())
	Emit(event string, payload interface{}) error
	Close() error
}

// WebsocketChannel implements Channel over a gorilla websocket with
// automatic reconnect
type WebsocketChannel struct {
	url   string
	token string

	mu         sync.RWMutex
	handlers   map[string][]Handler
	connectFns []func()

	connMu sync.Mutex
	conn   *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// DialChannel connects to the realtime endpoint and starts the read loop.
// The token authenticates the connection; the server derives the user id
// from it.
func DialChannel(url, token string) (*WebsocketChannel, error) {
	c := &WebsocketChannel{
		url:      url,
		token:    token,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.run()
	return c, nil
}

// On registers a handler for an event. Handlers for the same event are
// invoked in registration order on the read goroutine.
func (c *WebsocketChannel) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// OnConnect registers a callback fired after every successful connect,
// including reconnects. Owners use it to re-join rooms.
func (c *WebsocketChannel) OnConnect(fn func()) {
	c.mu.Lock()
	c.connectFns = append(c.connectFns, fn)
	c.mu.Unlock()
}

// Emit sends one event to the server
func (c *WebsocketChannel) Emit(event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return c.conn.WriteJSON(env)
}

// Close tears the channel down. Safe to call more than once.
func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteWait))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *WebsocketChannel) connect() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("dial realtime channel: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(channelPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(channelPongWait))
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.mu.RLock()
	fns := make([]func(), len(c.connectFns))
	copy(fns, c.connectFns)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// run reads frames until Close, reconnecting with backoff on transport
// errors. Local state above this layer survives disconnects; replayed
// events are the dedupe sets' problem, not ours.
func (c *WebsocketChannel) run() {
	pings := time.NewTicker(channelPingPeriod)
	defer pings.Stop()
	go c.pingLoop(pings)

	delay := reconnectMinDelay
	for {
		err := c.readLoop()
		select {
		case <-c.done:
			return
		default:
		}
		log.Printf("realtime: connection lost (%v), reconnecting in %s", err, delay)

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectMinDelay
	}
}

func (c *WebsocketChannel) readLoop() error {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return ErrChannelClosed
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *WebsocketChannel) dispatch(env Envelope) {
	c.mu.RLock()
	hs := make([]Handler, len(c.handlers[env.Event]))
	copy(hs, c.handlers[env.Event])
	c.mu.RUnlock()

	for _, h := range hs {
		h(env.Data)
	}
}

func (c *WebsocketChannel) pingLoop(ticker *time.Ticker) {
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}
