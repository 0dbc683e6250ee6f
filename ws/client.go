package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

const (
	maxMessageSize    = 1 << 20
	sendChannelSize   = 256
	defaultPongWait   = 2 * time.Minute
	defaultWriteWait  = 10 * time.Second
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")
)

type Options struct {
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	WriteWait  time.Duration
	PongWait   time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:        cfg.ServerConfig.URL,
		MinBackoff: cfg.ServerConfig.MinBackoff,
		MaxBackoff: cfg.ServerConfig.MaxBackoff,
		WriteWait:  cfg.ServerConfig.WriteWait,
		PongWait:   cfg.ServerConfig.PongWait,
	}
}

// Manager owns the one websocket connection of a signed-in user. It dials in the background, re-dials with
// exponential backoff when the connection drops, and dispatches every received event to its Subscriptions.
type Manager struct {
	opts Options
	subs *Subscriptions
	log  hclog.Logger

	identity  types.Identity
	send      chan []byte
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// mutex for the connection state above
	sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &Manager{
		opts: opts,
		subs: NewSubscriptions(),
		log:  globals.AppLogger.Named("ws"),
	}
}

func (m *Manager) Subscriptions() *Subscriptions {
	return m.subs
}

// NewScope returns a subscription scope on this manager's registry.
func (m *Manager) NewScope() *Scope {
	return m.subs.NewScope()
}

func (m *Manager) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// Identity returns the identity the current transport was created for.
func (m *Manager) Identity() types.Identity {
	m.Lock()
	defer m.Unlock()
	return m.identity
}

// Connect starts the transport for the given identity. Calling it again with the same identity is a no-op, a
// different identity replaces the running transport. Connect does not wait for the connection, the connect event
// (or WaitConnected) signals it.
func (m *Manager) Connect(ctx context.Context, identity types.Identity) error {
	m.Lock()
	if m.cancel != nil && m.identity == identity {
		m.Unlock()
		return nil
	}
	running := m.cancel != nil
	m.Unlock()
	if running {
		m.log.Debug("replacing transport for new identity", "user", identity.UserId)
		m.Disconnect()
	}

	m.Lock()
	defer m.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.identity = identity
	m.cancel = cancel
	m.done = done
	go m.run(runCtx, done)
	return nil
}

// Disconnect tears the transport down and waits for its goroutines to exit. It is safe to call it more than once.
func (m *Manager) Disconnect() {
	m.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.identity = types.Identity{}
	m.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WaitConnected blocks until the transport is connected or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	scope := m.NewScope()
	defer scope.Release()
	scope.On(types.EventConnect, func(json.RawMessage) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if m.Connected() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit queues an event for the write loop.
func (m *Manager) Emit(event string, payload interface{}) error {
	raw, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	select {
	case m.send <- raw:
		m.log.Trace("emit", "event", event)
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) dispatchError(event string, err error) {
	data, _ := json.Marshal(types.ErrorPayload{Message: err.Error()})
	m.subs.Dispatch(event, data)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := m.opts.MinBackoff
	for {
		conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("could not connect", "url", m.opts.URL, "error", err, "retry_in", backoff)
			m.dispatchError(types.EventConnectError, err)
		} else {
			backoff = m.opts.MinBackoff
			err = m.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			m.log.Info("connection dropped", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.opts.MaxBackoff {
			backoff = m.opts.MaxBackoff
		}
	}
}

// serve runs the read and write loop of one established connection and returns once it is gone.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, sendChannelSize)
	m.Lock()
	m.send = send
	m.connected = true
	m.Unlock()
	m.log.Info("connected", "url", m.opts.URL)
	m.subs.Dispatch(types.EventConnect, nil)

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		m.writeLoop(ctx, conn, send, readDone)
	}()
	err := m.readLoop(conn)
	close(readDone)
	_ = conn.Close()
	<-writeDone

	m.Lock()
	m.connected = false
	m.send = nil
	m.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	m.dispatchError(types.EventDisconnect, err)
	return err
}

// readLoop pumps messages from the websocket connection to the subscriptions.
//
// There is at most one reader on a connection, all reads happen in this goroutine.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait)) })
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		// any traffic counts as a sign of life
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			m.log.Error("could not unmarshal ws message", "error", err)
			continue
		}
		if message.Event == "" {
			m.log.Warn("ws message without event name")
			continue
		}
		if n := m.subs.Dispatch(message.Event, message.Data); n == 0 {
			m.log.Trace("no handler for event", "event", message.Event)
		}
	}
}

// writeLoop pumps queued messages to the websocket connection and keeps it alive with pings.
//
// There is at most one writer on a connection, all writes happen in this goroutine.
func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, send chan []byte, readDone chan struct{}) {
	ticker := time.NewTicker(m.opts.PongWait / 2)
	defer ticker.Stop()
	for {
		select {
		case message := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				m.log.Info("could not write to ws connection, exiting write loop", "error", err)
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.log.Info("could not send ping message, exiting write loop", "error", err)
				_ = conn.Close()
				return
			}

		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(m.opts.WriteWait))
			_ = conn.Close()
			return

		case <-readDone:
			return
		}
	}
}
