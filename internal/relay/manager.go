// Package relay owns the single persistent websocket to the signaling relay.
//
// It registers the local identity after every successful dial, reconnects a
// bounded number of times with a fixed delay, and fans inbound events out to
// subscribers in arrival order. Only this package writes to the transport.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

var log = logging.Logger("relay")

// ErrNotConnected is returned by Send while there is no live transport.
// Sends are never queued; callers own their retry policy.
var ErrNotConnected = errors.New("relay: not connected")

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20

	defaultSubscriberBuffer = 256
)

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int           // default 5
	ReconnectDelay    time.Duration // default 2s
	WriteTimeout      time.Duration // default 10s
	PingInterval      time.Duration // default 54s
	SubscriberBuffer  int           // default 256
	Dialer            *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = (pongWait * 9) / 10
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = defaultSubscriberBuffer
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Manager is the Connection Manager. One per logged-in identity.
type Manager struct {
	opts Options
	reg  *presence.Registry

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[chan proto.Event]struct{}
}

// New creates a disconnected Manager. reg is shared with the rest of the
// client so the identity can be read back by the chat and call layers.
func New(opts Options, reg *presence.Registry) *Manager {
	opts.applyDefaults()
	if reg == nil {
		reg = presence.NewRegistry()
	}
	return &Manager{
		opts:  opts,
		reg:   reg,
		state: StateDisconnected,
		subs:  make(map[chan proto.Event]struct{}),
	}
}

// Registry returns the identity registry bound to this connection.
func (m *Manager) Registry() *presence.Registry { return m.reg }

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect binds id to the connection and starts the connection loop. ctx
// bounds the lifetime of the loop: when it ends the transport is closed and
// the state returns to disconnected, so a later Connect starts afresh.
// Disconnect also stops it.
//
// Connect is idempotent: if a loop is already running it only updates the
// identity, and re-sends registration when the transport is up. Transport
// failures are reported through State and the event stream, not returned.
func (m *Manager) Connect(ctx context.Context, id presence.Identity) error {
	if strings.TrimSpace(m.opts.URL) == "" {
		return errors.New("relay: no url configured")
	}
	if _, err := m.reg.Set(id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cancel != nil {
		connected := m.state == StateConnected
		m.mu.Unlock()
		if connected {
			if err := m.reg.Register(ctx, m); err != nil {
				log.Warnf("relay: re-register: %v", err)
			}
		}
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = StateConnecting
	m.mu.Unlock()

	go m.run(runCtx, cancel, done)
	return nil
}

// Disconnect closes the transport, stops reconnecting and closes every
// subscriber channel. A live connection reports Disconnected{WillRetry:
// false} first. Safe to call any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.state = StateDisconnected
	// cancelled under mu so a dial in flight cannot attach afterwards
	if cancel != nil {
		cancel()
	}
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		<-done
		log.Infof("relay: disconnected")
	}
	m.closeSubscribers()
}

// Send encodes payload as event and writes it. It fails fast with
// ErrNotConnected while the transport is down.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	b, err := proto.Encode(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := m.write(ctx, conn, websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	log.Debugf("relay: sent %s", event)
	return nil
}

// Subscribe returns a channel that receives every inbound event in arrival
// order. A subscriber that falls SubscriberBuffer events behind loses events
// rather than stalling the connection.
func (m *Manager) Subscribe() (ch <-chan proto.Event, cancel func()) {
	c := make(chan proto.Event, m.opts.SubscriberBuffer)

	m.subMu.Lock()
	m.subs[c] = struct{}{}
	m.subMu.Unlock()

	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[c]; ok {
			delete(m.subs, c)
			close(c)
		}
		m.subMu.Unlock()
	}
	return c, cancel
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.cancel, m.done, m.conn = nil, nil, nil
			if m.state != StateError {
				m.state = StateDisconnected
			}
		}
		m.mu.Unlock()
		cancel()
		close(done)
	}()

	failures := 0
	connects := 0
	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures > m.opts.ReconnectAttempts {
				log.Errorf("relay: giving up after %d attempts: %v", failures-1, err)
				m.setState(StateError)
				m.publish(proto.ConnectError{Err: err})
				return
			}
			log.Warnf("relay: dial failed (attempt %d/%d): %v", failures, m.opts.ReconnectAttempts, err)
			if !sleep(ctx, m.opts.ReconnectDelay) {
				return
			}
			continue
		}
		failures = 0

		if !m.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		log.Infof("relay: connected to %s", m.opts.URL)
		if err := m.reg.Register(ctx, m); err != nil {
			log.Warnf("relay: %v", err)
		}
		m.publish(proto.Connected{Attempt: connects})
		connects++

		err = m.readLoop(ctx, conn)
		m.detach(conn, ctx.Err() == nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			m.publish(proto.Disconnected{Err: ctx.Err(), WillRetry: false})
			return
		}

		log.Warnf("relay: connection lost: %v", err)
		m.publish(proto.Disconnected{Err: err, WillRetry: true})
		if !sleep(ctx, m.opts.ReconnectDelay) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", m.opts.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// attach publishes conn as the live transport unless the loop was stopped
// while dialing.
func (m *Manager) attach(ctx context.Context, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.conn = conn
	m.state = StateConnected
	return true
}

func (m *Manager) detach(conn *websocket.Conn, retrying bool) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if retrying {
		m.state = StateConnecting
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.pingLoop(ctx, conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks ReadMessage
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := proto.Decode(data)
		if err != nil {
			log.Warnf("relay: dropping inbound frame: %v", err)
			continue
		}
		log.Debugf("relay: received %s", ev.EventName())
		m.publish(ev)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(ctx, conn, websocket.PingMessage, nil); err != nil {
				log.Debugf("relay: ping failed: %v", err)
				return
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, kind int, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(m.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(kind, b)
}

func (m *Manager) publish(ev proto.Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("relay: subscriber full, dropping %s", ev.EventName())
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan proto.Event]struct{})
	m.subMu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// sleep waits d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
