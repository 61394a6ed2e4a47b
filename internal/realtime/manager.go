package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/token"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is the transport used by the Manager. The websocket implementation
// is the production one; tests substitute a fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a transport connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, u string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// Options configures a Manager.
type Options struct {
	URL                  string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
}

// Manager owns the single realtime connection for a session. It
// authenticates the dial with the stored access token, forwards every
// inbound frame verbatim onto the bus under the "realtime." namespace, and
// reconnects with bounded backoff after transport failures. Callers observe
// only status transitions; they never manage retries themselves.
//
// The token rides the connect URL, so a refreshed access token does not
// reach an open connection; picking it up requires a reconnect.
type Manager struct {
	url     string
	tokens  *token.Store
	bus     *bus.Bus
	logger  *zap.Logger
	machine *Machine
	recon   *reconnector
	dial    Dialer

	mu          sync.Mutex
	conn        Conn
	cancel      context.CancelFunc
	intentional bool

	presenceMu sync.RWMutex
	online     map[string]struct{}
}

// NewManager creates a connection manager. It does not connect.
func NewManager(opts Options, tokens *token.Store, b *bus.Bus, logger *zap.Logger) *Manager {
	base := opts.ReconnectBaseDelay
	if base == 0 {
		base = time.Second
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	attempts := opts.MaxReconnectAttempts
	if attempts == 0 {
		attempts = 10
	}
	dial := opts.Dialer
	if dial == nil {
		dial = DialWebsocket
	}
	return &Manager{
		url:     opts.URL,
		tokens:  tokens,
		bus:     b,
		logger:  logger,
		machine: NewMachine(b),
		recon:   newReconnector(base, maxDelay, attempts),
		dial:    dial,
		online:  make(map[string]struct{}),
	}
}

// Status returns the current connection state.
func (m *Manager) Status() State {
	return m.machine.Current()
}

// Connect opens the realtime connection. A no-op when already connected or
// connecting. Without a stored access token it logs and settles in
// Disconnected without error; the caller may retry once authenticated.
func (m *Manager) Connect(ctx context.Context) error {
	switch m.machine.Current() {
	case StateConnected, StateConnecting:
		return nil
	}

	m.mu.Lock()
	m.intentional = false
	m.mu.Unlock()

	access, err := m.tokens.Access(ctx)
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}
	if access == "" {
		m.logger.Info("no access token, realtime connection deferred")
		return nil
	}

	if err := m.machine.Transition(StateConnecting); err != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := m.dial(dialCtx, m.url+"/?token="+url.QueryEscape(access))
	cancel()
	if err != nil {
		m.logger.Warn("realtime dial failed", zap.Error(err))
		_ = m.machine.Transition(StateError)
		m.maybeReconnect()
		return fmt.Errorf("realtime dial: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.intentional {
		// A Disconnect landed while the dial was in flight; the session is
		// torn down, so the fresh transport must not survive it.
		m.mu.Unlock()
		cancelRun()
		_ = conn.Close()
		m.logger.Info("discarding connection dialed during disconnect")
		return nil
	}
	m.conn = conn
	m.cancel = cancelRun
	m.mu.Unlock()

	_ = m.machine.Transition(StateConnected)
	m.recon.markConnected()
	m.logger.Info("realtime connected")

	go m.readLoop(runCtx, conn)
	return nil
}

// Disconnect tears down the transport and settles in Disconnected.
// Idempotent; suppresses any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.clearPresence()
	m.recon.reset()

	if m.machine.Current() != StateDisconnected {
		_ = m.machine.Transition(StateDisconnected)
		m.logger.Info("realtime disconnected")
	}
}

// Emit sends an event to the server. When not connected it logs a warning
// and drops the event: outbound delivery is at-most-once, never queued.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.machine.Current() != StateConnected {
		m.logger.Warn("emit dropped, not connected", zap.String("event", event))
		return nil
	}

	data, err := json.Marshal(outEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// IsOnline reports whether a user is currently in the presence set.
func (m *Manager) IsOnline(userID string) bool {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	_, ok := m.online[userID]
	return ok
}

// OnlineUsers returns the current presence set.
func (m *Manager) OnlineUsers() []string {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	users := make([]string, 0, len(m.online))
	for id := range m.online {
		users = append(users, id)
	}
	return users
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentional
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			m.clearPresence()

			if intentional {
				return
			}

			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				m.logger.Info("realtime connection closed by server")
				_ = m.machine.Transition(StateDisconnected)
			} else {
				m.logger.Warn("realtime read failed", zap.Error(err))
				_ = m.machine.Transition(StateError)
			}
			m.maybeReconnect()
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		m.logger.Warn("dropping malformed frame", zap.ByteString("frame", data))
		return
	}

	switch env.Event {
	case EventUserOnline, EventUserOffline:
		var p presencePayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			m.presenceMu.Lock()
			if env.Event == EventUserOnline {
				m.online[p.UserID] = struct{}{}
			} else {
				delete(m.online, p.UserID)
			}
			m.presenceMu.Unlock()
		}
	}

	m.bus.Publish(bus.Event{
		Kind:      BusNamespace + env.Event,
		Timestamp: time.Now(),
		Payload:   env.Payload,
	})
}

func (m *Manager) maybeReconnect() {
	m.mu.Lock()
	intentional := m.intentional
	m.mu.Unlock()
	if intentional || !m.recon.shouldReconnect() {
		if !intentional {
			m.logger.Warn("reconnect attempts exhausted")
		}
		return
	}

	delay, attempt := m.recon.nextDelay()
	m.logger.Info("scheduling reconnect", zap.Duration("delay", delay), zap.Int("attempt", attempt))

	go func() {
		time.Sleep(delay)
		m.mu.Lock()
		intentional := m.intentional
		m.mu.Unlock()
		if intentional {
			return
		}
		// Re-reads the stored access token, so a refresh that happened
		// while down is picked up here.
		_ = m.Connect(context.Background())
	}()
}

func (m *Manager) clearPresence() {
	m.presenceMu.Lock()
	m.online = make(map[string]struct{})
	m.presenceMu.Unlock()
}
