package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/token"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn is a scriptable transport: the test feeds inbound frames and
// read errors through in, and inspects outbound writes.
type fakeConn struct {
	in   chan readResult
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan readResult, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, errors.New("connection closed")
	case res := <-f.in:
		return res.data, res.err
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	gate  chan struct{} // when non-nil, dial blocks until closed
	calls atomic.Int32
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testManager(t *testing.T, d *fakeDialer, withToken bool) (*Manager, *bus.Bus) {
	t.Helper()
	tokens, err := token.Open(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tokens.Close() })
	if withToken {
		if err := tokens.Save(context.Background(), token.Pair{Access: "at", Refresh: "rt"}); err != nil {
			t.Fatal(err)
		}
	}
	b := bus.New(nil)
	m := NewManager(Options{
		URL:                  "wss://test.invalid",
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Dialer:               d.dial,
	}, tokens, b, zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(map[string]json.RawMessage{
		"event":   json.RawMessage(fmt.Sprintf("%q", event)),
		"payload": p,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestConnectWithoutTokenStaysDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, false)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect = %v, want nil (missing token is not fatal)", err)
	}
	if m.Status() != StateDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", m.Status())
	}
	if d.calls.Load() != 0 {
		t.Errorf("dial calls = %d, want 0", d.calls.Load())
	}
}

func TestConnectPassesThroughConnecting(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, true)

	var mu sync.Mutex
	var seen []State
	sub := b.Subscribe("conn.status_changed", func(evt bus.Event) {
		mu.Lock()
		seen = append(seen, evt.Payload.(StatusChange).To)
		mu.Unlock()
	})
	defer sub.Release()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StateConnecting || seen[1] != StateConnected {
		t.Errorf("transitions = %v, want [CONNECTING CONNECTED]", seen)
	}
}

func TestConnectIsIdempotentWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1", d.calls.Load())
	}
}

func TestFramesForwardedVerbatim(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, true)

	got := make(chan bus.Event, 1)
	sub := b.Subscribe("realtime.newMessage", func(evt bus.Event) { got <- evt })
	defer sub.Release()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	payload := map[string]string{"id": "m-1", "content": "hi"}
	d.conn(0).in <- readResult{data: frame(t, "newMessage", payload)}

	select {
	case evt := <-got:
		var decoded map[string]string
		if err := json.Unmarshal(evt.Payload.(json.RawMessage), &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded["id"] != "m-1" || decoded["content"] != "hi" {
			t.Errorf("payload = %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded frame")
	}
}

func TestPresenceTracking(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.conn(0).in <- readResult{data: frame(t, "userOnline", map[string]string{"userId": "u7"})}
	waitFor(t, "u7 online", func() bool { return m.IsOnline("u7") })

	d.conn(0).in <- readResult{data: frame(t, "userOffline", map[string]string{"userId": "u7"})}
	waitFor(t, "u7 offline", func() bool { return !m.IsOnline("u7") })
}

func TestEmitDroppedWhenNotConnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Emit(EmitTyping, map[string]string{"conversationId": "c1"}); err != nil {
		t.Errorf("Emit while disconnected = %v, want nil (silent drop)", err)
	}
	if d.calls.Load() != 0 {
		t.Error("emit must not trigger a connection")
	}
}

func TestEmitWritesEnvelope(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Emit(EmitSendMessage, map[string]string{"conversationId": "c1", "content": "yo"}); err != nil {
		t.Fatal(err)
	}

	c := d.conn(0)
	if c.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", c.writeCount())
	}
	var env struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	c.mu.Lock()
	data := c.writes[0]
	c.mu.Unlock()
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "sendMessage" || env.Payload["content"] != "yo" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.conn(0).in <- readResult{err: errors.New("broken pipe")}

	waitFor(t, "redial", func() bool { return d.calls.Load() >= 2 })
	waitFor(t, "reconnected", func() bool { return m.Status() == StateConnected })
}

func TestDisconnectIsIdempotentAndStopsReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Disconnect()
	m.Disconnect()

	if m.Status() != StateDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", m.Status())
	}

	// No reconnect should fire after an intentional disconnect.
	time.Sleep(100 * time.Millisecond)
	if d.calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1 (no reconnect after Disconnect)", d.calls.Load())
	}
}

func TestDisconnectDuringDialDiscardsConnection(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m, b := testManager(t, d, true)

	got := make(chan bus.Event, 1)
	sub := b.Subscribe("realtime.newMessage", func(evt bus.Event) { got <- evt })
	defer sub.Release()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, "dial in flight", func() bool { return d.calls.Load() == 1 })

	// Teardown lands while the dial is still suspended.
	m.Disconnect()
	close(d.gate)
	if err := <-done; err != nil {
		t.Fatalf("Connect = %v", err)
	}

	if m.Status() != StateDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", m.Status())
	}
	c := d.conn(0)
	waitFor(t, "late-dialed conn closed", func() bool {
		select {
		case <-c.done:
			return true
		default:
			return false
		}
	})

	// No read loop may survive the teardown: a frame fed into the dialed
	// conn must never reach the bus.
	c.in <- readResult{data: frame(t, "newMessage", map[string]string{"id": "m-1"})}
	select {
	case <-got:
		t.Fatal("frame published after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialFailureEntersErrorThenRetries(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	m, _ := testManager(t, d, true)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect = nil, want dial error")
	}
	if m.Status() != StateError {
		t.Errorf("status = %s, want ERROR", m.Status())
	}

	// Bounded retries: 3 attempts configured, first call plus retries.
	waitFor(t, "retries exhausted", func() bool { return d.calls.Load() >= 3 })
	time.Sleep(200 * time.Millisecond)
	if calls := d.calls.Load(); calls > 4 {
		t.Errorf("dial calls = %d, want bounded", calls)
	}
}
