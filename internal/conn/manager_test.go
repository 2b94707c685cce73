package conn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/status"
	"github.com/pulsehq/pulse/internal/wire"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	t.writes = append(t.writes, data)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.drop()
	return nil
}

// drop simulates the transport dying under the manager.
func (t *fakeTransport) drop() {
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTransport) push(data []byte) {
	t.inbound <- data
}

func (t *fakeTransport) written() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// fakeDialer hands out fake transports and records dial attempts.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dials   int
	headers []http.Header
	last    *fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.last = t
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestConnectPresentsBearer(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Close()

	if m.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", m.State())
	}
	if got := d.headers[0].Get("Authorization"); got != "Bearer tokA" {
		t.Errorf("Authorization = %q, want Bearer tokA", got)
	}
}

func TestAnonymousConnectOmitsBearer(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "", fastPolicy(), d, bus.New(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if got := d.headers[0].Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestHandshakeAuthRejectionIsTerminal(t *testing.T) {
	d := &fakeDialer{err: &AuthError{Status: 401}}
	m := NewManager("https://example.com", "bad", fastPolicy(), d, bus.New(), nil)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should surface the handshake error")
	}
	if m.State() != status.Failed {
		t.Errorf("state = %s, want FAILED", m.State())
	}

	// No automatic retries out of FAILED.
	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestInboundSnapshotRouted(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, b, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	d.transport().push([]byte(`{"type":"snapshot","payload":{"roomId":"post-1","comments":[{"id":"c1","text":"hi"}]}}`))

	select {
	case evt := <-ch:
		if evt.Kind != "rt.snapshot" {
			t.Fatalf("kind = %q, want rt.snapshot", evt.Kind)
		}
		snap := evt.Payload.(*wire.Snapshot)
		if snap.RoomID != "post-1" || len(snap.Comments) != 1 {
			t.Errorf("snapshot = %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rt.snapshot")
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	first := d.transport()
	first.drop()

	waitFor(t, func() bool { return d.count() == 2 && m.State() == status.Connected },
		"reconnect to complete")

	// The replacement transport must carry traffic.
	m.Send(wire.NewComment("post-1", "after reconnect"))
	waitFor(t, func() bool { return d.transport().written() == 1 }, "write on new transport")
}

func TestReconnectBudgetExhausted(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	d.setErr(errors.New("network down"))
	d.transport().drop()

	waitFor(t, func() bool { return m.State() == status.Failed }, "FAILED after budget")
	// 1 initial dial + MaxAttempts failed retries.
	if d.count() != 1+fastPolicy().MaxAttempts {
		t.Errorf("dials = %d, want %d", d.count(), 1+fastPolicy().MaxAttempts)
	}
}

func TestAuthRejectionDuringReconnectIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	d.setErr(&AuthError{Status: 401})
	d.transport().drop()

	waitFor(t, func() bool { return m.State() == status.Failed }, "FAILED on auth rejection")
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2 (no retries after 401)", d.count())
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA",
		Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		d, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.setErr(errors.New("network down"))
	d.transport().drop()
	waitFor(t, func() bool { return m.State() == status.Reconnecting }, "RECONNECTING")

	m.Close()
	if m.State() != status.Closed {
		t.Fatalf("state = %s, want CLOSED", m.State())
	}

	dialsAtClose := d.count()
	time.Sleep(200 * time.Millisecond)
	if d.count() > dialsAtClose+1 {
		t.Errorf("reconnect kept running after Close: %d dials", d.count())
	}
	if m.State() != status.Closed {
		t.Errorf("state = %s after Close, want CLOSED", m.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()
	if m.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", m.State())
	}
}

func TestSendWhileOfflineIsDropped(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("https://example.com", "tokA", fastPolicy(), d, bus.New(), nil)

	// Never connected: the envelope is dropped, not queued.
	m.Send(wire.NewComment("post-1", "into the void"))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.Send(wire.NewComment("post-1", "delivered"))
	waitFor(t, func() bool { return d.transport().written() == 1 }, "online send written")
}
