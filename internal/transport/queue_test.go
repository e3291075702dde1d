package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// MockSender records packages and fails for selected hosts
type MockSender struct {
	mu      sync.Mutex
	sent    []Package
	failFor map[string]bool
}

func (m *MockSender) Send(ctx context.Context, p Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[p.Host] {
		return errors.New("no such host")
	}
	m.sent = append(m.sent, p)
	return nil
}

func (m *MockSender) Sent() []Package {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Package(nil), m.sent...)
}

// fakeClock advances only when the queue sleeps
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestQueue(t *testing.T, sender Sender, online func() bool) (*Queue, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := New(DefaultConfig(), sender, online)
	q.now = clock.Now
	q.sleep = clock.Sleep

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(q.Stop)
	return q, clock
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for batch result")
		return Result{}
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPacing(t *testing.T) {
	gwA := func(msg string) Package {
		return Package{Host: "192.168.1.10", Port: 49880, Message: msg, Timeout: 200 * time.Millisecond}
	}
	gwB := func(msg string) Package {
		return Package{Host: "192.168.1.11", Port: 49880, Message: msg, Timeout: 50 * time.Millisecond}
	}

	tests := []struct {
		name   string
		batch  []Package
		sleeps []time.Duration
	}{
		{
			name:   "single package",
			batch:  []Package{gwA("1")},
			sleeps: nil,
		},
		{
			name:   "same gateway uses its timeout",
			batch:  []Package{gwA("1"), gwA("2"), gwA("3")},
			sleeps: []time.Duration{200 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name:   "different gateway uses default delay",
			batch:  []Package{gwA("1"), gwB("2"), gwB("3")},
			sleeps: []time.Duration{time.Second, 50 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &MockSender{}
			q, clock := newTestQueue(t, sender, nil)

			ch, err := q.Submit(tt.batch)
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			res := wait(t, ch)
			if res.Sent != len(tt.batch) || res.Failed != 0 {
				t.Errorf("Result = %+v, want %d sent", res, len(tt.batch))
			}
			if got := clock.Sleeps(); !equalDurations(got, tt.sleeps) {
				t.Errorf("Sleeps = %v, want %v", got, tt.sleeps)
			}

			sent := sender.Sent()
			for i := range tt.batch {
				if sent[i].Message != tt.batch[i].Message {
					t.Errorf("sent[%d] = %q, want %q", i, sent[i].Message, tt.batch[i].Message)
				}
			}
		})
	}
}

func TestPacingAcrossBatches(t *testing.T) {
	sender := &MockSender{}
	q, clock := newTestQueue(t, sender, nil)

	p := Package{Host: "192.168.1.10", Port: 49880, Message: "X", Timeout: 300 * time.Millisecond}

	first, err := q.Submit([]Package{p})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	wait(t, first)

	// Part of the gap has already elapsed
	clock.mu.Lock()
	clock.now = clock.now.Add(100 * time.Millisecond)
	clock.mu.Unlock()

	second, err := q.Submit([]Package{p})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	wait(t, second)

	want := []time.Duration{200 * time.Millisecond}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestFailedPackageCooldown(t *testing.T) {
	sender := &MockSender{failFor: map[string]bool{"bad.invalid": true}}
	q, clock := newTestQueue(t, sender, nil)

	ch, err := q.Submit([]Package{
		{Host: "bad.invalid", Port: 49880, Message: "1", Timeout: 200 * time.Millisecond},
		{Host: "192.168.1.10", Port: 49880, Message: "2", Timeout: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res := wait(t, ch)
	if res.Sent != 1 || res.Failed != 1 {
		t.Errorf("Result = %+v, want 1 sent 1 failed", res)
	}

	// Cooldown exceeds the default delay, so no extra wait follows it
	want := []time.Duration{2 * time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestSubmitOffline(t *testing.T) {
	sender := &MockSender{}
	q, _ := newTestQueue(t, sender, func() bool { return false })

	_, err := q.Submit([]Package{{Host: "192.168.1.10", Port: 49880, Message: "1"}})
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("Submit error = %v, want ErrNoConnection", err)
	}
	if len(sender.Sent()) != 0 {
		t.Error("Offline batch must be dropped")
	}
}

func TestSubmitEmptyAndStopped(t *testing.T) {
	q := New(DefaultConfig(), &MockSender{}, nil)

	ch, err := q.Submit(nil)
	if err != nil {
		t.Fatalf("Submit(nil) failed: %v", err)
	}
	if res := <-ch; res.Sent != 0 || res.Failed != 0 {
		t.Errorf("Result = %+v, want empty", res)
	}

	if _, err := q.Submit([]Package{{Host: "h", Port: 1}}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit error = %v, want ErrNotRunning", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	sender := &MockSender{}
	clock := &fakeClock{now: time.Now()}
	q := New(DefaultConfig(), sender, nil)
	q.now = clock.Now
	q.sleep = clock.Sleep
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var results []<-chan Result
	for i := 0; i < 5; i++ {
		ch, err := q.Submit([]Package{{Host: "192.168.1.10", Port: 49880, Message: "x"}})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		results = append(results, ch)
	}
	q.Stop()

	for _, ch := range results {
		if res := <-ch; res.Sent != 1 {
			t.Errorf("Result = %+v, want sent", res)
		}
	}
	if len(sender.Sent()) != 5 {
		t.Errorf("Sent %d packages, want 5", len(sender.Sent()))
	}
}

// gatedSender holds the first package until release is closed and, like
// a dialer, fails on a cancelled context
type gatedSender struct {
	MockSender
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSender) Send(ctx context.Context, p Package) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.MockSender.Send(ctx, p)
}

func TestCancelDuringBatch(t *testing.T) {
	sender := &gatedSender{started: make(chan struct{}), release: make(chan struct{})}
	clock := &fakeClock{now: time.Now()}
	q := New(DefaultConfig(), sender, nil)
	q.now = clock.Now
	q.sleep = func(ctx context.Context, d time.Duration) {
		if ctx.Err() != nil {
			return
		}
		clock.Sleep(ctx, d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(q.Stop)

	p := Package{Host: "192.168.1.10", Port: 49880, Message: "x", Timeout: 200 * time.Millisecond}
	ch, err := q.Submit([]Package{p, p, p, p})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-sender.started
	cancel()
	close(sender.release)

	res := wait(t, ch)
	if res.Sent != 4 || res.Failed != 0 {
		t.Errorf("Result = %+v, want all 4 sent", res)
	}
	want := []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestUDPSender(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	s := NewUDPSender(time.Second)
	if err := s.Send(context.Background(), Package{Host: "127.0.0.1", Port: addr.Port, Message: "TXP:1;"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if string(buf[:n]) != "TXP:1;" {
		t.Errorf("Received %q, want TXP:1;", buf[:n])
	}
}
