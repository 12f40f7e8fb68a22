package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"task-client/notice"
)

type staticCreds struct {
	mu    sync.Mutex
	token string
}

func (s *staticCreds) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

func (s *staticCreds) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", errors.New("no credential")
	}
	return s.token, nil
}

func (s *staticCreds) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

type fakeConn struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 8), closed: make(chan struct{})}
}

func (c *fakeConn) Next() (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return Event{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice.Notice
}

func (r *recordingNotifier) Notify(n notice.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []notice.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notice.Notice(nil), r.notices...)
}

type harness struct {
	ch       *Channel
	dialer   *fakeDialer
	clock    *fakeClock
	notifier *recordingNotifier
	creds    *staticCreds
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		dialer:   &fakeDialer{},
		clock:    &fakeClock{},
		notifier: &recordingNotifier{},
		creds:    &staticCreds{token: "a.b.c"},
		disp:     NewDispatcher(logger),
	}
	h.ch = NewChannel(Options{
		BaseURL:     "http://backend/",
		Credentials: h.creds,
		Dialer:      h.dialer,
		Dispatcher:  h.disp,
		Notifier:    h.notifier,
		Logger:      logger,
		AfterFunc:   h.clock.AfterFunc,
	})
	t.Cleanup(func() {
		h.ch.Close()
		h.ch.Wait()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return ch.State() == want })
}

func TestChannelStartsDisconnectedWithoutCredential(t *testing.T) {
	h := newHarness(t)
	h.creds.set("")

	h.ch.Open()

	if got := h.ch.State(); got != Disconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if h.dialer.dials() != 0 {
		t.Fatalf("expected no dial without a credential")
	}
}

func TestChannelOpenPutsTokenInURL(t *testing.T) {
	h := newHarness(t)

	h.ch.Open()
	waitState(t, h.ch, Open)

	h.dialer.mu.Lock()
	url := h.dialer.urls[0]
	h.dialer.mu.Unlock()
	if url != "http://backend/stream?token=a.b.c" {
		t.Fatalf("unexpected stream url: %s", url)
	}
}

func TestChannelReconnectUsesCurrentToken(t *testing.T) {
	h := newHarness(t)
	h.ch.Open()
	waitState(t, h.ch, Open)

	h.creds.set("d.e.f")
	_ = h.dialer.lastConn().Close()
	waitFor(t, "reconnect timer", func() bool { return len(h.clock.all()) == 1 })
	h.clock.all()[0].fn()
	waitState(t, h.ch, Open)

	h.dialer.mu.Lock()
	url := h.dialer.urls[len(h.dialer.urls)-1]
	h.dialer.mu.Unlock()
	if url != "http://backend/stream?token=d.e.f" {
		t.Fatalf("expected refreshed token on reconnect, got %s", url)
	}
}

type revokedCreds struct {
	mu      sync.Mutex
	revoked bool
}

func (r *revokedCreds) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.revoked
}

func (r *revokedCreds) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = true
	return "", errors.New("refresh rejected")
}

func TestChannelTokenRevokedWhileConnecting(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	notifier := &recordingNotifier{}
	ch := NewChannel(Options{
		Credentials: &revokedCreds{},
		Dialer:      dialer,
		Notifier:    notifier,
		Logger:      logger,
		AfterFunc:   clock.AfterFunc,
	})
	defer ch.Wait()
	defer ch.Close()

	ch.Open()

	waitState(t, ch, Disconnected)
	if dialer.dials() != 0 || len(clock.all()) != 0 || len(notifier.all()) != 0 {
		t.Fatalf("expected no dial, timer or notice after the credential was revoked")
	}
}

func TestChannelBackoffScheduleAndGiveUp(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)

	h.ch.Open()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range want {
		waitFor(t, "reconnect timer", func() bool { return len(h.clock.all()) == i+1 })
		waitState(t, h.ch, ReconnectScheduled)
		timer := h.clock.all()[i]
		if timer.delay != delay {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, delay, timer.delay)
		}
		if got := h.ch.Attempts(); got != i+1 {
			t.Fatalf("expected attempts %d, got %d", i+1, got)
		}
		timer.fn()
	}

	waitState(t, h.ch, Errored)
	waitFor(t, "six dials", func() bool { return h.dialer.dials() == 6 })
	if got := len(h.clock.all()); got != 5 {
		t.Fatalf("expected no further timer after giving up, got %d timers", got)
	}

	notices := h.notifier.all()
	last := notices[len(notices)-1]
	if !last.Persistent || last.Level != notice.Error || !strings.Contains(last.Message, "refresh") {
		t.Fatalf("expected persistent refresh notice, got %#v", last)
	}
	var warnings int
	for _, n := range notices {
		if n.Level == notice.Warn {
			warnings++
		}
	}
	if warnings != 5 {
		t.Fatalf("expected 5 reconnect warnings, got %d", warnings)
	}
	if !strings.Contains(notices[0].Message, "1/5") {
		t.Fatalf("expected attempt counter in warning, got %q", notices[0].Message)
	}
}

func TestChannelBackoffIsCapped(t *testing.T) {
	ch := NewChannel(Options{Credentials: &staticCreds{}, MaxAttempts: 10})
	if got := ch.backoff(5); got != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %v", got)
	}
	if got := ch.backoff(0); got != time.Second {
		t.Fatalf("expected 1s base, got %v", got)
	}
}

func TestChannelSuccessfulReconnectResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)
	h.ch.Open()
	waitFor(t, "first timer", func() bool { return len(h.clock.all()) == 1 })

	h.dialer.setFail(false)
	h.clock.all()[0].fn()

	waitState(t, h.ch, Open)
	if got := h.ch.Attempts(); got != 0 {
		t.Fatalf("expected attempts reset, got %d", got)
	}
}

func TestChannelUnexpectedCloseSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	h.ch.Open()
	waitState(t, h.ch, Open)

	_ = h.dialer.lastConn().Close()

	waitState(t, h.ch, ReconnectScheduled)
	if got := h.ch.Attempts(); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
}

func TestChannelForegroundReconnectsImmediately(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)
	h.ch.Open()
	waitFor(t, "first timer", func() bool { return len(h.clock.all()) == 1 })

	h.dialer.setFail(false)
	h.ch.Foreground()

	waitState(t, h.ch, Open)
	if !h.clock.all()[0].isStopped() {
		t.Fatalf("expected pending timer to be cancelled")
	}
	if h.ch.Attempts() != 0 {
		t.Fatalf("expected attempts reset")
	}

	dials := h.dialer.dials()
	h.ch.Foreground()
	if h.dialer.dials() != dials {
		t.Fatalf("foreground must not reconnect an open channel")
	}
}

func TestChannelOnlineForcesReconnectAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.ch.Open()
	waitState(t, h.ch, Open)
	first := h.dialer.lastConn()

	h.ch.Online()

	waitFor(t, "second dial", func() bool { return h.dialer.dials() == 2 })
	waitState(t, h.ch, Open)
	select {
	case <-first.closed:
	default:
		t.Fatalf("expected previous connection to be closed")
	}
	notices := h.notifier.all()
	if len(notices) == 0 || notices[len(notices)-1].Message != "Connection restored" {
		t.Fatalf("expected restored notice, got %#v", notices)
	}
}

func TestChannelOfflineOnlyNotifies(t *testing.T) {
	h := newHarness(t)
	h.ch.Open()
	waitState(t, h.ch, Open)

	h.ch.Offline()

	if h.ch.State() != Open {
		t.Fatalf("offline must not close the channel")
	}
	notices := h.notifier.all()
	if len(notices) != 1 || notices[0].Level != notice.Warn {
		t.Fatalf("expected one warning, got %#v", notices)
	}
}

func TestChannelCloseCancelsTimerAndFencesCallbacks(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)
	h.ch.Open()
	waitFor(t, "first timer", func() bool { return len(h.clock.all()) == 1 })

	h.ch.Close()
	h.ch.Wait()

	timer := h.clock.all()[0]
	if !timer.isStopped() {
		t.Fatalf("expected timer stopped on close")
	}
	dials := h.dialer.dials()
	timer.fn()
	if h.dialer.dials() != dials || h.ch.State() != Closed {
		t.Fatalf("stale timer callback must not reconnect")
	}

	h.ch.Foreground()
	if h.ch.State() != Closed {
		t.Fatalf("foreground must not revive a closed channel")
	}
}

func TestChannelDispatchesEventsInOrder(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var got []string
	h.disp.Handle("task_created", func(ev Event) error {
		mu.Lock()
		got = append(got, string(ev.Data))
		mu.Unlock()
		return nil
	})

	h.ch.Open()
	waitState(t, h.ch, Open)
	conn := h.dialer.lastConn()
	conn.events <- Event{Name: "task_created", Data: []byte("1")}
	conn.events <- Event{Name: "task_created", Data: []byte("2")}

	waitFor(t, "two events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if got[0] != "1" || got[1] != "2" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestChannelStateObserver(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var seen []State
	h.ch.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	h.ch.Open()
	waitState(t, h.ch, Open)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Connecting || seen[1] != Open {
		t.Fatalf("unexpected transitions: %v", seen)
	}
}
