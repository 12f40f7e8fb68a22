package stream

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"task-client/notice"
)

// State is the lifecycle state of a Channel.
type State string

const (
	Disconnected       State = "disconnected"
	Connecting         State = "connecting"
	Open               State = "open"
	Errored            State = "error"
	ReconnectScheduled State = "reconnect_scheduled"
	Closed             State = "closed"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// Credentials yields the token for each handshake. Token may refresh an
// expired credential, so it is called outside the channel lock.
type Credentials interface {
	Present() bool
	Token(ctx context.Context) (string, error)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Channel.
type Options struct {
	BaseURL     string
	Credentials Credentials
	Dialer      Dialer
	Dispatcher  *Dispatcher
	Notifier    notice.Notifier
	Logger      *log.Logger
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	AfterFunc   AfterFunc
}

// Channel keeps one live event stream open and reconnects it with capped
// exponential backoff. All of its state is guarded by mu; connection
// goroutines started for an older generation exit without touching it.
type Channel struct {
	baseURL     string
	creds       Credentials
	dialer      Dialer
	dispatcher  *Dispatcher
	notifier    notice.Notifier
	logger      *log.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	afterFunc   AfterFunc

	mu        sync.Mutex
	state     State
	attempts  int
	gen       uint64
	conn      Conn
	cancel    context.CancelFunc
	timer     Timer
	observers map[int]func(State)
	nextObs   int
	changes   []State

	wg sync.WaitGroup
}

func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &SSEDialer{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(opts.Logger)
	}
	if opts.Notifier == nil {
		opts.Notifier = notice.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &Channel{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		creds:       opts.Credentials,
		dialer:      opts.Dialer,
		dispatcher:  opts.Dispatcher,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		afterFunc:   opts.AfterFunc,
		state:       Disconnected,
		observers:   make(map[int]func(State)),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnStateChange registers fn for every transition and returns a function
// that removes it. Observers run outside the channel lock.
func (c *Channel) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Open connects if a credential is present and no connection is live or
// being established. It also revives a closed channel.
func (c *Channel) Open() {
	c.mu.Lock()
	switch c.state {
	case Open, Connecting:
		c.unlockAndNotify()
		return
	}
	c.attempts = 0
	c.connectLocked()
	c.unlockAndNotify()
}

// Close tears the connection down and cancels any pending reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	c.gen++
	c.teardownLocked()
	c.setStateLocked(Closed)
	c.unlockAndNotify()
}

// Wait blocks until every connection goroutine has exited.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// Foreground reconnects immediately unless the channel is already open.
func (c *Channel) Foreground() {
	c.mu.Lock()
	if c.state == Open || c.state == Closed {
		c.unlockAndNotify()
		return
	}
	c.attempts = 0
	c.connectLocked()
	c.unlockAndNotify()
}

// Online forces a fresh connection after the network came back.
func (c *Channel) Online() {
	c.mu.Lock()
	if c.state == Closed {
		c.unlockAndNotify()
		return
	}
	c.attempts = 0
	c.connectLocked()
	c.unlockAndNotify()
	notice.Successf(c.notifier, "Connection restored")
}

// Offline only informs the user; the transport notices the loss on its own.
func (c *Channel) Offline() {
	notice.Warnf(c.notifier, "No internet connection")
}

func (c *Channel) streamURL(token string) string {
	return c.baseURL + "/stream?token=" + url.QueryEscape(token)
}

func (c *Channel) connectLocked() {
	c.gen++
	c.teardownLocked()

	if !c.creds.Present() {
		c.setStateLocked(Disconnected)
		return
	}

	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(Connecting)

	c.wg.Add(1)
	go c.run(ctx, gen)
}

func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	var conn Conn
	token, err := c.creds.Token(ctx)
	if err == nil {
		conn, err = c.dialer.Dial(ctx, c.streamURL(token))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if !c.creds.Present() {
			// signed out while connecting
			c.logger.WithError(err).Debug("stream.no_credential")
			c.setStateLocked(Disconnected)
		} else {
			c.failLocked(err)
		}
		c.unlockAndNotify()
		return
	}
	c.conn = conn
	c.attempts = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.setStateLocked(Open)
	c.unlockAndNotify()
	c.logger.Info("stream.connected")

	for {
		ev, err := conn.Next()
		if err != nil {
			c.mu.Lock()
			if gen == c.gen {
				_ = conn.Close()
				c.conn = nil
				c.failLocked(err)
			}
			c.unlockAndNotify()
			return
		}
		if !c.current(gen) {
			return
		}
		c.dispatcher.Dispatch(ev)
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Channel) failLocked(err error) {
	c.setStateLocked(Errored)
	entry := c.logger.WithError(err).WithField("attempts", c.attempts)

	if c.attempts >= c.maxAttempts {
		entry.Error("stream.reconnect.exhausted")
		c.notifier.Notify(notice.Notice{
			Level:      notice.Error,
			Message:    "Live updates stopped. Please refresh the page.",
			Persistent: true,
		})
		return
	}

	delay := c.backoff(c.attempts)
	c.attempts++
	gen := c.gen
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
	c.setStateLocked(ReconnectScheduled)
	entry.WithField("delay", delay.String()).Warn("stream.reconnect.scheduled")
	notice.Warnf(c.notifier, "Live updates interrupted. Reconnecting (%d/%d)...", c.attempts, c.maxAttempts)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != ReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.connectLocked()
	c.unlockAndNotify()
}

// backoff returns min(base * 2^attempts, max).
func (c *Channel) backoff(attempts int) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.backoffMax {
			return c.backoffMax
		}
	}
	if d > c.backoffMax {
		return c.backoffMax
	}
	return d
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.WithFields(log.Fields{"from": c.state, "to": s}).Debug("stream.state")
	c.state = s
	c.changes = append(c.changes, s)
}

func (c *Channel) unlockAndNotify() {
	changes := c.changes
	c.changes = nil
	var observers []func(State)
	if len(changes) > 0 {
		observers = make([]func(State), 0, len(c.observers))
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	for _, s := range changes {
		for _, fn := range observers {
			fn(s)
		}
	}
}
