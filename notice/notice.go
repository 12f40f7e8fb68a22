package notice

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Level is the severity of a notice.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warn    Level = "warn"
	Error   Level = "error"
)

// Notice is a user-visible message.
type Notice struct {
	ID         string    `json:"id"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"`
	At         time.Time `json:"at"`
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = NotifierFunc(func(Notice) {})

func Infof(n Notifier, format string, args ...any) { notifyf(n, Info, format, args...) }

func Successf(n Notifier, format string, args ...any) { notifyf(n, Success, format, args...) }

func Warnf(n Notifier, format string, args ...any) { notifyf(n, Warn, format, args...) }

func Errorf(n Notifier, format string, args ...any) { notifyf(n, Error, format, args...) }

func notifyf(n Notifier, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	n.Notify(Notice{Level: level, Message: msg})
}

const (
	defaultCapacity = 50
	defaultTTL      = 5 * time.Second
)

// Board keeps the most recent notices. Transient notices drop out of List
// after the TTL; persistent ones stay until dismissed.
type Board struct {
	mu       sync.Mutex
	logger   *log.Logger
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    []Notice
}

// NewBoard creates a Board. Non-positive capacity or ttl use the defaults.
func NewBoard(capacity int, ttl time.Duration, logger *log.Logger) *Board {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Board{logger: logger, capacity: capacity, ttl: ttl, now: time.Now}
}

func (b *Board) Notify(n Notice) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Level == "" {
		n.Level = Info
	}

	b.mu.Lock()
	if n.At.IsZero() {
		n.At = b.now()
	}
	b.items = append(b.items, n)
	if over := len(b.items) - b.capacity; over > 0 {
		b.items = append([]Notice(nil), b.items[over:]...)
	}
	b.mu.Unlock()

	entry := b.logger.WithFields(log.Fields{
		"notice_id":  n.ID,
		"persistent": n.Persistent,
	})
	switch n.Level {
	case Error:
		entry.Error(n.Message)
	case Warn:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// List returns the live notices, oldest first, pruning expired ones.
func (b *Board) List() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	kept := b.items[:0]
	for _, n := range b.items {
		if !n.Persistent && now.Sub(n.At) > b.ttl {
			continue
		}
		kept = append(kept, n)
	}
	b.items = kept
	return append([]Notice(nil), kept...)
}

// Dismiss removes a notice and reports whether it existed.
func (b *Board) Dismiss(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}
