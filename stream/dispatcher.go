package stream

import (
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
	ID   string
}

// Handler consumes an event. A returned error drops the event and is logged.
type Handler func(ev Event) error

type registration struct {
	id int
	h  Handler
}

// Dispatcher routes events to handlers by event name.
type Dispatcher struct {
	mu       sync.RWMutex
	logger   *log.Logger
	handlers map[string][]registration
	nextID   int
}

func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{logger: logger, handlers: make(map[string][]registration)}
}

// Handle registers h for events called name and returns a function that
// removes it.
func (d *Dispatcher) Handle(name string, h Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[name] = append(d.handlers[name], registration{id: id, h: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.handlers[name]
		for i, r := range regs {
			if r.id == id {
				d.handlers[name] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(d.handlers[name]) == 0 {
			delete(d.handlers, name)
		}
	}
}

// On registers fn for events called name whose payload decodes into T.
func On[T any](d *Dispatcher, name string, fn func(T) error) func() {
	return d.Handle(name, func(ev Event) error {
		var payload T
		if err := sonic.ConfigStd.Unmarshal(ev.Data, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", name, err)
		}
		return fn(payload)
	})
}

// Dispatch runs every handler registered for ev.Name in registration order.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[ev.Name]...)
	d.mu.RUnlock()

	if len(regs) == 0 {
		d.logger.WithField("event", ev.Name).Debug("stream.event.unhandled")
		return
	}
	for _, r := range regs {
		d.run(r.h, ev)
	}
}

func (d *Dispatcher) run(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.WithFields(log.Fields{
				"event": ev.Name,
				"panic": fmt.Sprint(rec),
			}).Error("stream.event.handler_panic")
		}
	}()
	if err := h(ev); err != nil {
		d.logger.WithFields(log.Fields{
			"event": ev.Name,
			"bytes": len(ev.Data),
		}).WithError(err).Warn("stream.event.dropped")
	}
}
