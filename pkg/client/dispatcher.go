package client

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/protocol"
)

// Dispatcher fans inbound frames out to subscribed handlers. Handlers for a
// frame run in subscription order, and frames are dispatched one at a time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint8]map[uint64]Handler
	nextID   uint64

	// serializes Dispatch calls
	runMu  sync.Mutex
	logger zerolog.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[uint8]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler for eventType. The returned function removes it
// and is safe to call more than once.
func (d *Dispatcher) Subscribe(eventType uint8, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[eventType] == nil {
		d.handlers[eventType] = make(map[uint64]Handler)
	}
	d.handlers[eventType][id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers[eventType], id)
			if len(d.handlers[eventType]) == 0 {
				delete(d.handlers, eventType)
			}
			d.mu.Unlock()
		})
	}
}

// Count returns the number of handlers registered for eventType.
func (d *Dispatcher) Count(eventType uint8) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}

// Dispatch delivers frame to every handler subscribed to its type.
func (d *Dispatcher) Dispatch(frame *protocol.Frame) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	name := protocol.EventName(frame.Type)
	metrics.EventsReceived.WithLabelValues(name).Inc()

	d.mu.RLock()
	registered := d.handlers[frame.Type]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sortIDs(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug().Str("event", name).Msg("No handler for event")
		return
	}

	for _, h := range handlers {
		d.invoke(name, h, frame)
	}
}

func (d *Dispatcher) invoke(name string, h Handler, frame *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("event", name).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	h(frame)
}

// Run dispatches frames from in until it is closed.
func (d *Dispatcher) Run(in <-chan *protocol.Frame) {
	for frame := range in {
		d.Dispatch(frame)
	}
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
