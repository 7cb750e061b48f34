package client

import (
	"context"
	"sync"
	"time"

	"github.com/aeolun/socialsync/pkg/protocol"
)

// AckFuture is the single-resolution result of an event emitted with an ack.
type AckFuture struct {
	id      string
	created time.Time
	done    chan struct{}
	once    sync.Once

	ack protocol.AckResponse
	err error
	at  time.Time
}

func newAckFuture(id string) *AckFuture {
	return &AckFuture{
		id:      id,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// FailedFuture returns a future already resolved with err.
func FailedFuture(err error) *AckFuture {
	f := newAckFuture("")
	f.resolve(protocol.AckResponse{}, err)
	return f
}

// ID is the correlation id carried by the emitted payload.
func (f *AckFuture) ID() string { return f.id }

// Done is closed once the future resolves.
func (f *AckFuture) Done() <-chan struct{} { return f.done }

// resolve settles the future. Only the first call wins.
func (f *AckFuture) resolve(ack protocol.AckResponse, err error) bool {
	won := false
	f.once.Do(func() {
		f.ack = ack
		f.err = err
		f.at = time.Now()
		won = true
		close(f.done)
	})
	return won
}

// Wait blocks until the future resolves or ctx ends. Cancelling ctx stops the
// wait only; the future itself still resolves by ack or timeout.
func (f *AckFuture) Wait(ctx context.Context) (protocol.AckResponse, error) {
	select {
	case <-f.done:
		return f.ack, f.err
	case <-ctx.Done():
		return protocol.AckResponse{}, ctx.Err()
	}
}

// Result returns the resolution without blocking.
func (f *AckFuture) Result() (protocol.AckResponse, error, bool) {
	select {
	case <-f.done:
		return f.ack, f.err, true
	default:
		return protocol.AckResponse{}, nil, false
	}
}

// Latency is the time between emission and resolution.
func (f *AckFuture) Latency() time.Duration {
	select {
	case <-f.done:
		return f.at.Sub(f.created)
	default:
		return 0
	}
}

// ackRegistry tracks futures awaiting an ack on one connection.
type ackRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

type pendingAck struct {
	future *AckFuture
	timer  *time.Timer
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{pending: make(map[string]*pendingAck)}
}

// add registers f and arms its timeout.
func (r *ackRegistry) add(f *AckFuture, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &pendingAck{future: f}
	p.timer = time.AfterFunc(timeout, func() {
		r.remove(f.id)
		f.resolve(protocol.AckResponse{AckID: f.id}, ErrAckTimeout)
	})
	r.pending[f.id] = p
}

func (r *ackRegistry) remove(id string) *pendingAck {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p
}

// complete resolves the future for ack. Unknown or late acks are dropped.
func (r *ackRegistry) complete(ack protocol.AckResponse) bool {
	p := r.remove(ack.AckID)
	if p == nil {
		return false
	}
	p.timer.Stop()
	return p.future.resolve(ack, nil)
}

// fail resolves the future for id with err.
func (r *ackRegistry) fail(id string, err error) {
	if p := r.remove(id); p != nil {
		p.timer.Stop()
		p.future.resolve(protocol.AckResponse{AckID: id}, err)
	}
}

// failAll resolves every pending future with err.
func (r *ackRegistry) failAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingAck)
	r.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.future.resolve(protocol.AckResponse{AckID: id}, err)
	}
}

func (r *ackRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
