package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/protocol"
)

// MockConnection is an in-memory ManagedChannel for tests. Inbound events
// are dispatched synchronously by SimulateEvent.
type MockConnection struct {
	mu sync.RWMutex

	// State
	userID     string
	connected  bool
	closed     bool
	connectErr error
	emitErr    error
	responder  func(eventType uint8, payload any) *protocol.AckResponse

	dispatcher  *Dispatcher
	acks        *ackRegistry
	stateChange chan ConnectionStateUpdate

	// Emitted events for verification
	emitted []EmittedEvent
}

// EmittedEvent is an event recorded by MockConnection.
type EmittedEvent struct {
	Type    uint8
	Payload any
	AckID   string // empty for fire-and-forget events
}

// NewMockConnection creates a disconnected mock scoped to userID.
func NewMockConnection(userID string) *MockConnection {
	m := &MockConnection{
		userID:      userID,
		dispatcher:  NewDispatcher(zerolog.Nop()),
		acks:        newAckRegistry(),
		stateChange: make(chan ConnectionStateUpdate, 32),
	}
	m.dispatcher.Subscribe(protocol.TypeAck, func(frame *protocol.Frame) {
		var ack protocol.AckResponse
		if err := frame.Decode(&ack); err == nil {
			m.acks.complete(ack)
		}
	})
	return m
}

// NewConnectedMock creates a mock that is already connected.
func NewConnectedMock(userID string) *MockConnection {
	m := NewMockConnection(userID)
	m.connected = true
	return m
}

// UserID returns the scope the mock was created for.
func (m *MockConnection) UserID() string { return m.userID }

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Connect simulates opening the channel.
func (m *MockConnection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	m.connected = true
	m.mu.Unlock()

	m.SimulateStateChange(ConnectionStateUpdate{State: StateConnected})
	return nil
}

// Close closes the mock. Pending acks fail with ErrChannelClosed.
func (m *MockConnection) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.connected = false
	close(m.stateChange)
	m.mu.Unlock()

	m.acks.failAll(ErrChannelClosed)
}

// IsClosed reports whether Close was called.
func (m *MockConnection) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// StateChanges returns the state change channel
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// Subscribe registers a handler for an inbound event type.
func (m *MockConnection) Subscribe(eventType uint8, handler Handler) func() {
	return m.dispatcher.Subscribe(eventType, handler)
}

// Emit records a fire-and-forget event.
func (m *MockConnection) Emit(eventType uint8, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.emitErr != nil {
		return m.emitErr
	}
	m.emitted = append(m.emitted, EmittedEvent{Type: eventType, Payload: payload})
	return nil
}

// EmitWithAck records the event and, when a responder is set, resolves the
// future with its answer before returning.
func (m *MockConnection) EmitWithAck(eventType uint8, payload Ackable, timeout time.Duration) *AckFuture {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return FailedFuture(ErrNotConnected)
	}
	if m.emitErr != nil {
		err := m.emitErr
		m.mu.Unlock()
		return FailedFuture(err)
	}
	id := uuid.NewString()
	payload.SetAckID(id)
	f := newAckFuture(id)
	m.acks.add(f, timeout)
	m.emitted = append(m.emitted, EmittedEvent{Type: eventType, Payload: payload, AckID: id})
	responder := m.responder
	m.mu.Unlock()

	if responder != nil {
		if resp := responder(eventType, payload); resp != nil {
			resp.AckID = id
			m.acks.complete(*resp)
		}
	}
	return f
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetEmitError sets an error to return from Emit() and EmitWithAck()
func (m *MockConnection) SetEmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErr = err
}

// SetAckResponder answers every EmitWithAck. A nil response leaves the
// future pending.
func (m *MockConnection) SetAckResponder(fn func(eventType uint8, payload any) *protocol.AckResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// ResolveAck completes a pending future as if the server acked it.
func (m *MockConnection) ResolveAck(ack protocol.AckResponse) bool {
	return m.acks.complete(ack)
}

// PendingAcks returns the number of futures awaiting an ack.
func (m *MockConnection) PendingAcks() int {
	return m.acks.len()
}

// SimulateDisconnect drops the mock as if the network failed.
func (m *MockConnection) SimulateDisconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.acks.failAll(ErrChannelClosed)
	m.SimulateStateChange(ConnectionStateUpdate{State: StateDisconnected})
}

// SimulateEvent dispatches an inbound event to subscribers and returns once
// every handler ran.
func (m *MockConnection) SimulateEvent(eventType uint8, body any) error {
	frame, err := protocol.NewFrame(eventType, body)
	if err != nil {
		return err
	}
	m.dispatcher.Dispatch(frame)
	return nil
}

// SimulateStateChange publishes a state change unless the mock is closed.
func (m *MockConnection) SimulateStateChange(update ConnectionStateUpdate) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.stateChange <- update:
	default:
	}
}

// Handlers returns the number of handlers registered for eventType.
func (m *MockConnection) Handlers(eventType uint8) int {
	return m.dispatcher.Count(eventType)
}

// Emitted returns the recorded events of eventType.
func (m *MockConnection) Emitted(eventType uint8) []EmittedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []EmittedEvent
	for _, e := range m.emitted {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LastEmitted returns the most recent event of eventType.
func (m *MockConnection) LastEmitted(eventType uint8) (EmittedEvent, error) {
	events := m.Emitted(eventType)
	if len(events) == 0 {
		return EmittedEvent{}, fmt.Errorf("no %s emitted", protocol.EventName(eventType))
	}
	return events[len(events)-1], nil
}

// ClearEmitted clears the recorded events
func (m *MockConnection) ClearEmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = nil
}

// Verify that MockConnection implements ManagedChannel
var _ ManagedChannel = (*MockConnection)(nil)
