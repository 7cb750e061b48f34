package client

import (
	"context"
	"errors"
	"time"

	"github.com/aeolun/socialsync/pkg/protocol"
)

var (
	// ErrNotConnected is returned when an operation needs a live channel and there is none.
	ErrNotConnected = errors.New("not connected")
	// ErrChannelClosed is returned once a connection has been torn down.
	ErrChannelClosed = errors.New("channel closed")
	// ErrAckTimeout resolves an ack future when the server never answered.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrRetriesExhausted is returned when every bounded connection attempt failed.
	ErrRetriesExhausted = errors.New("connection retries exhausted")
	// ErrQueueFull is returned when the outgoing queue cannot take another frame.
	ErrQueueFull = errors.New("outgoing queue full")
)

// Handler receives inbound frames of the event type it subscribed to.
// Handlers run one at a time on the channel's dispatcher goroutine.
type Handler func(frame *protocol.Frame)

// Ackable is a payload that carries an ack correlation id.
type Ackable interface {
	SetAckID(id string)
}

// Channel is the borrowed view of a live connection handed to dependents.
// A nil Channel means offline.
type Channel interface {
	// UserID is the identity the channel is scoped to.
	UserID() string
	IsConnected() bool

	// Emit sends a fire-and-forget event.
	Emit(eventType uint8, payload any) error
	// EmitWithAck sends an event and returns a future resolved exactly once:
	// by the server's ack, by ErrAckTimeout after timeout, or by ErrChannelClosed.
	EmitWithAck(eventType uint8, payload Ackable, timeout time.Duration) *AckFuture

	// Subscribe registers a handler and returns its release function.
	Subscribe(eventType uint8, handler Handler) (unsubscribe func())
}

// ManagedChannel is the owning view used by the lifecycle manager.
type ManagedChannel interface {
	Channel
	Connect(ctx context.Context) error
	Close()
	StateChanges() <-chan ConnectionStateUpdate
}

// StateInterface defines client state persistence.
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Identity of the last signed-in session
	GetLastUserID() string
	SetLastUserID(userID string) error

	// Last known unseen notification count per scope
	GetUnseenCount(scopeID string) (int, bool, error)
	SaveUnseenCount(scopeID string, count int) error

	// State directory
	GetStateDir() string

	Close() error
}
