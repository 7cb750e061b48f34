package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateConnecting ConnectionStateType = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateOffline // retries exhausted, no further attempts
)

func (s ConnectionStateType) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// WSConn is the subset of *websocket.Conn the connection needs.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a websocket to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (WSConn, error)

// DialWebSocket dials with gorilla's default dialer settings.
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (WSConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Options configures a Connection.
type Options struct {
	URL    string // ws:// or wss:// endpoint
	UserID string // scope the channel is opened for
	Token  string

	MaxAttempts      int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	WelcomeTimeout   time.Duration
	PingInterval     time.Duration // 0 disables keepalive

	Logger zerolog.Logger
	Dial   DialFunc
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WelcomeTimeout <= 0 {
		o.WelcomeTimeout = 5 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
}

// Connection is a websocket channel scoped to one identity. It reconnects on
// unexpected drops with a bounded fixed-delay policy and gives up after
// MaxAttempts, publishing StateOffline.
type Connection struct {
	opts   Options
	logger zerolog.Logger

	mu            sync.RWMutex
	link          *link
	connected     bool
	reconnecting  bool
	closed        bool
	started       bool
	serverVersion uint8

	dispatcher  *Dispatcher
	acks        *ackRegistry
	incoming    chan *protocol.Frame
	stateChange chan ConnectionStateUpdate

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Shutdown
	shutdown     chan struct{}
	wg           sync.WaitGroup // socket, connect and reconnect goroutines
	dispatchDone chan struct{}
}

// link is one established websocket. A Connection owns at most one at a time.
type link struct {
	conn     WSConn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// NewConnection creates a connection that has not been opened yet.
func NewConnection(opts Options) (*Connection, error) {
	if opts.URL == "" {
		return nil, errors.New("channel url is empty")
	}
	if opts.UserID == "" {
		return nil, errors.New("channel user id is empty")
	}
	opts.applyDefaults()

	logger := opts.Logger.With().Str("component", "channel").Str("user", opts.UserID).Logger()
	c := &Connection{
		opts:         opts,
		logger:       logger,
		dispatcher:   NewDispatcher(logger),
		acks:         newAckRegistry(),
		incoming:     make(chan *protocol.Frame, 100),
		stateChange:  make(chan ConnectionStateUpdate, 16),
		shutdown:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	c.dispatcher.Subscribe(protocol.TypeAck, c.handleAck)
	return c, nil
}

// UserID returns the scope the channel was opened for.
func (c *Connection) UserID() string {
	return c.opts.UserID
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// StateChanges returns the channel for connection state updates.
// It is closed by Close.
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// ServerVersion is the protocol version announced in the welcome frame.
func (c *Connection) ServerVersion() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Subscribe registers a handler for an inbound event type.
func (c *Connection) Subscribe(eventType uint8, handler Handler) func() {
	return c.dispatcher.Subscribe(eventType, handler)
}

// Connect opens the channel, retrying up to MaxAttempts with RetryDelay
// between attempts.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	if !c.started {
		c.started = true
		go func() {
			defer close(c.dispatchDone)
			c.dispatcher.Run(c.incoming)
		}()
	}
	c.mu.Unlock()
	defer c.wg.Done()

	return c.connectWithRetry(ctx, StateConnecting)
}

func (c *Connection) connectWithRetry(ctx context.Context, state ConnectionStateType) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 || state == StateReconnecting {
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.shutdown:
				return ErrChannelClosed
			}
		}

		c.publish(ConnectionStateUpdate{State: state, Attempt: attempt})
		c.logger.Debug().Int("attempt", attempt).Msg("Opening channel")

		err := c.dialOnce(ctx)
		if err == nil {
			metrics.ChannelAttempts.WithLabelValues("success").Inc()
			return nil
		}
		metrics.ChannelAttempts.WithLabelValues("failure").Inc()
		if errors.Is(err, ErrChannelClosed) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.opts.MaxAttempts).Msg("Channel attempt failed")
	}

	c.logger.Error().Err(lastErr).Msg("Channel retries exhausted, staying offline")
	err := fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
	c.publish(ConnectionStateUpdate{State: StateOffline, Err: err})
	return err
}

func (c *Connection) channelURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid channel url %q: %w", c.opts.URL, err)
	}
	q := u.Query()
	q.Set("userId", c.opts.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialOnce performs one connection attempt and starts the loops on success.
func (c *Connection) dialOnce(ctx context.Context) error {
	target, err := c.channelURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	conn, err := c.opts.Dial(dctx, target, header)
	if err != nil {
		return err
	}

	welcome, frame, err := c.readWelcome(conn)
	if err != nil {
		conn.Close()
		return err
	}

	l := &link{
		conn:     conn,
		outgoing: make(chan []byte, 100),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.link = l
	c.connected = true
	c.serverVersion = welcome.ProtocolVersion
	c.wg.Add(2)
	c.mu.Unlock()

	select {
	case c.incoming <- frame:
	default:
		c.logger.Warn().Msg("Incoming queue full during welcome")
	}
	go c.readLoop(l)
	go c.writeLoop(l)

	if welcome.ProtocolVersion > protocol.ProtocolVersion {
		c.logger.Info().Uint8("server_version", welcome.ProtocolVersion).Msg("Server speaks a newer protocol")
	}
	c.logger.Info().Msg("Channel connected")
	metrics.ChannelConnects.Inc()
	c.publish(ConnectionStateUpdate{State: StateConnected})
	return nil
}

// readWelcome validates the first frame of a fresh connection.
func (c *Connection) readWelcome(conn WSConn) (protocol.Welcome, *protocol.Frame, error) {
	var welcome protocol.Welcome
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.WelcomeTimeout)); err != nil {
		return welcome, nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return welcome, nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	c.bytesReceived.Add(uint64(len(data)))

	frame, err := protocol.DecodeMessage(data)
	if err != nil {
		return welcome, nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	if frame.Type != protocol.TypeWelcome {
		return welcome, nil, fmt.Errorf("unexpected first frame %s, expected welcome", protocol.EventName(frame.Type))
	}
	if err := frame.Decode(&welcome); err != nil {
		return welcome, nil, err
	}
	if welcome.UserID != "" && welcome.UserID != c.opts.UserID {
		return welcome, nil, fmt.Errorf("welcome scoped to %q, expected %q", welcome.UserID, c.opts.UserID)
	}
	return welcome, frame, nil
}

func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()

	for {
		if c.opts.PingInterval > 0 {
			l.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			c.handleDrop(l, err)
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		frame, err := protocol.DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		c.logger.Trace().Str("event", protocol.EventName(frame.Type)).Int("len", len(frame.Payload)).Msg("← RECV")

		select {
		case c.incoming <- frame:
		case <-l.done:
			return
		}
	}
}

func (c *Connection) writeLoop(l *link) {
	defer c.wg.Done()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-l.outgoing:
			if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.handleDrop(l, err)
				return
			}
			c.bytesSent.Add(uint64(len(data)))
		case <-ping:
			data, err := c.encode(protocol.TypePing, struct{}{})
			if err != nil {
				continue
			}
			if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.handleDrop(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}

// handleDrop tears down l. Unexpected drops start the reconnect loop.
func (c *Connection) handleDrop(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.connected = false
	closed := c.closed
	startReconnect := !closed && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	l.close()
	c.acks.failAll(ErrChannelClosed)

	if closed {
		return
	}
	c.logger.Warn().Err(cause).Msg("Channel dropped")
	c.publish(ConnectionStateUpdate{State: StateDisconnected, Err: cause})

	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Connection) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.connectWithRetry(ctx, StateReconnecting); err != nil {
		c.logger.Debug().Err(err).Msg("Reconnect loop ended")
		return
	}
	c.logger.Info().Msg("Channel reconnected")
}

func (c *Connection) handleAck(frame *protocol.Frame) {
	var ack protocol.AckResponse
	if err := frame.Decode(&ack); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed ack")
		return
	}
	if !c.acks.complete(ack) {
		c.logger.Debug().Str("ack_id", ack.AckID).Msg("Ack for unknown or expired id")
	}
}

func (c *Connection) encode(eventType uint8, payload any) ([]byte, error) {
	frame, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	peer := c.serverVersion
	c.mu.RUnlock()
	return protocol.EncodeMessage(frame, peer)
}

// Emit sends a fire-and-forget event.
func (c *Connection) Emit(eventType uint8, payload any) error {
	data, err := c.encode(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		return ErrNotConnected
	}

	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.outgoing <- data:
		metrics.EventsEmitted.WithLabelValues(protocol.EventName(eventType)).Inc()
		c.logger.Trace().Str("event", protocol.EventName(eventType)).Int("len", len(data)).Msg("→ SEND")
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// EmitWithAck sends an event carrying a fresh ack id and waits for the
// matching ack in the returned future.
func (c *Connection) EmitWithAck(eventType uint8, payload Ackable, timeout time.Duration) *AckFuture {
	if !c.IsConnected() {
		return FailedFuture(ErrNotConnected)
	}

	id := uuid.NewString()
	payload.SetAckID(id)
	f := newAckFuture(id)
	c.acks.add(f, timeout)

	if err := c.Emit(eventType, payload); err != nil {
		c.acks.fail(id, err)
	}
	return f
}

// PendingAcks returns the number of futures awaiting an ack.
func (c *Connection) PendingAcks() int {
	return c.acks.len()
}

// Drop closes the current socket as if the network failed. The reconnect
// policy applies.
func (c *Connection) Drop() {
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l != nil {
		l.conn.Close()
	}
}

// Close shuts down the connection permanently. Queued events are still
// dispatched before it returns, so it must not be called from a handler.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.connected = false
	c.mu.Unlock()

	close(c.shutdown)
	if l != nil {
		l.close()
	}
	c.acks.failAll(ErrChannelClosed)

	c.wg.Wait()
	close(c.incoming)
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		<-c.dispatchDone
	}
	close(c.stateChange)
	c.logger.Debug().Msg("Channel closed")
}

func (c *Connection) publish(update ConnectionStateUpdate) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed && update.State != StateDisconnected {
		return
	}
	select {
	case c.stateChange <- update:
	default:
		c.logger.Debug().Str("state", update.State.String()).Msg("State change dropped, nobody listening")
	}
}
