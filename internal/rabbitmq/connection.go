package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hydrovis/rnr/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and its session channel.
//
// The initial Connect is retried according to a bounded policy. Once a
// connection has been established, a dropped connection is re-dialed in the
// background until Disconnect is called or the reconnect budget runs out.
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	connectRetry   reliability.RetryPolicy
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger

	// lifecycle serializes Connect and Disconnect
	lifecycle sync.Mutex

	mu      sync.RWMutex
	conn    AMQPConnection
	session AMQPChannel
	done    chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectRetry sets the policy for the initial Connect
func WithConnectRetry(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectRetry = policy
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, -1 for no limit
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the connection_name client property shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		connectRetry:   reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 4),
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection and its session.
//
// Every failed attempt closes whatever it opened, so a failed Connect leaves
// the manager disconnected with Status false. The returned error is a
// *ConnectionError carrying the number of attempts made.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.Status() {
		return nil
	}
	cm.clear()

	cm.logger.Info("connecting to RabbitMQ", "url", SanitizeURL(cm.url))

	attempts := 0
	var notifyClose chan *amqp.Error
	err := reliability.Retry(ctx, cm.connectRetry, func() error {
		attempts++
		var err error
		notifyClose, err = cm.open(ctx)
		if err != nil {
			cm.logger.Warn("connection attempt failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"attempts", attempts,
			"error", err,
		)
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.mu.Lock()
	done := make(chan struct{})
	cm.done = done
	cm.mu.Unlock()

	go cm.handleReconnect(notifyClose, done)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "attempts", attempts)
	return nil
}

// open dials a connection and opens its session, installing both only when
// both succeed. The close listener is registered right after dialing so a
// drop at any later point reaches the reconnect watcher.
func (cm *ConnectionManager) open(ctx context.Context) (chan *amqp.Error, error) {
	conn, err := cm.dialContext(ctx)
	if err != nil {
		return nil, classifyDialError(err)
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	session, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &ChannelError{
			Op:        "open session",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.session = session
	cm.mu.Unlock()

	return notifyClose, nil
}

// dialContext runs the dialer so that ctx and the dial timeout can abandon it.
// A connection that completes after being abandoned is closed.
func (cm *ConnectionManager) dialContext(ctx context.Context) (AMQPConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn AMQPConnection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.config())
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, reliability.Permanent(ctx.Err())
	}
}

func (cm *ConnectionManager) config() amqp.Config {
	config := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	}
	if cm.name != "" {
		config.Properties = amqp.Table{
			"connection_name": cm.name,
		}
	}
	return config
}

// Status reports whether both the connection and the session are open
func (cm *ConnectionManager) Status() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.conn != nil && cm.session != nil &&
		!cm.conn.IsClosed() && !cm.session.IsClosed()
}

// Session returns the session channel
func (cm *ConnectionManager) Session() (AMQPChannel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.session == nil || cm.session.IsClosed() {
		return nil, ErrNoSession
	}
	return cm.session, nil
}

// Channel opens an additional channel on the current connection
func (cm *ConnectionManager) Channel() (AMQPChannel, error) {
	cm.mu.RLock()
	conn := cm.conn
	cm.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Disconnect closes the session and then the connection. It is safe to call
// any number of times.
func (cm *ConnectionManager) Disconnect() error {
	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	return cm.clear()
}

// clear stops the reconnect watcher and releases the session and connection.
func (cm *ConnectionManager) clear() error {
	cm.mu.Lock()
	if cm.done != nil {
		close(cm.done)
		cm.done = nil
	}
	session, conn := cm.session, cm.conn
	cm.session, cm.conn = nil, nil
	cm.mu.Unlock()

	var errs []error
	if session != nil && !session.IsClosed() {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	if conn != nil {
		cm.logger.Info("disconnected from RabbitMQ", "url", SanitizeURL(cm.url))
	}
	return errors.Join(errs...)
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error, done chan struct{}) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok || err == nil {
				// closed on purpose
				return
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			select {
			case <-done:
				cm.mu.Unlock()
				return
			default:
			}
			session := cm.session
			cm.conn, cm.session = nil, nil
			cm.mu.Unlock()

			if session != nil && !session.IsClosed() {
				session.Close()
			}

			cm.notifyDisconnected(err)

			next, ok := cm.reconnect(done)
			if !ok {
				return
			}
			notifyClose = next

		case <-done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect re-dials until it succeeds, the retry budget is spent or done is
// closed. It returns the close notifications of the new connection.
func (cm *ConnectionManager) reconnect(done chan struct{}) (chan *amqp.Error, bool) {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, cm.maxRetries)
	startTime := time.Now()

	for retries := 0; ; retries++ {
		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       errors.New("maximum reconnection attempts exceeded"),
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return nil, false
		}

		if retries > 0 {
			timer := time.NewTimer(backoff.NextDelay(retries - 1))
			select {
			case <-timer.C:
			case <-done:
				timer.Stop()
				return nil, false
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(retries + 1)

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", retries+1)
			continue
		}
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		session, err := conn.Channel()
		if err != nil {
			conn.Close()
			cm.logger.Error("reconnection failed to open session", "error", err, "attempt", retries+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-done:
			cm.mu.Unlock()
			session.Close()
			conn.Close()
			return nil, false
		default:
		}
		cm.conn = conn
		cm.session = session
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()

		return notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
