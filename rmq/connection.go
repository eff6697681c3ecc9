package rmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SetupTask is a unit of topology or consumer registration that a ConnectionManager
// applies to every channel it opens, in registration order. Run must be idempotent:
// it's replayed from scratch after every reconnect.
type SetupTask struct {
	Name string
	Run  func(ctx context.Context, ch Channel) error
}

// TaskRegistrar accepts setup tasks; it's satisfied by *ConnectionManager
type TaskRegistrar interface {
	RegisterSetupTask(task SetupTask) error
}

// ConnectionManager owns a connection to the broker and a single channel on that
// connection. It re-creates both whenever the transport fails, replaying all registered
// setup tasks against the new channel before reporting itself as connected again.
type ConnectionManager struct {
	cfg     BrokerConfig
	dial    Dialer
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	state     ConnectionState
	conn      Connection
	ch        Channel
	tasks     []SetupTask
	listeners []StateListener
	uriIndex  int
	started   bool
	watching  bool

	// ctx is canceled by Stop; setup tasks (and the consumers they start) run with it
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ConnectionOption configures a ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger used to report connection lifecycle events
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces DialAMQP, e.g. with a fake broker in tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithMetrics records connection state and setup failures
func WithMetrics(m *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// NewConnectionManager prepares a ConnectionManager; no connection is opened until Start
func NewConnectionManager(cfg BrokerConfig, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		cfg:    cfg.withDefaults(),
		dial:   DialAMQP,
		logger: slog.Default(),
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Start connects to the first reachable URI, opens a channel and applies every
// registered setup task. Only failures to obtain a channel are returned: if a setup
// task fails, the error is logged and the manager keeps retrying in the background.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	if len(cm.cfg.URIs) == 0 {
		return ErrNoURIs
	}

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if cm.started {
		cm.mu.Unlock()
		return ErrAlreadyStarted
	}
	cm.started = true
	cm.mu.Unlock()

	if !cm.transition(StateConnecting, nil) {
		return ErrClosed
	}
	conn, ch, err := cm.open(ctx)
	if err != nil {
		cm.transition(StateDisconnected, err)
		cm.mu.Lock()
		cm.started = false
		cm.mu.Unlock()
		return err
	}
	if err := cm.setup(conn, ch); err != nil {
		cm.abandon(conn, err)
		conn, ch = nil, nil
	}

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		if conn != nil && !conn.IsClosed() {
			conn.Close()
		}
		return ErrClosed
	}
	cm.watching = true
	cm.mu.Unlock()

	go cm.watch(conn, ch)
	return nil
}

// Stop closes the connection and moves the manager to StateClosed, from which it
// never recovers. In-flight message handlers are not waited for.
func (cm *ConnectionManager) Stop() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	cm.conn, cm.ch = nil, nil
	listeners := cm.setStateLocked(StateClosed)
	watching := cm.watching
	cm.mu.Unlock()

	cm.notify(listeners, StateClosed, nil)
	cm.cancel()
	cm.logger.Info("Closing RabbitMQ connection")

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	if !watching {
		close(cm.done)
	}
	return err
}

// Done is closed once the background reconnect loop has exited after Stop
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.done
}

// IsListening reports whether a channel is open with all setup tasks applied
func (cm *ConnectionManager) IsListening() bool {
	return cm.State() == StateConnected
}

// State returns the current ConnectionState
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// AddStateListener registers a listener for all subsequent state transitions
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RegisterSetupTask stores a task to be applied on every (re)connect. If a channel is
// already available, the task is applied to it right away and any error is returned.
// The task remains registered either way. A failure counts as a failed connect cycle:
// the current connection is abandoned, and the reconnect replays every task.
func (cm *ConnectionManager) RegisterSetupTask(task SetupTask) error {
	if task.Run == nil {
		return fmt.Errorf("setup task '%s' has no Run func", task.Name)
	}

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return ErrClosed
	}
	cm.tasks = append(cm.tasks, task)
	conn, ch := cm.conn, cm.ch
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if !connected {
		return nil
	}
	if err := cm.apply(task, ch); err != nil {
		cm.mu.Lock()
		current := cm.conn == conn
		cm.mu.Unlock()
		if current {
			cm.abandon(conn, err)
		}
		return err
	}
	return nil
}

// watch blocks until the current connection is lost, then reconnects (with backoff)
// until Stop is called. conn and ch are nil if the initial setup failed.
func (cm *ConnectionManager) watch(conn Connection, ch Channel) {
	defer close(cm.done)

	attempt := 0
	for {
		if conn != nil {
			attempt = 0
			err := cm.waitForClose(conn, ch)
			if cm.ctx.Err() != nil {
				return
			}
			cm.abandon(conn, err)
		}

		if !cm.sleep(cm.backoff(attempt)) {
			return
		}
		attempt++
		cm.metrics.observeReconnect()

		conn, ch = cm.reconnect()
		if cm.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
	}
}

// reconnect makes a single attempt to open a channel and replay setup tasks, returning
// nil values if any step failed
func (cm *ConnectionManager) reconnect() (Connection, Channel) {
	if !cm.transition(StateConnecting, nil) {
		return nil, nil
	}
	cm.logger.Info("Attempting to reconnect to RabbitMQ")

	conn, ch, err := cm.open(cm.ctx)
	if err != nil {
		cm.logger.Error("Failed to reconnect to RabbitMQ", "error", err)
		cm.transition(StateDisconnected, err)
		return nil, nil
	}
	if err := cm.setup(conn, ch); err != nil {
		cm.abandon(conn, err)
		return nil, nil
	}
	return conn, ch
}

// open dials each configured URI in turn, starting with the one that last succeeded,
// and opens a channel on the first connection that's established
func (cm *ConnectionManager) open(ctx context.Context) (Connection, Channel, error) {
	cm.mu.Lock()
	start := cm.uriIndex
	cm.mu.Unlock()

	var errs []error
	for i := 0; i < len(cm.cfg.URIs); i++ {
		index := (start + i) % len(cm.cfg.URIs)
		uri := cm.cfg.URIs[index]

		conn, err := cm.dial(ctx, uri, cm.cfg.amqpConfig())
		if err != nil {
			errs = append(errs, &ConnectionError{Op: "dial", URL: SanitizeURL(uri), Err: err})
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			errs = append(errs, &ConnectionError{Op: "open channel on", URL: SanitizeURL(uri), Err: err})
			continue
		}

		cm.mu.Lock()
		cm.uriIndex = index
		cm.mu.Unlock()
		cm.logger.Info("Connected to RabbitMQ", "url", SanitizeURL(uri))
		return conn, ch, nil
	}
	return nil, nil, errors.Join(errs...)
}

// setup applies all registered tasks, in order, to a freshly-opened channel, then
// promotes that channel to be the current one. Tasks registered while setup is running
// are applied before the manager reports itself as connected.
func (cm *ConnectionManager) setup(conn Connection, ch Channel) error {
	applied := 0
	for {
		cm.mu.Lock()
		if cm.state == StateClosed {
			cm.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		if applied == len(cm.tasks) {
			cm.conn, cm.ch = conn, ch
			listeners := cm.setStateLocked(StateConnected)
			cm.mu.Unlock()
			cm.notify(listeners, StateConnected, nil)
			cm.logger.Info("Successfully set up RabbitMQ channel", "numSetupTasks", applied)
			return nil
		}
		task := cm.tasks[applied]
		cm.mu.Unlock()

		if err := cm.apply(task, ch); err != nil {
			return err
		}
		applied++
	}
}

// apply runs a single setup task, logging it by name if it fails
func (cm *ConnectionManager) apply(task SetupTask, ch Channel) error {
	if err := task.Run(cm.ctx, ch); err != nil {
		cm.metrics.observeSetupFailure(task.Name)
		cm.logger.Error("Failed to set up RabbitMQ channel", "task", task.Name, "error", err)
		return fmt.Errorf("setup task '%s' failed: %w", task.Name, err)
	}
	return nil
}

// abandon discards a connection that's failed (or whose setup failed), and records the
// transition to StateDisconnected. A connection that's already been abandoned is only
// reported once.
func (cm *ConnectionManager) abandon(conn Connection, cause error) {
	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn, cm.ch = nil, nil
	}
	var listeners []StateListener
	report := cm.state != StateDisconnected && cm.state != StateClosed
	if report {
		listeners = cm.setStateLocked(StateDisconnected)
	}
	cm.mu.Unlock()

	// The state changes before the connection is closed, so that the watch loop sees
	// the closure as already reported
	if report {
		cm.notify(listeners, StateDisconnected, cause)
	}
	if !conn.IsClosed() {
		conn.Close()
	}
}

// waitForClose blocks until either the connection or its channel is closed, or until
// the manager is stopped, returning the broker's reason for the closure if known
func (cm *ConnectionManager) waitForClose(conn Connection, ch Channel) error {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
		cm.logger.Warn("RabbitMQ connection closed", "error", amqpErr)
	case amqpErr = <-chClosed:
		cm.logger.Warn("RabbitMQ channel closed", "error", amqpErr)
	case <-cm.ctx.Done():
		return nil
	}
	if amqpErr == nil {
		return &ConnectionError{Op: "lost connection to", URL: "broker", Err: amqp.ErrClosed}
	}
	return &ConnectionError{Op: "lost connection to", URL: "broker", Err: amqpErr}
}

// transition moves to a new state, unless the manager has already been closed, and
// reports whether the transition happened
func (cm *ConnectionManager) transition(state ConnectionState, err error) bool {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return false
	}
	listeners := cm.setStateLocked(state)
	cm.mu.Unlock()

	cm.notify(listeners, state, err)
	return true
}

// setStateLocked updates the state and returns the listeners to notify; cm.mu must be
// held
func (cm *ConnectionManager) setStateLocked(state ConnectionState) []StateListener {
	cm.state = state
	cm.metrics.observeState(state)
	listeners := make([]StateListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	return listeners
}

func (cm *ConnectionManager) notify(listeners []StateListener, state ConnectionState, err error) {
	for _, l := range listeners {
		l.OnStateChange(state, err)
	}
}

// backoff computes an exponentially increasing reconnect delay with ±25% jitter,
// capped at the configured maximum
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := cm.cfg.ReconnectDelay
	for i := 0; i < attempt && delay < cm.cfg.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > cm.cfg.MaxReconnectDelay {
		delay = cm.cfg.MaxReconnectDelay
	}
	jitter := int64(delay) / 4
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(2*jitter+1) - jitter)
	}
	return delay
}

// sleep waits for the given duration, returning false if the manager is stopped first
func (cm *ConnectionManager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cm.ctx.Done():
		return false
	}
}
