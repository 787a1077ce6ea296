// Package safety owns the halt state of the motion pipeline: an emergency
// stop, a stalled consumer or a failed transport stops the registered
// components and refuses new motion until Reset.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/log"
)

// State is the halt state of the pipeline.
type State int

const (
	StateRunning State = iota
	StateHalting
	StateHalted
	// StateError is a halt caused by a fault rather than a request.
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalting:
		return "halting"
	case StateHalted:
		return "halted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason describes why motion was halted.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonEmergencyStop   Reason = "emergency_stop"
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonTransport       Reason = "transport_error"
	ReasonUserRequest     Reason = "user_request"
)

func (r Reason) fault() bool {
	return r == ReasonEmergencyStop || r == ReasonWatchdogTimeout || r == ReasonTransport
}

// Stopper is a component that must stop when motion halts, such as the
// planning queue or the block consumer.
type Stopper interface {
	Stop(reason Reason) error
}

type StopperFunc func(reason Reason) error

func (f StopperFunc) Stop(reason Reason) error { return f(reason) }

// Manager tracks the halt state.
type Manager struct {
	mu sync.RWMutex

	state    State
	reason   Reason
	msg      string
	haltedAt time.Time

	stoppers      []Stopper
	onHalt        []func(reason Reason, msg string)
	onStateChange []func(oldState, newState State)

	log *log.Logger

	watchdogMu      sync.Mutex
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithWatchdogTimeout sets how long the consumer may go without a
// heartbeat once the watchdog runs.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.watchdogTimeout = d
		}
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
		log:             log.Discard(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a component to stop on halt. Stoppers run in
// registration order.
func (m *Manager) Register(s Stopper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppers = append(m.stoppers, s)
}

// OnHalt registers a callback run after every stopper.
func (m *Manager) OnHalt(fn func(reason Reason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHalt = append(m.onHalt, fn)
}

func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsHalted returns true once the halt sequence has finished.
func (m *Manager) IsHalted() bool {
	s := m.State()
	return s == StateHalted || s == StateError
}

// CheckOperational returns a HALTED error unless motion may proceed.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return errors.Halted(string(m.reason), m.msg)
	}
	return nil
}

// EmergencyStop halts immediately.
func (m *Manager) EmergencyStop(msg string) error {
	return m.halt(ReasonEmergencyStop, msg)
}

// WatchdogTimeout halts because the consumer stopped reporting.
func (m *Manager) WatchdogTimeout() error {
	return m.halt(ReasonWatchdogTimeout, "consumer heartbeat timeout")
}

// TransportFailure halts because blocks can no longer be delivered.
func (m *Manager) TransportFailure(err error) error {
	return m.halt(ReasonTransport, err.Error())
}

// RequestHalt stops motion without flagging a fault.
func (m *Manager) RequestHalt(msg string) error {
	return m.halt(ReasonUserRequest, msg)
}

func (m *Manager) halt(reason Reason, msg string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	oldState := m.state
	m.state = StateHalting
	m.reason = reason
	m.msg = msg
	m.haltedAt = time.Now()
	stoppers := append([]Stopper(nil), m.stoppers...)
	m.mu.Unlock()

	m.StopWatchdog()
	m.log.WithFields(log.Fields{"reason": reason, "message": msg}).Warn("halting motion")

	var firstErr error
	for _, s := range stoppers {
		// Every stopper runs even when an earlier one fails.
		if err := s.Stop(reason); err != nil {
			m.log.WithError(err).Error("stopper failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.mu.Lock()
	finalState := StateHalted
	if reason.fault() {
		finalState = StateError
	}
	m.state = finalState
	onHalt := append(([]func(Reason, string))(nil), m.onHalt...)
	onStateChange := append(([]func(State, State))(nil), m.onStateChange...)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onHalt {
		fn(reason, msg)
	}
	return firstErr
}

// StartWatchdog halts when Heartbeat is not called within the watchdog
// timeout. It is a no-op while already running.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(ctx, m.watchdogTimeout)
}

func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat resets the watchdog. The consumer calls it every loop.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	m.lastHeartbeat = time.Now()
	m.watchdogMu.Unlock()
}

func (m *Manager) watchdogLoop(ctx context.Context, timeout time.Duration) {
	tick := timeout / 10
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			m.watchdogMu.Unlock()
			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset returns to running after a halt.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning || m.state == StateHalting {
		return errors.RuntimeError(fmt.Sprintf("cannot reset while %s", m.state))
	}
	m.state = StateRunning
	m.reason = ReasonNone
	m.msg = ""
	m.haltedAt = time.Time{}
	m.log.Info("halt cleared")
	return nil
}

// Status is the JSON view of the halt state.
type Status struct {
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	HaltedAt    time.Time `json:"halted_at,omitzero"`
	Operational bool      `json:"operational"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:       m.state.String(),
		Reason:      string(m.reason),
		Message:     m.msg,
		HaltedAt:    m.haltedAt,
		Operational: m.state == StateRunning,
	}
}
