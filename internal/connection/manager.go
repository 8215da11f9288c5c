// Package connection maintains the speech-to-text stream for a conversation:
// it dials the transport, pumps events into the handler, and reconnects with
// exponential backoff when the stream drops.
//
// Every connect attempt carries an epoch number; a dial that resolves after a
// newer attempt started (or after a disconnect) is discarded instead of
// clobbering the live stream.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aveline-ai/aveline/internal/observe"
	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/pkg/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries     = 10
	defaultBackoff        = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultQuotaCooldown  = 60 * time.Second
)

// ErrNotConnected is returned by SendAudio when no stream is live.
var ErrNotConnected = errors.New("connection: not connected")

// errSuperseded marks a dial whose result arrived after a newer attempt or a
// disconnect invalidated it.
var errSuperseded = errors.New("connection: attempt superseded")

// Handler consumes events from the live stream. Called from the manager's
// read goroutine, one event at a time.
type Handler interface {
	HandleSpeechEvent(ev stt.Event)
}

// Config configures a [Manager].
type Config struct {
	// Stream is the transport configuration for every dial.
	Stream stt.StreamConfig

	// MaxRetries bounds one reconnection cycle. Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between retries, doubling up to
	// MaxBackoff. Defaults to 1s / 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// ConnectTimeout bounds a single dial. Defaults to 10s.
	ConnectTimeout time.Duration

	// QuotaCooldown is how long to hold off after the provider reports
	// exhausted quota; retrying sooner only burns more of it. Defaults
	// to 60s.
	QuotaCooldown time.Duration

	// OnReconnect is called after a successful reconnection, before events
	// flow. May be nil.
	OnReconnect func()
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.QuotaCooldown <= 0 {
		c.QuotaCooldown = defaultQuotaCooldown
	}
	return c
}

// Manager owns the STT connection lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	transport stt.Transport
	handler   Handler
	cfg       Config
	clock     sched.Clock
	metrics   *observe.Metrics
	log       *slog.Logger

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled once per drop

	mu            sync.Mutex
	epoch         uint64
	stream        stt.Stream
	cooldownUntil time.Time
	disconnecting chan struct{} // non-nil while a disconnect is in flight
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock, for tests.
func WithClock(clock sched.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager. Events from the live stream are delivered to
// handler until Stop.
func NewManager(transport stt.Transport, cfg Config, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		transport:    transport,
		handler:      handler,
		cfg:          cfg.withDefaults(),
		clock:        sched.RealClock{},
		metrics:      observe.DefaultMetrics(),
		log:          slog.Default(),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the transport and starts pumping events. It waits out an
// in-flight disconnect and any active quota cooldown first. If a newer
// attempt or a disconnect supersedes this one while dialing, the dialed
// stream is closed and discarded.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.awaitDisconnect(ctx); err != nil {
		return err
	}
	if err := m.awaitCooldown(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	stream, err := m.transport.Connect(dialCtx, m.cfg.Stream)
	if err != nil {
		if errors.Is(err, stt.ErrQuotaExceeded) {
			m.startCooldown()
		}
		return fmt.Errorf("connection: dial stt: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || m.disconnecting != nil {
		m.mu.Unlock()
		_ = stream.Close()
		return errSuperseded
	}
	old := m.stream
	m.stream = stream
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go m.readLoop(epoch, stream)
	return nil
}

// Monitor starts the background goroutine that reconnects after drops
// signalled via [Manager.NotifyDisconnect] or detected by the read loop.
func (m *Manager) Monitor(ctx context.Context) {
	go m.monitorLoop(ctx)
}

// NotifyDisconnect signals that the connection was lost. Safe to call
// repeatedly; only the first call per cycle has effect.
func (m *Manager) NotifyDisconnect() {
	select {
	case m.disconnected <- struct{}{}:
	default:
	}
}

// Disconnect closes the live stream. Only one disconnect runs at a time;
// concurrent callers (and new connects) wait for it to finish.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if ch := m.disconnecting; ch != nil {
		m.mu.Unlock()
		<-ch
		return nil
	}
	ch := make(chan struct{})
	m.disconnecting = ch
	stream := m.stream
	m.stream = nil
	m.epoch++ // invalidate in-flight dials and the read loop
	m.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}

	m.mu.Lock()
	m.disconnecting = nil
	m.mu.Unlock()
	close(ch)
	return err
}

// Stop halts monitoring and closes the stream. Safe to call multiple times.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	return m.Disconnect()
}

// SendAudio forwards one PCM chunk to the live stream.
func (m *Manager) SendAudio(chunk []byte) error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	return stream.SendAudio(chunk)
}

// Connected reports whether a stream is currently live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// CoolingDown reports whether the quota cooldown is active.
func (m *Manager) CoolingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Before(m.cooldownUntil)
}

// ─── Internals ────────────────────────────────────────────────────────────────

// readLoop pumps events to the handler until the stream's channel closes.
// A close while this epoch is still current means the connection dropped.
func (m *Manager) readLoop(epoch uint64, stream stt.Stream) {
	for ev := range stream.Events() {
		if ev.Type == stt.EventError && errors.Is(ev.Err, stt.ErrQuotaExceeded) {
			m.startCooldown()
		}
		m.handler.HandleSpeechEvent(ev)
	}

	m.mu.Lock()
	current := m.epoch == epoch
	if current {
		m.stream = nil
	}
	m.mu.Unlock()

	if current {
		m.log.Warn("stt stream closed, scheduling reconnect")
		m.NotifyDisconnect()
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.disconnected:
			m.reconnect(ctx)
		}
	}
}

// reconnect retries Connect with exponential backoff until success or the
// retry budget is spent.
func (m *Manager) reconnect(ctx context.Context) {
	backoff := m.cfg.Backoff

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		m.log.Info("attempting stt reconnection",
			"attempt", attempt,
			"max_retries", m.cfg.MaxRetries,
			"backoff", backoff,
		)
		m.metrics.Reconnects.Add(ctx, 1)

		err := m.Connect(ctx)
		if err == nil {
			m.log.Info("stt reconnection successful", "attempt", attempt)
			if m.cfg.OnReconnect != nil {
				m.cfg.OnReconnect()
			}
			return
		}
		if errors.Is(err, errSuperseded) {
			return
		}

		m.log.Warn("stt reconnection attempt failed", "attempt", attempt, "error", err)

		if !m.wait(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}

	m.log.Error("stt reconnection failed after max retries", "max_retries", m.cfg.MaxRetries)
}

func (m *Manager) awaitDisconnect(ctx context.Context) error {
	for {
		m.mu.Lock()
		ch := m.disconnecting
		m.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return errSuperseded
		}
	}
}

func (m *Manager) awaitCooldown(ctx context.Context) error {
	m.mu.Lock()
	remaining := m.cooldownUntil.Sub(m.clock.Now())
	m.mu.Unlock()
	if remaining <= 0 {
		return nil
	}
	m.log.Info("quota cooldown active, delaying connect", "remaining", remaining)
	if !m.wait(ctx, remaining) {
		return ctx.Err()
	}
	return nil
}

func (m *Manager) startCooldown() {
	m.mu.Lock()
	m.cooldownUntil = m.clock.Now().Add(m.cfg.QuotaCooldown)
	m.mu.Unlock()
	m.log.Warn("stt quota exhausted, entering cooldown", "cooldown", m.cfg.QuotaCooldown)
}

// wait sleeps for d on the manager's clock. Returns false when interrupted by
// ctx or Stop.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}
