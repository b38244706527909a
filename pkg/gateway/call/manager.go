// Package call owns the live call state machine: connecting to the voice
// vendor, spending the session token at the connected event, running the
// session timer, and tearing everything down through one idempotent stop.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxly/interview-gateway/pkg/gateway/flow"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

type StopReason string

const (
	ReasonUserQuit       StopReason = "user-quit"
	ReasonTimerExpired   StopReason = "timer-expired"
	ReasonVendorError    StopReason = "vendor-error"
	ReasonNavigationAway StopReason = "navigation-away"
	ReasonVendorEnded    StopReason = "vendor-ended"
)

var ErrAlreadyStarted = errors.New("call already started for this attempt")

// VendorHandle is the open vendor call. Close must be safe to call more
// than once.
type VendorHandle interface {
	Close() error
}

// VendorCallbacks are invoked by the vendor adapter from its read loop.
type VendorCallbacks struct {
	OnConnected    func()
	OnAgentTalking func(talking bool)
	OnAudioLevel   func(level float64)
	OnError        func(err error)
	OnEnded        func()
}

// Vendor opens voice calls. Connect returns as soon as the transport is
// established; the connected event arrives later through the callbacks.
type Vendor interface {
	Connect(ctx context.Context, meta flow.Metadata, cb VendorCallbacks) (VendorHandle, error)
}

// TokenConsumer is the slice of the token store the manager needs.
type TokenConsumer interface {
	Consume(ctx context.Context, clientSession string) error
}

// CreditRestorer is the slice of the billing ledger the manager needs.
type CreditRestorer interface {
	Restore(ctx context.Context, userID, attemptID string) error
}

// EndInfo describes how a call finished, for the client and for the
// attempt record.
type EndInfo struct {
	Reason StopReason

	// Failed marks a pre-connect failure: the session never started, the
	// credit was restored, and the client should land on the dashboard.
	Failed bool

	// Partial marks a vendor error after connect: the session was
	// delivered in part, no credit is restored, and the feedback view
	// renders a partial state.
	Partial bool

	Redirect string
	Message  string
}

// Events are the manager's outbound notifications, wired to the live
// WebSocket session.
type Events struct {
	OnStatus       func(Status)
	OnAgentTalking func(bool)
	OnAudioLevel   func(float64)
	OnEnded        func(EndInfo)
}

type ManagerConfig struct {
	ClientSession string
	AttemptID     string
	UserID        string

	CallDuration   time.Duration
	ConnectTimeout time.Duration
	DashboardPath  string
	FeedbackPath   string
}

// Manager drives one attempt's call. States move idle -> connecting ->
// connected -> ended; every terminal trigger funnels into the same stop
// path.
type Manager struct {
	cfg    ManagerConfig
	vendor Vendor
	tokens TokenConsumer
	ledger CreditRestorer
	state  *flow.State
	events Events
	logger *slog.Logger

	// starting rejects duplicate Start invocations for the lifetime of
	// the attempt. ended makes teardown run exactly once.
	starting atomic.Bool
	ended    atomic.Bool

	timer *Timer

	mu          sync.Mutex
	status      Status
	handle      VendorHandle
	connected   bool
	connectedAt time.Time
	endInfo     EndInfo
	deadline    *time.Timer
}

func NewManager(cfg ManagerConfig, vendor Vendor, tokens TokenConsumer, ledger CreditRestorer, state *flow.State, events Events, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		vendor: vendor,
		tokens: tokens,
		ledger: ledger,
		state:  state,
		events: events,
		logger: logger,
		timer:  NewTimer(),
		status: StatusIdle,
	}
}

// Start opens the vendor call. A second Start while one is in flight or
// connected returns ErrAlreadyStarted without touching the vendor.
func (m *Manager) Start(ctx context.Context) error {
	if !m.starting.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	m.setStatus(StatusConnecting)

	handle, err := m.vendor.Connect(ctx, m.state.Metadata(), VendorCallbacks{
		OnConnected:    m.onConnected,
		OnAgentTalking: m.onAgentTalking,
		OnAudioLevel:   m.onAudioLevel,
		OnError:        m.onVendorError,
		OnEnded:        m.onVendorEnded,
	})
	if err != nil {
		m.failStart("vendor connect: " + err.Error())
		return nil
	}

	m.mu.Lock()
	if m.ended.Load() {
		m.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	m.handle = handle
	m.deadline = time.AfterFunc(m.cfg.ConnectTimeout, m.onConnectDeadline)
	m.mu.Unlock()
	return nil
}

// Stop is the single teardown path for every trigger. Repeated calls are
// no-ops; the first reason wins.
func (m *Manager) Stop(ctx context.Context, reason StopReason) {
	if !m.ended.CompareAndSwap(false, true) {
		return
	}

	m.timer.Cancel()

	m.mu.Lock()
	if m.deadline != nil {
		m.deadline.Stop()
	}
	handle := m.handle
	m.handle = nil
	m.status = StatusEnded
	wasConnected := m.connected
	info := EndInfo{
		Reason:   reason,
		Partial:  reason == ReasonVendorError,
		Redirect: m.cfg.FeedbackPath,
	}
	switch {
	case !wasConnected && reason == ReasonNavigationAway:
		// Left before the call ever connected. The token was not spent,
		// so a reload of the live page can still use it.
		info.Redirect = m.cfg.DashboardPath
	case !wasConnected && reason == ReasonUserQuit:
		info.Redirect = m.cfg.DashboardPath
	}
	m.endInfo = info
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			m.logger.Warn("vendor close", "attempt_id", m.cfg.AttemptID, "error", err)
		}
	}

	if wasConnected {
		// Connected calls always finish in wrapup; the attempt moves on
		// to feedback regardless of how the call ended.
		m.state.SetStage(ctx, flow.StageWrapup)
	} else if reason == ReasonUserQuit {
		// An explicit quit before connect abandons the attempt: the token
		// is spent and the flow goes back to idle. The credit is not
		// restored; restores are reserved for vendor failures.
		if err := m.tokens.Consume(ctx, m.cfg.ClientSession); err != nil {
			m.logger.Error("token consume on quit", "attempt_id", m.cfg.AttemptID, "error", err)
		}
		m.state.Reset(ctx)
	}

	m.logger.Info("call ended",
		"attempt_id", m.cfg.AttemptID,
		"reason", string(reason),
		"connected", wasConnected,
	)

	m.notifyEnded(info)
}

// failStart handles every pre-connect failure: the session never started,
// so the pre-debited credit is restored, the token is spent, and the
// attempt is abandoned.
func (m *Manager) failStart(cause string) {
	if !m.ended.CompareAndSwap(false, true) {
		return
	}

	m.timer.Cancel()

	m.mu.Lock()
	if m.deadline != nil {
		m.deadline.Stop()
	}
	handle := m.handle
	m.handle = nil
	m.status = StatusEnded
	wasConnected := m.connected
	m.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if wasConnected {
		// The connected event slipped in under the failure. The session
		// was delivered, so no restore; end it like a vendor error.
		m.state.SetStage(ctx, flow.StageWrapup)
		m.logger.Warn("vendor error at connect boundary", "attempt_id", m.cfg.AttemptID, "cause", cause)
		m.notifyEnded(EndInfo{Reason: ReasonVendorError, Partial: true, Redirect: m.cfg.FeedbackPath})
		return
	}

	info := EndInfo{
		Reason:   ReasonVendorError,
		Failed:   true,
		Redirect: m.cfg.DashboardPath,
		Message:  "unable to start your interview, your credit was not used",
	}
	if err := m.ledger.Restore(ctx, m.cfg.UserID, m.cfg.AttemptID); err != nil {
		// Best effort by contract. No automatic retry; a double failure
		// loses a credit rather than risking a double restore.
		m.logger.Error("credit restore failed",
			"attempt_id", m.cfg.AttemptID,
			"user_id", m.cfg.UserID,
			"error", err,
		)
		info.Message = "unable to start your interview, contact support about your credit"
	}
	if err := m.tokens.Consume(ctx, m.cfg.ClientSession); err != nil {
		m.logger.Error("token consume on failed start", "attempt_id", m.cfg.AttemptID, "error", err)
	}
	m.state.Reset(ctx)

	m.logger.Warn("call start failed", "attempt_id", m.cfg.AttemptID, "cause", cause)
	m.notifyEnded(info)
}

// onConnected handles the first connected event: spend the token, then
// start the session clock. That order is load-bearing; a token that
// outlives a started session could fund a second call.
func (m *Manager) onConnected() {
	m.mu.Lock()
	if m.ended.Load() || m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.connectedAt = time.Now()
	m.status = StatusConnected
	if m.deadline != nil {
		m.deadline.Stop()
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.tokens.Consume(ctx, m.cfg.ClientSession); err != nil {
		m.logger.Error("token consume on connect", "attempt_id", m.cfg.AttemptID, "error", err)
	}

	m.timer.Start(m.cfg.CallDuration, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		m.Stop(stopCtx, ReasonTimerExpired)
	})

	if m.events.OnStatus != nil {
		m.events.OnStatus(StatusConnected)
	}
}

func (m *Manager) onConnectDeadline() {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if connected {
		return
	}
	m.failStart("no connected event within connect timeout")
}

func (m *Manager) onVendorError(err error) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		m.failStart("vendor error before connect: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.logger.Warn("vendor error after connect", "attempt_id", m.cfg.AttemptID, "error", err)
	m.Stop(ctx, ReasonVendorError)
}

func (m *Manager) onVendorEnded() {
	// The vendor enforcing its own session cap is a normal end, not an
	// error to reconcile against our timer.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Stop(ctx, ReasonVendorEnded)
}

func (m *Manager) onAgentTalking(talking bool) {
	if m.ended.Load() {
		return
	}
	if m.events.OnAgentTalking != nil {
		m.events.OnAgentTalking(talking)
	}
}

// Audio levels are a best-effort visual stream; anything dropped here is
// not an error.
func (m *Manager) onAudioLevel(level float64) {
	if m.ended.Load() {
		return
	}
	if m.events.OnAudioLevel != nil {
		m.events.OnAudioLevel(level)
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.events.OnStatus != nil {
		m.events.OnStatus(s)
	}
}

func (m *Manager) notifyEnded(info EndInfo) {
	m.mu.Lock()
	m.endInfo = info
	m.mu.Unlock()
	if m.events.OnEnded != nil {
		m.events.OnEnded(info)
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Ended() bool {
	return m.ended.Load()
}

func (m *Manager) EndInfo() EndInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endInfo
}

// Remaining reports the time left on the session clock.
func (m *Manager) Remaining() time.Duration {
	return m.timer.Remaining()
}

func (m *Manager) ConnectedAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAt, m.connected
}
