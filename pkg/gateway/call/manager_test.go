package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxly/interview-gateway/pkg/gateway/flow"
)

type fakeHandle struct {
	closes atomic.Int64
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

type fakeVendor struct {
	mu       sync.Mutex
	connects int
	cb       VendorCallbacks
	handle   *fakeHandle
	err      error
}

func (v *fakeVendor) Connect(ctx context.Context, meta flow.Metadata, cb VendorCallbacks) (VendorHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connects++
	if v.err != nil {
		return nil, v.err
	}
	v.cb = cb
	v.handle = &fakeHandle{}
	return v.handle, nil
}

func (v *fakeVendor) callbacks() VendorCallbacks {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cb
}

func (v *fakeVendor) connectCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connects
}

type fakeTokens struct {
	consumes atomic.Int64
}

func (t *fakeTokens) Consume(ctx context.Context, clientSession string) error {
	t.consumes.Add(1)
	return nil
}

type fakeLedger struct {
	restores atomic.Int64
	err      error
}

func (l *fakeLedger) Restore(ctx context.Context, userID, attemptID string) error {
	l.restores.Add(1)
	return l.err
}

type endRecorder struct {
	mu   sync.Mutex
	ends []EndInfo
	done chan struct{}
}

func newEndRecorder() *endRecorder {
	return &endRecorder{done: make(chan struct{}, 4)}
}

func (r *endRecorder) onEnded(info EndInfo) {
	r.mu.Lock()
	r.ends = append(r.ends, info)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *endRecorder) wait(t *testing.T) EndInfo {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no ended notification")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends[len(r.ends)-1]
}

func (r *endRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ends)
}

func testManager(t *testing.T, vendor *fakeVendor, tokens *fakeTokens, ledger *fakeLedger, rec *endRecorder, opts ...func(*ManagerConfig)) (*Manager, *flow.State) {
	t.Helper()
	state := flow.NewState(nil)
	state.StartAttempt()
	state.SetStage(context.Background(), flow.StageLive)

	cfg := ManagerConfig{
		ClientSession:  "cs_1",
		AttemptID:      "attempt_1",
		UserID:         "user_1",
		CallDuration:   time.Hour,
		ConnectTimeout: time.Hour,
		DashboardPath:  "/dashboard",
		FeedbackPath:   "/feedback",
	}
	for _, o := range opts {
		o(&cfg)
	}
	events := Events{}
	if rec != nil {
		events.OnEnded = rec.onEnded
	}
	m := NewManager(cfg, vendor, tokens, ledger, state, events, slog.New(slog.DiscardHandler))
	return m, state
}

func TestManager_DuplicateStartRejected(t *testing.T) {
	vendor := &fakeVendor{}
	m, _ := testManager(t, vendor, &fakeTokens{}, &fakeLedger{}, nil)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err=%v, want ErrAlreadyStarted", err)
	}
	if got := vendor.connectCount(); got != 1 {
		t.Fatalf("connects=%d, want exactly 1", got)
	}
}

func TestManager_ConnectConsumesTokenThenStartsTimer(t *testing.T) {
	vendor := &fakeVendor{}
	tokens := &fakeTokens{}
	m, _ := testManager(t, vendor, tokens, &fakeLedger{}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnConnected()

	if got := tokens.consumes.Load(); got != 1 {
		t.Fatalf("consumes=%d, want 1", got)
	}
	if !m.timer.IsActive() {
		t.Fatal("session timer not running after connect")
	}
	if got := m.Status(); got != StatusConnected {
		t.Fatalf("status=%q, want connected", got)
	}

	// A duplicate connected event must not spend anything twice.
	vendor.callbacks().OnConnected()
	if got := tokens.consumes.Load(); got != 1 {
		t.Fatalf("consumes=%d after duplicate event, want 1", got)
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	vendor := &fakeVendor{}
	rec := newEndRecorder()
	m, state := testManager(t, vendor, &fakeTokens{}, &fakeLedger{}, rec)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnConnected()

	m.Stop(ctx, ReasonUserQuit)
	info := rec.wait(t)
	m.Stop(ctx, ReasonTimerExpired)

	if got := rec.count(); got != 1 {
		t.Fatalf("ended notifications=%d, want 1", got)
	}
	if info.Reason != ReasonUserQuit {
		t.Fatalf("reason=%q, first reason must win", info.Reason)
	}
	if m.timer.IsActive() {
		t.Fatal("timer still active after stop")
	}
	if got := vendor.handle.closes.Load(); got != 1 {
		t.Fatalf("handle closes=%d, want 1", got)
	}
	if got := state.Stage(); got != flow.StageWrapup {
		t.Fatalf("stage=%q, want wrapup", got)
	}
}

// A vendor error with no connected event is a failed start: the credit
// comes back, the token is cleared, and the user lands on the dashboard.
func TestManager_PreConnectErrorRestoresCredit(t *testing.T) {
	vendor := &fakeVendor{}
	tokens := &fakeTokens{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, state := testManager(t, vendor, tokens, ledger, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnError(errors.New("vendor refused"))

	info := rec.wait(t)
	if !info.Failed {
		t.Fatalf("info=%+v, want failed start", info)
	}
	if info.Redirect != "/dashboard" {
		t.Fatalf("redirect=%q, want dashboard", info.Redirect)
	}
	if got := ledger.restores.Load(); got != 1 {
		t.Fatalf("restores=%d, want 1", got)
	}
	if got := tokens.consumes.Load(); got != 1 {
		t.Fatalf("consumes=%d, want 1", got)
	}
	if got := state.Stage(); got != flow.StageIdle {
		t.Fatalf("stage=%q, want idle after abandoned attempt", got)
	}
}

func TestManager_ConnectTimeoutIsFailedStart(t *testing.T) {
	vendor := &fakeVendor{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, _ := testManager(t, vendor, &fakeTokens{}, ledger, rec, func(cfg *ManagerConfig) {
		cfg.ConnectTimeout = 20 * time.Millisecond
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	info := rec.wait(t)
	if !info.Failed {
		t.Fatalf("info=%+v, want failed start", info)
	}
	if got := ledger.restores.Load(); got != 1 {
		t.Fatalf("restores=%d, want 1", got)
	}
	if got := vendor.handle.closes.Load(); got == 0 {
		t.Fatal("vendor handle left open")
	}
}

// A vendor error after connect is an early termination of a delivered
// session: no restore, partial flag set, feedback page still reachable.
func TestManager_PostConnectErrorKeepsDebit(t *testing.T) {
	vendor := &fakeVendor{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, state := testManager(t, vendor, &fakeTokens{}, ledger, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnConnected()
	vendor.callbacks().OnError(errors.New("stream dropped"))

	info := rec.wait(t)
	if info.Failed {
		t.Fatal("post-connect error must not be a failed start")
	}
	if !info.Partial {
		t.Fatal("partial flag not set")
	}
	if info.Reason != ReasonVendorError {
		t.Fatalf("reason=%q", info.Reason)
	}
	if got := ledger.restores.Load(); got != 0 {
		t.Fatalf("restores=%d, want 0 for delivered session", got)
	}
	if got := state.Stage(); got != flow.StageWrapup {
		t.Fatalf("stage=%q, want wrapup", got)
	}
}

func TestManager_TimerExpiryStopsOnce(t *testing.T) {
	vendor := &fakeVendor{}
	rec := newEndRecorder()
	m, state := testManager(t, vendor, &fakeTokens{}, &fakeLedger{}, rec, func(cfg *ManagerConfig) {
		cfg.CallDuration = 20 * time.Millisecond
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnConnected()

	info := rec.wait(t)
	if info.Reason != ReasonTimerExpired {
		t.Fatalf("reason=%q, want timer-expired", info.Reason)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("ended notifications=%d, want 1", got)
	}
	if got := vendor.handle.closes.Load(); got != 1 {
		t.Fatalf("handle closes=%d, want 1", got)
	}
	if got := state.Stage(); got != flow.StageWrapup {
		t.Fatalf("stage=%q, want wrapup", got)
	}
}

func TestManager_VendorEndedIsNormalEnd(t *testing.T) {
	vendor := &fakeVendor{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, _ := testManager(t, vendor, &fakeTokens{}, ledger, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	vendor.callbacks().OnConnected()
	vendor.callbacks().OnEnded()

	info := rec.wait(t)
	if info.Reason != ReasonVendorEnded {
		t.Fatalf("reason=%q, want vendor-ended", info.Reason)
	}
	if info.Partial || info.Failed {
		t.Fatalf("info=%+v, vendor-first end is a normal end", info)
	}
	if got := ledger.restores.Load(); got != 0 {
		t.Fatalf("restores=%d, want 0", got)
	}
}

func TestManager_NavigationAwayBeforeConnectKeepsToken(t *testing.T) {
	vendor := &fakeVendor{}
	tokens := &fakeTokens{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, _ := testManager(t, vendor, tokens, ledger, rec)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Stop(ctx, ReasonNavigationAway)

	rec.wait(t)
	if got := tokens.consumes.Load(); got != 0 {
		t.Fatalf("consumes=%d, want 0: unspent token must survive a reload", got)
	}
	if got := ledger.restores.Load(); got != 0 {
		t.Fatalf("restores=%d, want 0", got)
	}
	if got := vendor.handle.closes.Load(); got != 1 {
		t.Fatalf("handle closes=%d, want 1", got)
	}
}

func TestManager_QuitBeforeConnectAbandonsAttempt(t *testing.T) {
	vendor := &fakeVendor{}
	tokens := &fakeTokens{}
	ledger := &fakeLedger{}
	rec := newEndRecorder()
	m, state := testManager(t, vendor, tokens, ledger, rec)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Stop(ctx, ReasonUserQuit)

	info := rec.wait(t)
	if info.Reason != ReasonUserQuit {
		t.Fatalf("reason=%q, want user-quit", info.Reason)
	}
	if info.Redirect != "/dashboard" {
		t.Fatalf("redirect=%q, a quit before connect goes back to the dashboard", info.Redirect)
	}
	if got := tokens.consumes.Load(); got != 1 {
		t.Fatalf("consumes=%d, want 1: an explicit quit spends the token", got)
	}
	if got := ledger.restores.Load(); got != 0 {
		t.Fatalf("restores=%d, want 0: quitting is not a vendor failure", got)
	}
	if got := state.Stage(); got != flow.StageIdle {
		t.Fatalf("stage=%q, want idle after abandon", got)
	}
}
