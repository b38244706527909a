package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/call"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/lifecycle"
	"github.com/voxly/interview-gateway/pkg/gateway/live/protocol"
	"github.com/voxly/interview-gateway/pkg/gateway/live/sessions"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

// LiveHandler serves /v1/interviews/live: the WebSocket connection that
// hosts one live interview call. Admission runs before the upgrade, so a
// denied client gets an ordinary HTTP redirect payload.
type LiveHandler struct {
	Config       config.Config
	Guards       *guard.Chain
	Flows        *flow.Registry
	Tokens       *token.Store
	Ledger       Ledger
	Vendor       call.Vendor
	Attempts     store.Store
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Code:    "method_not_allowed",
			Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrAPI,
			Code:    "draining",
			Message: "gateway is draining",
			Action:  apierror.ActionRetry,
		}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrPermission,
			Message: "origin is not allowed",
			Param:   "Origin",
		}, http.StatusForbidden)
		return
	}

	principal, hasPrincipal := auth.PrincipalFrom(r.Context())
	clientSession := strings.TrimSpace(r.URL.Query().Get("client_session"))
	if clientSession == "" {
		clientSession = strings.TrimSpace(r.Header.Get("X-Client-Session"))
	}
	if clientSession == "" {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "client_session is required",
			Param:   "client_session",
		}, http.StatusBadRequest)
		return
	}

	denial, err := h.Guards.Evaluate(r.Context(), guard.Request{
		Principal:     principal,
		HasPrincipal:  hasPrincipal,
		Destination:   r.URL.Path,
		ClientSession: clientSession,
		LiveRoute:     true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if denial != nil {
		h.Metrics.RecordGuardDenial(string(denial.Reason))
		writeDenial(w, r, denial)
		return
	}

	v, err := h.Tokens.Validate(r.Context(), clientSession)
	if err != nil || !v.Valid {
		// The guard admitted this session a moment ago; failing here is a
		// storage fault or a race with another tab consuming the token.
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:     apierror.ErrAdmission,
			Code:     string(guard.ReasonMissing),
			Message:  denialMessage(guard.ReasonMissing),
			Redirect: h.Config.DashboardPath,
			Action:   apierror.ActionHome,
		}, http.StatusForbidden)
		return
	}
	if v.Token.UserID != principal.UserID {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrPermission,
			Message: "this session belongs to another account",
		}, http.StatusForbidden)
		return
	}
	attemptID := v.Token.AttemptID

	st := h.Flows.Get(clientSession)
	if st.AttemptID() != attemptID || st.Stage() != flow.StageLive {
		// Full page navigation dropped the in-memory flow state; the
		// valid token authorizes rebuilding it from the attempt record.
		meta := flow.Metadata{}
		if att, err := h.Attempts.Get(r.Context(), attemptID); err == nil {
			meta = att.Metadata
		}
		st.Resume(attemptID, meta)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, firstFrame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSError(conn, "bad_request", "first frame must be hello", "")
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello", "")
		return
	}
	if !hello.MicGranted {
		// Mic permission is a prior explicit step. Denial abandons the
		// attempt and routes the user back; there is no in-call retry.
		st.Reset(r.Context())
		_ = conn.WriteJSON(protocol.NewError("mic_required", "microphone permission is required", "mic_granted"))
		_ = conn.WriteJSON(protocol.NewEnded("mic-denied", false, false, h.Config.DashboardPath,
			"microphone permission is required"))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "mic required"), time.Now().Add(2*time.Second))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	writer := newWSWriter(conn, h.Config.LiveWSWriteTimeout)
	if err := writer.Send(protocol.NewHelloAck(attemptID, h.Config.CallDuration.Milliseconds())); err != nil {
		return
	}

	var startedAt atomic.Int64
	mgr := h.newManager(clientSession, attemptID, principal.UserID, st, writer, &startedAt)

	unregister := h.LiveSessions.Register(clientSession, sessions.Handle{
		Cancel: func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mgr.Stop(stopCtx, call.ReasonNavigationAway)
			_ = conn.Close()
		},
		Warn: func(code, message string) error {
			return writer.Send(protocol.NewError(code, message, ""))
		},
	})
	defer unregister()

	h.readLoop(r.Context(), conn, writer, mgr, &startedAt)

	// The socket is gone. If the call is still up this is a navigation
	// away, and the same teardown path runs as for every other trigger.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Stop(stopCtx, call.ReasonNavigationAway)
}

func (h LiveHandler) newManager(clientSession, attemptID, userID string, st *flow.State, writer *wsWriter, startedAt *atomic.Int64) *call.Manager {
	var (
		mgrMu sync.Mutex
		mgr   *call.Manager
	)

	events := call.Events{
		OnStatus: func(s call.Status) {
			_ = writer.Send(protocol.NewStatus(string(s)))
			if s != call.StatusConnected {
				return
			}
			if ns := startedAt.Load(); ns > 0 {
				h.Metrics.RecordConnect(time.Since(time.Unix(0, ns)))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Attempts.MarkConnected(ctx, attemptID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
				h.Logger.Error("mark attempt connected", "attempt_id", attemptID, "error", err)
			}
		},
		OnAgentTalking: func(talking bool) {
			_ = writer.Send(protocol.NewAgentTalking(talking))
		},
		OnAudioLevel: func(level float64) {
			_ = writer.Send(protocol.NewAudioLevel(level))
		},
		OnEnded: func(info call.EndInfo) {
			_ = writer.Send(protocol.NewEnded(string(info.Reason), info.Failed, info.Partial, info.Redirect, info.Message))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Attempts.MarkEnded(ctx, attemptID, time.Now().UTC(), string(info.Reason), info.Partial, info.Failed); err != nil && !errors.Is(err, store.ErrNotFound) {
				h.Logger.Error("mark attempt ended", "attempt_id", attemptID, "error", err)
			}

			if startedAt.Load() == 0 {
				// The call was never started; nothing to balance.
				return
			}
			mgrMu.Lock()
			m := mgr
			mgrMu.Unlock()
			var connected time.Duration
			if m != nil {
				if at, ok := m.ConnectedAt(); ok {
					connected = time.Since(at)
				}
			}
			h.Metrics.RecordCallEnd(string(info.Reason), connected)
		},
	}

	restorer := meteredRestorer{ledger: h.Ledger, metrics: h.Metrics}

	mgrMu.Lock()
	mgr = call.NewManager(call.ManagerConfig{
		ClientSession:  clientSession,
		AttemptID:      attemptID,
		UserID:         userID,
		CallDuration:   h.Config.CallDuration,
		ConnectTimeout: h.Config.ConnectTimeout,
		DashboardPath:  h.Config.DashboardPath,
		FeedbackPath:   h.Config.FeedbackPath,
	}, h.Vendor, h.Tokens, restorer, st, events, h.Logger)
	mgrMu.Unlock()
	return mgr
}

func (h LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, writer *wsWriter, mgr *call.Manager, startedAt *atomic.Int64) {
	pingInterval := h.Config.LiveWSPingInterval
	if pingInterval > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
			return nil
		})
		_ = conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = writer.Ping()
				case <-stopPing:
					return
				}
			}
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				_ = writer.Send(protocol.NewError(decodeErr.Code, decodeErr.Message, decodeErr.Param))
			}
			continue
		}

		ctl, ok := decoded.(protocol.ClientControl)
		if !ok {
			continue
		}
		switch ctl.Op {
		case protocol.ControlOpStart:
			startedAt.CompareAndSwap(0, time.Now().UnixNano())
			if err := mgr.Start(ctx); err != nil {
				_ = writer.Send(protocol.NewError("already_started", "call already started", ""))
				continue
			}
			h.Metrics.RecordCallStart()
		case protocol.ControlOpQuit:
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			mgr.Stop(stopCtx, call.ReasonUserQuit)
			cancel()
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message, param string) {
	_ = conn.WriteJSON(protocol.NewError(code, message, param))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

type meteredRestorer struct {
	ledger  Ledger
	metrics *metrics.Metrics
}

func (m meteredRestorer) Restore(ctx context.Context, userID, attemptID string) error {
	err := m.ledger.Restore(ctx, userID, attemptID)
	if err != nil {
		m.metrics.RecordRestore("error")
		return err
	}
	m.metrics.RecordRestore("ok")
	return nil
}

// wsWriter serializes frame writes from the manager callbacks, the read
// loop, and the pinger.
type wsWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func newWSWriter(conn *websocket.Conn, timeout time.Duration) *wsWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &wsWriter{conn: conn, timeout: timeout}
}

func (w *wsWriter) Send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}
