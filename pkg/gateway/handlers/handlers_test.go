package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/billing"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

type fakeLedger struct {
	debitErr   error
	balance    int64
	balanceErr error

	debits   int
	restores int
}

func (f *fakeLedger) Debit(ctx context.Context, userID, attemptID string) error {
	f.debits++
	return f.debitErr
}

func (f *fakeLedger) Restore(ctx context.Context, userID, attemptID string) error {
	f.restores++
	return nil
}

func (f *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	return f.balance, f.balanceErr
}

type setupEnv struct {
	handler SetupHandler
	tokens  *token.Store
	flows   *flow.Registry
	ledger  *fakeLedger
	store   *store.MemoryStore
}

func newSetupEnv(t *testing.T) *setupEnv {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		SigninPath:     "/signin",
		OnboardingPath: "/onboarding",
		DashboardPath:  "/dashboard",
		BillingPath:    "/billing",
	}
	tokens := token.NewStore(client, time.Hour)
	flows := flow.NewRegistry(func(ctx context.Context, clientSession string) {
		_ = tokens.Consume(ctx, clientSession)
	})
	ledger := &fakeLedger{balance: 3}
	attempts := store.NewMemoryStore()
	return &setupEnv{
		handler: SetupHandler{
			Config:   cfg,
			Guards:   guard.NewChain(cfg, tokens),
			Flows:    flows,
			Tokens:   tokens,
			Ledger:   ledger,
			Attempts: attempts,
			Metrics:  metrics.New("test"),
			Logger:   slog.New(slog.DiscardHandler),
		},
		tokens: tokens,
		flows:  flows,
		ledger: ledger,
		store:  attempts,
	}
}

func signedInRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	p := &auth.Principal{UserID: "user_1", ConsentAccepted: true, PhoneVerified: true}
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestSetupHandler_HappyPath(t *testing.T) {
	env := newSetupEnv(t)

	body := `{"client_session":"cs_1","candidate_name":"Ada","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var resp setupResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AttemptID == "" || resp.TokenID == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}
	if resp.Stage != string(flow.StageLive) {
		t.Fatalf("stage=%q, want %q", resp.Stage, flow.StageLive)
	}
	if env.ledger.debits != 1 {
		t.Fatalf("debits=%d, want 1", env.ledger.debits)
	}

	v, err := env.tokens.Validate(context.Background(), "cs_1")
	if err != nil || !v.Valid {
		t.Fatalf("token not minted: v=%+v err=%v", v, err)
	}
	if v.Token.AttemptID != resp.AttemptID {
		t.Fatalf("token attempt=%q, want %q", v.Token.AttemptID, resp.AttemptID)
	}

	att, err := env.store.Get(context.Background(), resp.AttemptID)
	if err != nil {
		t.Fatalf("attempt record: %v", err)
	}
	if att.Status != store.StatusCreated || att.UserID != "user_1" {
		t.Fatalf("attempt=%+v", att)
	}
}

func TestSetupHandler_InsufficientBalance(t *testing.T) {
	env := newSetupEnv(t)
	env.ledger.debitErr = billing.ErrInsufficientBalance

	body := `{"client_session":"cs_1","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status=%d, want %d", w.Code, http.StatusPaymentRequired)
	}
	out := decodeBody(t, w)
	apiErr := out["error"].(map[string]any)
	if apiErr["code"] != "insufficient_balance" {
		t.Fatalf("code=%v", apiErr["code"])
	}
	if apiErr["redirect"] != "/billing" {
		t.Fatalf("redirect=%v, want /billing", apiErr["redirect"])
	}

	// No token minted, and the flow is back at idle so a retry can start
	// fresh after a top-up.
	v, err := env.tokens.Validate(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Valid {
		t.Fatal("token minted despite failed debit")
	}
	if st, ok := env.flows.Peek("cs_1"); ok && st.Stage() != flow.StageIdle {
		t.Fatalf("stage=%q, want idle", st.Stage())
	}
}

func TestSetupHandler_DuplicateSubmitConflicts(t *testing.T) {
	env := newSetupEnv(t)

	body := `{"client_session":"cs_1","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("first submit: status=%d", w.Code)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))
	if w.Code != http.StatusConflict {
		t.Fatalf("second submit: status=%d, want %d", w.Code, http.StatusConflict)
	}
	if env.ledger.debits != 1 {
		t.Fatalf("debits=%d, want 1 (duplicate must not double-charge)", env.ledger.debits)
	}
}

func TestSetupHandler_NewSubmitAfterWrapup(t *testing.T) {
	env := newSetupEnv(t)

	body := `{"client_session":"cs_1","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("first submit: status=%d", w.Code)
	}

	st, _ := env.flows.Peek("cs_1")
	st.SetStage(context.Background(), flow.StageWrapup)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit after wrapup: status=%d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if env.ledger.debits != 2 {
		t.Fatalf("debits=%d, want 2", env.ledger.debits)
	}
}

func TestSetupHandler_SignedOutDenied(t *testing.T) {
	env := newSetupEnv(t)

	body := `{"client_session":"cs_1","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/interviews/setup", strings.NewReader(body)))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want %d", w.Code, http.StatusForbidden)
	}
	out := decodeBody(t, w)
	apiErr := out["error"].(map[string]any)
	if apiErr["code"] != string(guard.ReasonSignedOut) {
		t.Fatalf("code=%v", apiErr["code"])
	}
	if env.ledger.debits != 0 {
		t.Fatalf("debits=%d, want 0", env.ledger.debits)
	}
}

func TestSetupHandler_MissingTargetRole(t *testing.T) {
	env := newSetupEnv(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", `{"client_session":"cs_1"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAttemptHandler_OwnershipAndNotFound(t *testing.T) {
	env := newSetupEnv(t)
	attempts := env.store
	h := AttemptHandler{
		Config:   env.handler.Config,
		Guards:   env.handler.Guards,
		Attempts: attempts,
		Metrics:  metrics.New("test"),
		Logger:   slog.New(slog.DiscardHandler),
	}

	_ = attempts.Create(context.Background(), store.Attempt{
		ID: "att_mine", UserID: "user_1", Status: store.StatusEnded, CreatedAt: time.Now().UTC(),
	})
	_ = attempts.Create(context.Background(), store.Attempt{
		ID: "att_theirs", UserID: "user_2", Status: store.StatusEnded, CreatedAt: time.Now().UTC(),
	})

	get := func(id string) *httptest.ResponseRecorder {
		r := signedInRequest(http.MethodGet, "/v1/interviews/attempts/"+id, "")
		r.SetPathValue("id", id)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	if w := get("att_mine"); w.Code != http.StatusOK {
		t.Fatalf("own attempt: status=%d", w.Code)
	}
	if w := get("att_missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing attempt: status=%d", w.Code)
	}
	// Another user's attempt reads the same as a missing one.
	if w := get("att_theirs"); w.Code != http.StatusNotFound {
		t.Fatalf("foreign attempt: status=%d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestBalanceHandler(t *testing.T) {
	env := newSetupEnv(t)
	ledger := &fakeLedger{balance: 7}
	h := BalanceHandler{
		Config:  env.handler.Config,
		Guards:  env.handler.Guards,
		Ledger:  ledger,
		Metrics: metrics.New("test"),
		Logger:  slog.New(slog.DiscardHandler),
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedInRequest(http.MethodGet, "/v1/billing/balance", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	out := decodeBody(t, w)
	if out["balance"] != float64(7) {
		t.Fatalf("balance=%v, want 7", out["balance"])
	}

	ledger.balanceErr = errors.New("upstream down")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, signedInRequest(http.MethodGet, "/v1/billing/balance", ""))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestResetHandler_AbandonsAndInvalidatesToken(t *testing.T) {
	env := newSetupEnv(t)

	body := `{"client_session":"cs_1","target_role":"Backend Engineer"}`
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/setup", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("setup: status=%d", w.Code)
	}

	h := ResetHandler{
		Config:  env.handler.Config,
		Guards:  env.handler.Guards,
		Flows:   env.flows,
		Metrics: metrics.New("test"),
		Logger:  slog.New(slog.DiscardHandler),
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, signedInRequest(http.MethodPost, "/v1/interviews/reset", `{"client_session":"cs_1"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("reset: status=%d", w.Code)
	}

	v, err := env.tokens.Validate(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Valid {
		t.Fatal("token survived reset")
	}
	st, _ := env.flows.Peek("cs_1")
	if st.Stage() != flow.StageIdle {
		t.Fatalf("stage=%q, want idle", st.Stage())
	}
}

func TestHealthAndNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok\n" {
		t.Fatalf("healthz: status=%d body=%q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("notfound: status=%d", w.Code)
	}
	out := decodeBody(t, w)
	if out["error"] == nil {
		t.Fatal("missing error envelope")
	}
}

func TestReadyHandler_ReportsIssues(t *testing.T) {
	good := config.Config{
		IdentityJWTSecret:    "secret",
		RedisMode:            config.RedisModeEmbedded,
		SessionTokenTTL:      time.Hour,
		CallDuration:         15 * time.Minute,
		ConnectTimeout:       30 * time.Second,
		BillingBaseURL:       "http://localhost:8090",
		VendorWSURL:          "wss://voice.vendor.example/v1/calls",
		LiveHandshakeTimeout: 5 * time.Second,
		LiveWSWriteTimeout:   5 * time.Second,
		LiveWSPingInterval:   20 * time.Second,
		MaxJSONMessageBytes:  64 * 1024,
		ReadHeaderTimeout:    10 * time.Second,
		ReadTimeout:          30 * time.Second,
	}

	w := httptest.NewRecorder()
	ReadyHandler{Config: good}.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ready: status=%d body=%s", w.Code, w.Body.String())
	}

	bad := good
	bad.IdentityJWTSecret = ""
	bad.ConnectTimeout = 0
	w = httptest.NewRecorder()
	ReadyHandler{Config: bad}.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("not ready: status=%d", w.Code)
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Issues) < 2 {
		t.Fatalf("resp=%+v", resp)
	}
}
