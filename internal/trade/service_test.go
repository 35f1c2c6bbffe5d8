package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/journal"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/pricefeed"
	"github.com/atmx/papertrade/internal/risk"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const testToken = "s3cret"

// manualFeed is a price feed driven by the test.
type manualFeed struct {
	mu      sync.Mutex
	publish pricefeed.PublishFunc
	symbol  string
	running bool
}

func (f *manualFeed) Start(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbol, f.running = symbol, true
}

func (f *manualFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *manualFeed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *manualFeed) tick(p float64) {
	f.mu.Lock()
	symbol := f.symbol
	f.mu.Unlock()
	f.publish(symbol, model.MarketState{Price: d(p)})
}

type testEnv struct {
	router  chi.Router
	store   *store.MemoryStore
	journal *journal.MemoryJournal

	mu    sync.Mutex
	feeds map[string]*manualFeed
}

func (e *testEnv) feed(userID string) *manualFeed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeds[userID]
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, cfg model.SessionConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		journal: journal.NewMemoryJournal(),
		feeds:   make(map[string]*manualFeed),
	}
	book := risk.NewBook(env.store)
	factory := func(userID string, publish pricefeed.PublishFunc) session.Feed {
		f := &manualFeed{publish: publish}
		env.mu.Lock()
		env.feeds[userID] = f
		env.mu.Unlock()
		return f
	}
	mgr := session.NewManager(env.store, book, factory,
		session.WithDefaults(cfg, "BTCUSDT"),
		session.WithJournal(env.journal),
	)
	t.Cleanup(mgr.Close)

	svc := trade.NewService(mgr, env.journal, testToken, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env.router = r
	return env
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return resp["error"]
}

// startWithPrice starts alice's session and feeds one quote.
func startWithPrice(t *testing.T, env *testEnv, price float64) {
	t.Helper()
	w := do(t, env.router, "POST", "/api/v1/sessions/alice/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env.feed("alice").tick(price)
}

// --- Session lifecycle tests ---

func TestGetSession_Default(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "GET", "/api/v1/sessions/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view session.View
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Session.IsSessionActive {
		t.Error("new session should be inactive")
	}
	if !view.Session.Account.Balance.Equal(d(10000)) {
		t.Errorf("expected balance 10000, got %s", view.Session.Account.Balance)
	}
	if view.Session.Symbol != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %q", view.Session.Symbol)
	}
}

func TestGetSession_InvalidUser(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "GET", "/api/v1/sessions/bad%20user", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartSession_WithSymbol(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/start", trade.InstrumentRequest{Symbol: "ETHUSDT"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view session.View
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.Session.IsSessionActive || view.Session.Symbol != "ETHUSDT" {
		t.Errorf("expected active ETHUSDT session, got %+v", view.Session)
	}
	if !env.feed("alice").Running() {
		t.Error("feed should be polling")
	}

	w = do(t, env.router, "POST", "/api/v1/sessions/alice/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double start: expected 409, got %d", w.Code)
	}
}

func TestResetSession(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())
	startWithPrice(t, env, 100)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if env.store.Keys() != 0 {
		t.Errorf("reset should delete the persisted snapshot, %d keys left", env.store.Keys())
	}
}

func TestUpdateConfig_Partial(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "PUT", "/api/v1/sessions/alice/config", map[string]any{
		"tradeAmount": "250",
		"enableRules": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var cfg model.SessionConfig
	json.Unmarshal(w.Body.Bytes(), &cfg)
	if !cfg.TradeAmount.Equal(d(250)) || !cfg.EnableRules {
		t.Errorf("expected updated fields, got %+v", cfg)
	}
	if !cfg.InitialCapital.Equal(d(10000)) {
		t.Errorf("absent fields must be kept, got capital %s", cfg.InitialCapital)
	}
}

func TestUpdateConfig_Invalid(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "PUT", "/api/v1/sessions/alice/config", map[string]any{"initialCapital": "-5"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateConfig_WhileActive(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())
	startWithPrice(t, env, 100)

	w := do(t, env.router, "PUT", "/api/v1/sessions/alice/config", map[string]any{"tradeAmount": "10"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = do(t, env.router, "PUT", "/api/v1/sessions/alice/note", trade.NoteRequest{Note: "still editable"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("note: expected 204, got %d", w.Code)
	}
}

func TestSetInstrument_Invalid(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "PUT", "/api/v1/sessions/alice/instrument", trade.InstrumentRequest{Symbol: "../etc"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Order entry tests ---

func TestOpenPosition_Buy(t *testing.T) {
	cfg := model.DefaultSessionConfig()
	cfg.TakeProfitPct = d(20)
	env := newTestEnv(t, cfg)
	startWithPrice(t, env, 100)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: "buy"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.ID == "" {
		t.Error("expected position id")
	}
	if pos.Type != model.SideBuy || !pos.EntryPrice.Equal(d(100)) || !pos.Size.Equal(d(1000)) {
		t.Errorf("unexpected position %+v", pos)
	}

	env.feed("alice").tick(110)

	w = do(t, env.router, "GET", "/api/v1/sessions/alice", nil)
	var view session.View
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.Session.Account.Equity.Equal(d(10100)) {
		t.Errorf("expected equity 10100, got %s", view.Session.Account.Equity)
	}
}

func TestOpenPosition_NoSession(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: model.SideBuy})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestOpenPosition_NoPrice(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())
	do(t, env.router, "POST", "/api/v1/sessions/alice/start", nil)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: model.SideBuy})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg == "" {
		t.Error("expected error message")
	}
}

func TestOpenPosition_InvalidSide(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())
	startWithPrice(t, env, 100)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: "HOLD"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())
	startWithPrice(t, env, 100)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: model.SideSell})
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)

	env.feed("alice").tick(99.5)

	w = do(t, env.router, "DELETE", "/api/v1/sessions/alice/positions/"+pos.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.HistoryRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Reason != model.ReasonManual || !rec.FinalPnL.Equal(d(5)) {
		t.Errorf("expected MANUAL +5, got %s %s", rec.Reason, rec.FinalPnL)
	}

	w = do(t, env.router, "DELETE", "/api/v1/sessions/alice/positions/"+pos.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double close: expected 404, got %d", w.Code)
	}
}

func TestTradeLimitLocksOut(t *testing.T) {
	cfg := model.DefaultSessionConfig()
	cfg.EnableRules = true
	cfg.MaxTradesPerDay = 1
	env := newTestEnv(t, cfg)
	startWithPrice(t, env, 100)

	w := do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: model.SideBuy})
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	do(t, env.router, "DELETE", "/api/v1/sessions/alice/positions/"+pos.ID, nil)

	w = do(t, env.router, "POST", "/api/v1/sessions/alice/positions", trade.OrderRequest{Type: model.SideBuy})
	if w.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, env.router, "GET", "/api/v1/sessions/alice/lockout", nil)
	var l model.LockoutState
	json.Unmarshal(w.Body.Bytes(), &l)
	if !l.Active || l.Reason != "Max trades per day reached" {
		t.Errorf("expected trade-count lockout, got %+v", l)
	}

	w = do(t, env.router, "POST", "/api/v1/sessions/alice/start", nil)
	if w.Code != http.StatusLocked {
		t.Errorf("start during lockout: expected 423, got %d", w.Code)
	}
}

// --- Trade history tests ---

func TestAppendTrade(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	body, _ := json.Marshal(trade.AppendTradeRequest{
		Symbol:     "BTCUSDT",
		EntryPrice: d(100),
		ExitPrice:  d(102),
		PnL:        d(20),
		IsWin:      true,
		Notes:      "remote",
	})
	req := httptest.NewRequest("POST", "/api/v1/manual-trades", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(journal.UserHeader, "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, env.router, "GET", "/api/v1/manual-trades/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var reports []model.TradeReport
	json.Unmarshal(w.Body.Bytes(), &reports)
	if len(reports) != 1 || reports[0].Notes != "remote" || !reports[0].PnL.Equal(d(20)) {
		t.Errorf("unexpected reports %+v", reports)
	}
}

func TestAppendTrade_Unauthorized(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	req := httptest.NewRequest("POST", "/api/v1/manual-trades", bytes.NewReader([]byte(`{"user_id":"alice","symbol":"BTCUSDT"}`)))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestListTrades_Empty(t *testing.T) {
	env := newTestEnv(t, model.DefaultSessionConfig())

	w := do(t, env.router, "GET", "/api/v1/manual-trades/nobody?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}

	w = do(t, env.router, "GET", "/api/v1/manual-trades/nobody?limit=x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}
