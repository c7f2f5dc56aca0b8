package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/auth"
	"krakenbot/internal/circuit"
	"krakenbot/internal/engine"
	"krakenbot/internal/events"
	"krakenbot/internal/ledger"
	"krakenbot/internal/models"
	"krakenbot/internal/tradesync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	evals     map[string]*engine.PairEvaluation
	lots      []*models.Position
	ingested  []models.Fill
	reconcile struct {
		exchange  string
		dryRun    bool
		autoClean bool
	}
	closeErr error
	breaker  circuit.Stats
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		evals: map[string]*engine.PairEvaluation{
			"BTC/USD": {Pair: "BTC/USD", Exchange: "kraken", Signal: models.Signal{Action: models.ActionBuy, Pair: "BTC/USD"}},
		},
		lots: []*models.Position{
			{LotID: "lot-1", Pair: "BTC/USD", Exchange: "kraken", Amount: 1, QtyRemaining: 1},
			{LotID: "lot-2", Pair: "ETH/USD", Exchange: "kraken", Amount: 2, QtyRemaining: 2},
		},
	}
}

func (f *fakeEngine) Exchange() string { return "kraken" }
func (f *fakeEngine) Pairs() []string  { return []string{"BTC/USD", "ETH/USD"} }

func (f *fakeEngine) LastEvaluation(pair string) (*engine.PairEvaluation, bool) {
	ev, ok := f.evals[pair]
	return ev, ok
}

func (f *fakeEngine) EvaluatePair(_ context.Context, pair string) (*engine.PairEvaluation, error) {
	ev := &engine.PairEvaluation{Pair: pair, Exchange: "kraken"}
	f.evals[pair] = ev
	return ev, nil
}

func (f *fakeEngine) RegimeState(_ context.Context, pair string) (*models.RegimeState, error) {
	return &models.RegimeState{Pair: pair, CurrentRegime: models.RegimeRange}, nil
}

func (f *fakeEngine) OpenPositions() []*models.Position { return f.lots }

func (f *fakeEngine) ManualClose(_ context.Context, lotID string) (engine.ManualCloseResult, error) {
	if f.closeErr != nil {
		return engine.ManualCloseResult{}, f.closeErr
	}
	for _, p := range f.lots {
		if p.LotID == lotID {
			return engine.ManualCloseResult{Success: true, LotID: lotID, Pair: p.Pair, Reason: engine.ReasonManual}, nil
		}
	}
	return engine.ManualCloseResult{}, fmt.Errorf("%w: %s", engine.ErrLotNotFound, lotID)
}

func (f *fakeEngine) SetTimeStopDisabled(_ context.Context, lotID string, disabled bool) (*models.Position, error) {
	for _, p := range f.lots {
		if p.LotID == lotID {
			p.TimeStopDisabled = disabled
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrLotNotFound, lotID)
}

func (f *fakeEngine) Reconcile(_ context.Context, exchange string, dryRun, autoClean bool) (ledger.ReconcileResult, error) {
	if exchange != "kraken" {
		return ledger.ReconcileResult{}, fmt.Errorf("%w: %s", engine.ErrUnknownExchange, exchange)
	}
	f.reconcile.exchange, f.reconcile.dryRun, f.reconcile.autoClean = exchange, dryRun, autoClean
	return ledger.ReconcileResult{Exchange: exchange, DryRun: dryRun, AutoClean: autoClean}, nil
}

func (f *fakeEngine) Ingest(_ context.Context, fill models.Fill) (ledger.IngestResult, error) {
	for _, prev := range f.ingested {
		if prev.FillID == fill.FillID {
			return ledger.IngestResult{Inserted: false, TradeID: "t-" + fill.FillID, Reason: "duplicate"}, nil
		}
	}
	f.ingested = append(f.ingested, fill)
	return ledger.IngestResult{Inserted: true, TradeID: "t-" + fill.FillID}, nil
}

func (f *fakeEngine) BreakerStats() circuit.Stats { return f.breaker }

func (f *fakeEngine) ResetBreaker() circuit.Stats {
	f.breaker = circuit.Stats{Enabled: f.breaker.Enabled, State: circuit.StateClosed}
	return f.breaker
}

func (f *fakeEngine) RecalculatePnL(_ context.Context, exchange, pair string) (ledger.FIFOResult, error) {
	return ledger.FIFOResult{Exchange: exchange, Pair: pair, RealizedPnlUsd: 12.5}, nil
}

type fakeSyncer struct{ runs []string }

func (s *fakeSyncer) Run(_ context.Context, ex string) (tradesync.RunResult, error) {
	s.runs = append(s.runs, ex)
	if ex == "coinbase" {
		return tradesync.RunResult{Exchange: ex, Error: "no history"}, tradesync.ErrNoHistory
	}
	return tradesync.RunResult{Exchange: ex, Inserted: 3}, nil
}

func (s *fakeSyncer) RunAll(ctx context.Context) []tradesync.RunResult {
	r, _ := s.Run(ctx, "kraken")
	return []tradesync.RunResult{r}
}

func (s *fakeSyncer) Exchanges() []string { return []string{"kraken"} }
func (s *fakeSyncer) IsRunning() bool     { return true }

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) (*Server, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	sc := ServerConfig{
		API:    config.APIConfig{AllowedOrigins: []string{"*"}},
		Engine: eng,
		Sync:   &fakeSyncer{},
	}
	for _, m := range mutate {
		m(&sc)
	}
	s, err := NewServer(sc)
	require.NoError(t, err)
	t.Cleanup(s.hub.Stop)
	return s, eng
}

func do(t *testing.T, s *Server, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)

	_, err = NewServer(ServerConfig{Engine: newFakeEngine(), API: config.APIConfig{AuthEnabled: true}})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := do(t, s, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	s, _ = newTestServer(t, func(sc *ServerConfig) { sc.Health = failingHealth{} })
	w, body = do(t, s, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestEvaluationRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/api/evaluation?pair=btc/usd", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "BTC/USD", data["pair"])

	w, _ = do(t, s, http.MethodGet, "/api/evaluation?pair=ETH/USD", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, s, http.MethodGet, "/api/evaluation", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/evaluation?pair=ETH/USD", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/evaluations", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 2)

	w, body = do(t, s, http.MethodGet, "/api/regime?pair=BTC/USD", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RANGE", body["data"].(map[string]interface{})["current_regime"])
}

func TestPositionRoutes(t *testing.T) {
	s, eng := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/api/positions?pair=eth/usd", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	w, body = do(t, s, http.MethodPost, "/api/positions/lot-1/close", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MANUAL", body["data"].(map[string]interface{})["reason"])

	w, _ = do(t, s, http.MethodPost, "/api/positions/nope/close", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, s, http.MethodPut, "/api/positions/lot-2/time-stop", map[string]bool{"disabled": true}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, eng.lots[1].TimeStopDisabled)

	w, _ = do(t, s, http.MethodPut, "/api/positions/lot-2/time-stop", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	eng.closeErr = errors.New("venue down")
	w, _ = do(t, s, http.MethodPost, "/api/positions/lot-1/close", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestIngestTrade(t *testing.T) {
	s, eng := newTestServer(t)
	fill := map[string]interface{}{
		"exchange":    "kraken",
		"pair":        "BTC/USD",
		"type":        "sell",
		"price":       110.0,
		"amount":      0.5,
		"executed_at": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		"fill_id":     "F-9",
	}

	w, _ := do(t, s, http.MethodPost, "/api/trades", fill, "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, eng.ingested, 1)
	assert.Equal(t, models.SourceWebhook, eng.ingested[0].Source)

	w, body := do(t, s, http.MethodPost, "/api/trades", fill, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["data"].(map[string]interface{})["inserted"])

	bad := map[string]interface{}{"exchange": "kraken", "pair": "BTC/USD", "type": "hold", "price": 1, "amount": 1}
	w, _ = do(t, s, http.MethodPost, "/api/trades", bad, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fill["source"] = models.SourceBot
	fill["fill_id"] = "F-10"
	w, _ = do(t, s, http.MethodPost, "/api/trades", fill, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileDefaultsToDryRun(t *testing.T) {
	s, eng := newTestServer(t)

	w, _ := do(t, s, http.MethodPost, "/api/reconcile", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "kraken", eng.reconcile.exchange)
	assert.True(t, eng.reconcile.dryRun)

	w, _ = do(t, s, http.MethodPost, "/api/reconcile", map[string]interface{}{"dry_run": false, "auto_clean": true}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, eng.reconcile.dryRun)
	assert.True(t, eng.reconcile.autoClean)

	w, _ = do(t, s, http.MethodPost, "/api/reconcile", map[string]interface{}{"exchange": "coinbase"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := do(t, s, http.MethodPost, "/api/pnl/recalculate", map[string]string{"exchange": "kraken", "pair": "BTC/USD"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 12.5, body["data"].(map[string]interface{})["realized_pnl_usd"])
}

func TestSyncRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/api/sync", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["running"])

	w, _ = do(t, s, http.MethodPost, "/api/sync/run?exchange=kraken", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/sync/run?exchange=coinbase", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, http.MethodPost, "/api/sync/run", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	s, _ = newTestServer(t, func(sc *ServerConfig) { sc.Sync = nil })
	w, _ = do(t, s, http.MethodPost, "/api/sync/run", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthRoles(t *testing.T) {
	s, _ := newTestServer(t, func(sc *ServerConfig) {
		sc.API.AuthEnabled = true
		sc.API.JWTSecret = "test-secret"
		sc.API.TokenTTL = time.Hour
	})
	m := auth.NewJWTManager("test-secret", time.Hour)
	admin, err := m.GenerateAccessToken("ops", auth.RoleAdmin)
	require.NoError(t, err)
	viewer, err := m.GenerateAccessToken("desk", auth.RoleViewer)
	require.NoError(t, err)

	w, _ := do(t, s, http.MethodGet, "/api/positions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(t, s, http.MethodGet, "/api/status", nil, viewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "viewer", body["data"].(map[string]interface{})["role"])

	w, _ = do(t, s, http.MethodPost, "/api/reconcile", nil, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/reconcile", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays public.
	w, _ = do(t, s, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewEventBus()
	s, _ := newTestServer(t, func(sc *ServerConfig) { sc.Bus = bus })
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?pair=BTC/USD"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		out := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}

	assert.Equal(t, "CONNECTED", read()["type"])
	assert.Equal(t, 1, s.Hub().GetClientCount())

	// Other pairs are filtered out; the next frame is the BTC event.
	bus.Publish(events.Event{Type: events.EventSignal, Pair: "ETH/USD", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{Type: events.EventSignal, Pair: "BTC/USD", Timestamp: time.Now()})

	msg := read()
	assert.Equal(t, string(events.EventSignal), msg["type"])
	assert.Equal(t, "BTC/USD", msg["pair"])
}

func TestBreakerRoutes(t *testing.T) {
	s, eng := newTestServer(t)
	eng.breaker = circuit.Stats{Enabled: true, State: circuit.StateOpen, ConsecutiveLosses: 4, TripReason: "consecutive losses: 4"}

	w, body := do(t, s, http.MethodGet, "/api/breaker", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "open", data["state"])
	assert.EqualValues(t, 4, data["consecutive_losses"])

	w, body = do(t, s, http.MethodPost, "/api/breaker/reset", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", body["data"].(map[string]interface{})["state"])
	assert.Equal(t, circuit.StateClosed, eng.breaker.State)
}
