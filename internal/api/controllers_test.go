package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/cycle"
	"signal-core/internal/eligibility"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/notify"
	"signal-core/internal/portfolio"
	"signal-core/internal/signals"
	"signal-core/internal/trade"
	"signal-core/internal/window"
	"signal-core/pkg/cache"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/feed"
)

type stubFeed struct {
	batch []feed.RawSignal
}

func (f *stubFeed) GetSignals(ctx context.Context) ([]feed.RawSignal, error) {
	return f.batch, nil
}

type stubGateway struct {
	balances []common.AssetBalance
	prices   map[string]float64
}

func (g *stubGateway) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	return common.AccountSnapshot{Balances: g.balances, CanTrade: true}, nil
}

func (g *stubGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := g.prices[symbol]; ok {
		return p, nil
	}
	return 0, errors.New("unknown symbol")
}

func (g *stubGateway) ExecuteTrade(ctx context.Context, symbol string, side common.Side, quantity float64) (common.TradeResult, error) {
	return common.TradeResult{OrderID: "ord", Price: g.prices[symbol], Status: common.StatusFilled}, nil
}

func (g *stubGateway) ValidateSymbol(ctx context.Context, symbol string) error { return nil }

type stubResolver struct{ gw common.Gateway }

func (r *stubResolver) ForUser(ctx context.Context, userID string) (common.Gateway, error) {
	return r.gw, nil
}

// newTestServer wires most components similar to main.go against an
// in-memory database and a stub exchange.
func newTestServer(t *testing.T, f *stubFeed, gw *stubGateway) (*httptest.Server, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	os.Setenv("MASTER_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, crypto.KeySize)))
	t.Cleanup(func() { os.Unsetenv("MASTER_ENCRYPTION_KEY") })

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}

	bus := events.NewBus()
	resolver := &stubResolver{gw: gw}
	prices := cache.NewPriceCache(time.Minute, time.Now)
	pf := portfolio.NewService(database, resolver, prices, bus, time.Hour)
	profiles := eligibility.DefaultProfiles()
	filter := eligibility.NewFilter(database, profiles, time.Now)
	cycles := cycle.NewManager(database, bus)
	orchestrator := trade.NewOrchestrator(database, resolver, pf, cycles, profiles, notify.NopSink{}, bus)
	orchestrator.SetRetryPolicy(trade.RetryPolicy{Attempts: 1})
	signalSvc := signals.NewService(f, database, bus, signals.Config{})
	windows := window.NewManager(database, signalSvc, orchestrator, time.Now)
	sweeper := window.NewSweeper(database, filter, orchestrator, bus, time.Minute, true)

	server := NewServer(Deps{
		Bus:       bus,
		DB:        database,
		Signals:   signalSvc,
		Filter:    filter,
		Windows:   windows,
		Sweeper:   sweeper,
		Portfolio: pf,
		Trades:    orchestrator,
		Gateways:  gateway.NewPool(database, keys, time.Second, false),
		Keys:      keys,
		JWTSecret: "test-secret",
	})

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return ts, database
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

func registerAndLogin(t *testing.T, ts *httptest.Server, email string) string {
	t.Helper()

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]any{
		"email": email, "password": "hunter22", "riskLevel": "medium",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", res.StatusCode)
	}

	res, body := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]any{
		"email": email, "password": "hunter22",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", res.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestAuthFlow(t *testing.T) {
	ts, _ := newTestServer(t, &stubFeed{}, &stubGateway{})

	t.Run("protected routes require a token", func(t *testing.T) {
		res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/signals", "", nil)
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", res.StatusCode)
		}
	})

	t.Run("register login and access", func(t *testing.T) {
		token := registerAndLogin(t, ts, "a@test.local")
		res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/trades", token, nil)
		if res.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", res.StatusCode)
		}
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		registerAndLogin(t, ts, "dup@test.local")
		res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]any{
			"email": "dup@test.local", "password": "x",
		})
		if res.StatusCode != http.StatusConflict {
			t.Errorf("expected 409, got %d", res.StatusCode)
		}
	})

	t.Run("bad password rejected", func(t *testing.T) {
		registerAndLogin(t, ts, "b@test.local")
		res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]any{
			"email": "b@test.local", "password": "wrong",
		})
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", res.StatusCode)
		}
	})
}

func TestSignalEndpoints(t *testing.T) {
	f := &stubFeed{batch: []feed.RawSignal{
		{ID: "sig-1", Direction: "BUY", Token: "SOL", Price: 50, RiskLevel: "medium", RiskScore: 50},
	}}
	gw := &stubGateway{
		balances: []common.AssetBalance{{Asset: "USDT", Free: 1000}},
		prices:   map[string]float64{"SOLUSDT": 50},
	}
	ts, database := newTestServer(t, f, gw)
	token := registerAndLogin(t, ts, "trader@test.local")

	// Listing works before any exchange is connected.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/signals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	defer res.Body.Close()
	var listed []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 || listed[0]["id"] != "sig-1" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
	if listed[0]["state"] != "pending" {
		t.Errorf("expected pending state, got %v", listed[0]["state"])
	}

	// Accept fails without a connected exchange.
	res2, body := doJSON(t, http.MethodPost, ts.URL+"/api/signals/sig-1/accept", token, nil)
	if res2.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d (%v)", res2.StatusCode, body)
	}

	// Skip is always allowed.
	res3, _ := doJSON(t, http.MethodPost, ts.URL+"/api/signals/sig-1/skip", token, nil)
	if res3.StatusCode != http.StatusOK {
		t.Errorf("expected 200 skip, got %d", res3.StatusCode)
	}

	// Unknown signal is a 404.
	res4, _ := doJSON(t, http.MethodPost, ts.URL+"/api/signals/nope/accept", token, nil)
	if res4.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", res4.StatusCode)
	}

	// Connect the user directly and accept a fresh signal.
	var userID string
	row := database.DB.QueryRow(`SELECT id FROM users WHERE email = 'trader@test.local'`)
	if err := row.Scan(&userID); err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	if err := database.SetExchangeConnected(context.Background(), userID, "binance", true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.batch = append(f.batch, feed.RawSignal{
		ID: "sig-2", Direction: "BUY", Token: "ETH", Price: 3000, RiskLevel: "medium", RiskScore: 50,
	})
	gw.prices["ETHUSDT"] = 3000

	res5, body5 := doJSON(t, http.MethodGet, ts.URL+"/api/signals?refresh=true", token, nil)
	if res5.StatusCode != http.StatusOK {
		t.Fatalf("refresh listing: %d %v", res5.StatusCode, body5)
	}
	res6, body6 := doJSON(t, http.MethodPost, ts.URL+"/api/signals/sig-2/accept", token, nil)
	if res6.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %v", res6.StatusCode, body6)
	}
	if body6["status"] != string(db.TradeCompleted) {
		t.Errorf("expected completed trade, got %v", body6)
	}
}

func TestPortfolioEndpoints(t *testing.T) {
	gw := &stubGateway{
		balances: []common.AssetBalance{
			{Asset: "USDT", Free: 500},
			{Asset: "SOL", Free: 2},
		},
		prices: map[string]float64{"SOLUSDT": 100},
	}
	ts, _ := newTestServer(t, &stubFeed{}, gw)
	token := registerAndLogin(t, ts, "p@test.local")

	// No snapshot yet.
	res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/portfolio", token, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before first refresh, got %d", res.StatusCode)
	}

	res2, body := doJSON(t, http.MethodPost, ts.URL+"/api/portfolio/refresh", token, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %v", res2.StatusCode, body)
	}
	if body["TotalValue"].(float64) != 700 {
		t.Errorf("expected total 700, got %v", body["TotalValue"])
	}

	res3, _ := doJSON(t, http.MethodGet, ts.URL+"/api/portfolio", token, nil)
	if res3.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after refresh, got %d", res3.StatusCode)
	}
}

func TestSellHoldingEndpoint(t *testing.T) {
	gw := &stubGateway{
		balances: []common.AssetBalance{
			{Asset: "USDT", Free: 100},
			{Asset: "SOL", Free: 4},
		},
		prices: map[string]float64{"SOLUSDT": 120},
	}
	ts, database := newTestServer(t, &stubFeed{}, gw)
	token := registerAndLogin(t, ts, "h@test.local")

	// Selling needs a connected exchange.
	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/holdings/SOL/sell", token, map[string]any{"percentage": 50})
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412 without exchange, got %d", res.StatusCode)
	}

	var userID string
	row := database.DB.QueryRow(`SELECT id FROM users WHERE email = 'h@test.local'`)
	if err := row.Scan(&userID); err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	if err := database.SetExchangeConnected(context.Background(), userID, "binance", true); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res2, body := doJSON(t, http.MethodPost, ts.URL+"/api/holdings/sol/sell", token, map[string]any{"percentage": 50})
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("sell: %d %v", res2.StatusCode, body)
	}
	if body["amount"].(float64) != 2 {
		t.Errorf("expected half of 4 = 2 sold, got %v", body["amount"])
	}
	if body["direction"] != string(db.DirectionSell) {
		t.Errorf("expected SELL, got %v", body["direction"])
	}

	// Percentage bounds are enforced at the edge.
	res3, _ := doJSON(t, http.MethodPost, ts.URL+"/api/holdings/SOL/sell", token, map[string]any{"percentage": 150})
	if res3.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for percentage 150, got %d", res3.StatusCode)
	}

	// Unheld tokens cannot be sold.
	res4, _ := doJSON(t, http.MethodPost, ts.URL+"/api/holdings/DOGE/sell", token, map[string]any{"percentage": 100})
	if res4.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unheld token, got %d", res4.StatusCode)
	}
}

func TestSweepEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubFeed{}, &stubGateway{})
	token := registerAndLogin(t, ts, "s@test.local")

	res, body := doJSON(t, http.MethodPost, ts.URL+"/api/sweep", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %v", res.StatusCode, body)
	}
	if _, ok := body["results"]; !ok {
		t.Errorf("expected results key, got %v", body)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &stubFeed{}, &stubGateway{})
	res, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health check failed: %d %v", res.StatusCode, body)
	}
}
