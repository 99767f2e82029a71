package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/account"
	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/settlement"
	"github.com/rickgao/binary-engine/internal/storage"
)

const now int64 = 1_700_000_000_000

type fakeInstruments struct{}

func (fakeInstruments) Instrument(symbol string) (model.Instrument, bool) {
	if symbol != "EURUSD" {
		return model.Instrument{}, false
	}
	return model.Instrument{Symbol: "EURUSD", PayoutPercent: decimal.NewFromInt(80), Active: true}, true
}

func (fakeInstruments) HasActiveFeed(symbol string) bool { return symbol == "EURUSD" }

func (f fakeInstruments) ActiveInstruments() []model.Instrument {
	inst, _ := f.Instrument("EURUSD")
	return []model.Instrument{inst}
}

type fixture struct {
	server   *Server
	handler  http.Handler
	engine   *settlement.Engine
	accounts *account.Service
	memory   *storage.Memory
}

func newFixture(t *testing.T, attach bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := account.NewService(account.Config{
		Currency:     "USD",
		DemoBalance:  decimal.NewFromInt(10000),
		ResetCeiling: decimal.NewFromInt(1000),
	}, logger)
	accounts.Open("alice", model.AccountDemo, "USD", decimal.NewFromInt(1000))
	accounts.Open("broke", model.AccountDemo, "USD", decimal.NewFromInt(500))

	engine := settlement.NewEngine(settlement.DefaultConfig(), settlement.Deps{
		Instruments: fakeInstruments{},
		Accounts:    accounts,
	}, nil, logger)
	if attach {
		book := market.NewBook(time.Hour)
		book.Record(model.PriceTick{Instrument: "EURUSD", Price: decimal.RequireFromString("1.2"), Timestamp: now})
		engine.Attach(book)
	}

	memory := storage.NewMemory()
	cached, err := storage.NewCached(memory, 16, 100, logger)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}

	s := New(Config{}, Deps{
		Trades:      engine,
		Accounts:    accounts,
		Candles:     cached,
		Instruments: fakeInstruments{},
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "# metrics") }),
	}, logger)
	s.now = func() time.Time { return time.UnixMilli(now) }

	return &fixture{server: s, handler: s.Handler(), engine: engine, accounts: accounts, memory: memory}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", resp.Data, err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return resp
}

const openBody = `{"accountId":"alice","instrument":"EURUSD","direction":"CALL","stake":"100","expirationSeconds":5}`

func TestOpenTrade_CreatedAndListed(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, "/api/trades", openBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var trade model.Trade
	decodeData(t, rec, &trade)
	if trade.Status != model.StatusOpen || trade.ExpiresAt-trade.OpenedAt != 5000 {
		t.Errorf("trade = %+v", trade)
	}

	rec = f.do(t, http.MethodGet, "/api/trades/"+trade.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/trades?account=alice&status=OPEN", "")
	var list []model.Trade
	decodeData(t, rec, &list)
	if len(list) != 1 || list[0].ID != trade.ID {
		t.Errorf("list = %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/accounts/alice", "")
	var snap model.AccountSnapshot
	decodeData(t, rec, &snap)
	if !snap.Balance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("balance = %s, want 900", snap.Balance)
	}
}

func TestOpenTrade_AccountFromQuery(t *testing.T) {
	f := newFixture(t, true)
	body := `{"instrument":"EURUSD","direction":"PUT","stake":10,"expirationSeconds":60}`

	rec := f.do(t, http.MethodPost, "/api/trades?account=alice", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestOpenTrade_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"bad json", `{`, http.StatusBadRequest, "body"},
		{"bad direction", strings.Replace(openBody, "CALL", "UP", 1), http.StatusBadRequest, "direction"},
		{"bad expiration", strings.Replace(openBody, `"expirationSeconds":5`, `"expirationSeconds":7`, 1), http.StatusBadRequest, "expirationSeconds"},
		{"unknown instrument", strings.Replace(openBody, "EURUSD", "XAUUSD", 1), http.StatusBadRequest, "instrument"},
		{"insufficient balance", strings.Replace(openBody, `"100"`, `"5000"`, 1), http.StatusPaymentRequired, ""},
		{"unknown account", strings.Replace(openBody, "alice", "ghost", 1), http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			rec := f.do(t, http.MethodPost, "/api/trades", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Field != tt.field || resp.Error == "" {
				t.Errorf("error response = %+v, want field %q", resp, tt.field)
			}
		})
	}
}

func TestNotReady(t *testing.T) {
	f := newFixture(t, false)

	if rec := f.do(t, http.MethodPost, "/api/trades", openBody); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("open status = %d, want 503", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", rec.Code)
	}
}

func TestTradeLookups(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodGet, "/api/trades/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/trades/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/trades", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing account status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/trades?account=alice&status=MAYBE", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/trades?account=alice&limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/trades?account=nobody", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("empty list = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAccounts(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodGet, "/api/accounts/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/accounts/alice/reset", ""); rec.Code != http.StatusConflict {
		t.Errorf("reset above ceiling status = %d, want 409", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/accounts/broke/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}
	var snap model.AccountSnapshot
	decodeData(t, rec, &snap)
	if !snap.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance after reset = %s, want 10000", snap.Balance)
	}
}

func seedCandles(t *testing.T, f *fixture, starts ...int64) {
	t.Helper()
	var candles []model.Candle
	p := decimal.RequireFromString("1.1")
	for _, s := range starts {
		candles = append(candles, model.Candle{
			Instrument: "EURUSD", Timeframe: model.Timeframe5s, BucketStart: s,
			Open: p, High: p, Low: p, Close: p, Volume: 1, Closed: true,
		})
	}
	if err := f.memory.InsertCandles(context.Background(), candles); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestCandles(t *testing.T) {
	f := newFixture(t, true)
	seedCandles(t, f, now-15000, now-10000, now-5000)

	rec := f.do(t, http.MethodGet, "/api/candles?instrument=EURUSD&timeframe=5s", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp CandlesResponse
	decodeData(t, rec, &resp)
	if len(resp.Candles) != 3 || resp.Candles[0].BucketStart != now-15000 || resp.Timeframe != model.Timeframe5s {
		t.Errorf("response = %+v", resp)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/candles?instrument=EURUSD&timeframe=5s&from=%d&to=%d", now-10000, now-5000), "")
	decodeData(t, rec, &resp)
	if len(resp.Candles) != 1 || resp.Candles[0].BucketStart != now-10000 {
		t.Errorf("ranged response = %+v", resp.Candles)
	}
}

func TestCandles_Errors(t *testing.T) {
	f := newFixture(t, true)
	seedCandles(t, f, now-20000, now-5000)

	if rec := f.do(t, http.MethodGet, "/api/candles", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing instrument status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/candles?instrument=EURUSD&timeframe=soon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad timeframe status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/candles?instrument=EURUSD&from=10&to=5", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/candles?instrument=EURUSD&timeframe=5s", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("gap status = %d, want 409", rec.Code)
	}
	resp := decodeError(t, rec)
	if len(resp.Missing) != 2 || resp.Missing[0] != now-15000 || resp.MissingCount != 2 {
		t.Errorf("missing = %v (count %d)", resp.Missing, resp.MissingCount)
	}
}

func TestMiscRoutes(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, "/api/time", "")
	var ts map[string]int64
	decodeData(t, rec, &ts)
	if ts["timestamp"] != now {
		t.Errorf("time = %v", ts)
	}

	rec = f.do(t, http.MethodGet, "/api/instruments", "")
	var instruments []model.Instrument
	decodeData(t, rec, &instruments)
	if len(instruments) != 1 || instruments[0].Symbol != "EURUSD" {
		t.Errorf("instruments = %+v", instruments)
	}

	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "metrics") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/ws", ""); rec.Code != http.StatusNotFound {
		t.Errorf("ws without a hub status = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidStake, http.StatusBadRequest},
		{&model.ValidationError{Field: "x", Reason: "y"}, http.StatusBadRequest},
		{fmt.Errorf("debit: %w", model.ErrInsufficientBalance), http.StatusPaymentRequired},
		{model.ErrAccountNotFound, http.StatusNotFound},
		{model.ErrTradeNotFound, http.StatusNotFound},
		{model.ErrResetNotAllowed, http.StatusConflict},
		{&model.GapError{}, http.StatusConflict},
		{model.ErrNotReady, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, true)
	if err := f.server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, port, err := net.SplitHostPort(f.server.Addr())
	if err != nil {
		t.Fatalf("bad addr %q: %v", f.server.Addr(), err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.server.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
