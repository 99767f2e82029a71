package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/settlement"
	"github.com/rickgao/binary-engine/internal/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500

	// defaultCandleCount is the seed window when from is omitted.
	defaultCandleCount = 200
)

// CandlesResponse seeds a live chart.
type CandlesResponse struct {
	Instrument string          `json:"instrument"`
	Timeframe  model.Timeframe `json:"timeframe"`
	Candles    []model.Candle  `json:"candles"`
	Current    *model.Candle   `json:"current,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trades == nil || !s.deps.Trades.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serverTime(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]int64{"timestamp": s.now().UnixMilli()})
}

func (s *Server) openTrade(w http.ResponseWriter, r *http.Request) {
	var req settlement.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "body", "invalid request body")
		return
	}
	if req.AccountID == "" {
		req.AccountID = r.URL.Query().Get("account")
	}

	trade, err := s.deps.Trades.OpenTrade(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, trade)
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("account")
	if accountID == "" {
		badRequest(w, "account", "required")
		return
	}

	status := model.TradeStatus(q.Get("status"))
	switch status {
	case "", model.StatusOpen, model.StatusWin, model.StatusLoss:
	default:
		badRequest(w, "status", "must be OPEN, WIN or LOSS")
		return
	}

	offset, ok := intParam(w, q.Get("offset"), "offset", 0)
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit", defaultPageLimit)
	if !ok {
		return
	}
	limit = min(max(limit, 1), maxPageLimit)

	trades := s.deps.Trades.List(accountID, status, settlement.Page{Offset: offset, Limit: limit})
	if trades == nil {
		trades = []model.Trade{}
	}
	writeData(w, http.StatusOK, trades)
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "id", "must be a UUID")
		return
	}
	trade, err := s.deps.Trades.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, trade)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Accounts.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (s *Server) resetAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Accounts.ResetDemo(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := s.deps.Instruments.ActiveInstruments()
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeData(w, http.StatusOK, instruments)
}

func (s *Server) getCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instrument := q.Get("instrument")
	if instrument == "" {
		badRequest(w, "instrument", "required")
		return
	}

	tf := model.Timeframe(time.Minute)
	if raw := q.Get("timeframe"); raw != "" {
		parsed, err := model.ParseTimeframe(raw)
		if err != nil {
			badRequest(w, "timeframe", err.Error())
			return
		}
		tf = parsed
	}

	// The window ends at the current bucket, which is not closed yet.
	to, ok := int64Param(w, q.Get("to"), "to", tf.Floor(s.now().UnixMilli()))
	if !ok {
		return
	}
	from, ok := int64Param(w, q.Get("from"), "from", to-defaultCandleCount*tf.Millis())
	if !ok {
		return
	}

	candles, err := s.deps.Candles.Get(r.Context(), instrument, tf, storage.Range{From: from, To: to})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}

	resp := CandlesResponse{Instrument: instrument, Timeframe: tf, Candles: candles}
	if s.deps.Live != nil {
		if current, ok := s.deps.Live.Current(instrument, tf); ok {
			resp.Current = &current
		}
	}
	writeData(w, http.StatusOK, resp)
}

func intParam(w http.ResponseWriter, raw, field string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(w, field, "must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func int64Param(w http.ResponseWriter, raw, field string, def int64) (int64, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(w, field, "must be a unix millisecond timestamp")
		return 0, false
	}
	return v, true
}
