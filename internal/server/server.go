package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/settlement"
	"github.com/rickgao/binary-engine/internal/storage"
)

// Trades opens and looks up trades.
type Trades interface {
	OpenTrade(ctx context.Context, req settlement.OpenRequest) (model.Trade, error)
	Get(id uuid.UUID) (model.Trade, error)
	List(accountID string, status model.TradeStatus, p settlement.Page) []model.Trade
	Ready() bool
}

// Accounts reads and resets balances.
type Accounts interface {
	Snapshot(accountID string) (model.AccountSnapshot, error)
	ResetDemo(accountID string) (model.AccountSnapshot, error)
}

// Instruments lists tradable instruments.
type Instruments interface {
	ActiveInstruments() []model.Instrument
}

// LiveCandles returns the in-progress candle of a series.
type LiveCandles interface {
	Current(instrument string, tf model.Timeframe) (model.Candle, bool)
}

// Config holds listener settings.
type Config struct {
	Port            int
	AllowedOrigins  []string
	MetricsPath     string
	ShutdownTimeout time.Duration
}

// Deps are the components served over HTTP. Live, WS and Metrics are
// optional.
type Deps struct {
	Trades      Trades
	Accounts    Accounts
	Candles     storage.Store
	Instruments Instruments
	Live        LiveCandles
	WS          http.Handler
	Metrics     http.Handler
}

// Server serves the REST API and the websocket endpoint.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	http     *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
		now:    time.Now,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.deps.Metrics)
	}
	if s.deps.WS != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/trades", func(r chi.Router) {
			r.Post("/", s.openTrade)
			r.Get("/", s.listTrades)
			r.Get("/{id}", s.getTrade)
		})
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Post("/reset", s.resetAccount)
		})
		r.Get("/candles", s.getCandles)
		r.Get("/instruments", s.listInstruments)
		r.Get("/time", s.serverTime)
	})

	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// fail writes an error response, logging unexpected failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeError(w, err)
}
