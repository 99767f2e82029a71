package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
	"github.com/rickgao/binary-engine/internal/storage"
)

// flakyStore fails every insert while down is set.
type flakyStore struct {
	*storage.Memory
	mu    sync.Mutex
	down  bool
	calls int
}

func (s *flakyStore) InsertCandles(ctx context.Context, candles []model.Candle) error {
	s.mu.Lock()
	s.calls++
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return s.Memory.InsertCandles(ctx, candles)
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func closedCandle(start int64) model.Candle {
	p := decimal.RequireFromString("1.2")
	return model.Candle{
		Instrument:  "EURUSD",
		Timeframe:   model.Timeframe5s,
		BucketStart: start,
		Open:        p,
		High:        p,
		Low:         p,
		Close:       p,
		Closed:      true,
	}
}

func testWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     4,
		FlushInterval: 20 * time.Millisecond,
		RetryBase:     10 * time.Millisecond,
		RetryMax:      40 * time.Millisecond,
	}
}

func newTestCandleWriter(store storage.Durable) *CandleWriter {
	input := router.NewGrowableBuffer[model.Candle](16)
	return NewCandleWriter(testWriterConfig(), input, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	cfg := WriterConfig{}.withDefaults()
	if cfg.BatchSize != 500 || cfg.FlushInterval != time.Second {
		t.Errorf("withDefaults = %+v", cfg)
	}
	if cfg.RetryMax < cfg.RetryBase {
		t.Errorf("RetryMax %v below RetryBase %v", cfg.RetryMax, cfg.RetryBase)
	}
}

func TestCandleWriter_WritesClosedCandles(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	w := newTestCandleWriter(store)

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 10; i++ {
		w.CandleClosed(closedCandle(i * 5000))
	}
	w.CandleUpdated(closedCandle(50000)) // ignored

	waitFor(t, func() bool { return store.Count() == 10 }, "candles not written")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := w.Stats().Inserts; got != 10 {
		t.Errorf("Inserts = %d, want 10", got)
	}
	if w.Degraded() {
		t.Error("writer should not be degraded")
	}
}

func TestCandleWriter_OutageAndRecovery(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	store.setDown(true)
	w := newTestCandleWriter(store)

	var mu sync.Mutex
	var flips []bool
	w.OnDegraded(func(d bool) {
		mu.Lock()
		flips = append(flips, d)
		mu.Unlock()
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 12; i++ {
		w.CandleClosed(closedCandle(i * 5000))
	}

	waitFor(t, w.Degraded, "writer never reported degraded")
	waitFor(t, func() bool { return w.Stats().Retries >= 2 }, "writer did not retry")
	if store.Count() != 0 {
		t.Fatalf("stored %d candles during outage", store.Count())
	}

	store.setDown(false)
	waitFor(t, func() bool { return store.Count() == 12 }, "candles not written after recovery")
	waitFor(t, func() bool { return !w.Degraded() }, "degraded flag not cleared")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := store.QueryCandles(ctx, "EURUSD", model.Timeframe5s, storage.Range{From: 0, To: 60000})
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range got {
		if c.BucketStart != int64(i)*5000 {
			t.Fatalf("series has a hole at index %d: %d", i, c.BucketStart)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Errorf("degraded hook calls = %v, want [true false]", flips)
	}
}

func TestCandleWriter_ConflictIsNotRetried(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	ctx := context.Background()
	if err := store.Memory.InsertCandles(ctx, []model.Candle{closedCandle(0)}); err != nil {
		t.Fatal(err)
	}
	w := newTestCandleWriter(store)

	changed := closedCandle(0)
	changed.Volume = 3
	w.batch = append(w.batch, changed, closedCandle(5000))

	if err := w.write(ctx); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.batch) != 0 {
		t.Errorf("batch kept %d candles after a conflict", len(w.batch))
	}
	if store.Count() != 2 {
		t.Errorf("Count = %d, want 2", store.Count())
	}
	if w.Degraded() {
		t.Error("a conflict does not degrade storage")
	}
}

func TestCandleWriter_InvalidRowDoesNotSinkBatch(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	w := newTestCandleWriter(store)

	unaligned := closedCandle(0)
	unaligned.BucketStart = 5001
	w.batch = append(w.batch, closedCandle(0), unaligned, closedCandle(5000), closedCandle(10000))

	if err := w.write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if store.Count() != 3 {
		t.Errorf("Count = %d, want 3", store.Count())
	}
	stats := w.Stats()
	if stats.Rejected != 1 || stats.Inserts != 3 {
		t.Errorf("stats = %+v, want 1 rejected and 3 inserted", stats)
	}
	if len(w.batch) != 0 {
		t.Errorf("batch kept %d candles", len(w.batch))
	}
}

func TestCandleWriter_StopFlushesQueue(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	w := newTestCandleWriter(store)
	w.cfg.FlushInterval = time.Hour
	w.cfg.BatchSize = 100

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 3; i++ {
		w.CandleClosed(closedCandle(i * 5000))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if store.Count() != 3 {
		t.Errorf("Count = %d, want 3", store.Count())
	}
}
