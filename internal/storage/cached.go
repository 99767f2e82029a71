package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/binary-engine/internal/model"
)

// cachedSeries is a contiguous run of the most recent candles of one
// series. live is set once the run is fed by Remember, meaning nothing
// newer than its last candle exists yet.
type cachedSeries struct {
	candles []model.Candle
	live    bool
}

// Cached serves recent candles from an LRU of series and falls through to
// a Durable backend for older history.
type Cached struct {
	durable Durable
	depth   int
	logger  *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[seriesKey, *cachedSeries]
}

// NewCached creates a cache holding up to seriesCap series of depth candles each.
func NewCached(durable Durable, seriesCap, depth int, logger *slog.Logger) (*Cached, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if depth < 1 {
		depth = 1
	}
	cache, err := lru.New[seriesKey, *cachedSeries](seriesCap)
	if err != nil {
		return nil, fmt.Errorf("create candle cache: %w", err)
	}
	return &Cached{
		durable: durable,
		depth:   depth,
		logger:  logger.With("component", "candle_cache"),
		cache:   cache,
	}, nil
}

// Durable returns the backend behind the cache.
func (s *Cached) Durable() Durable {
	return s.durable
}

// Remember caches a closed candle ahead of its durable write.
func (s *Cached) Remember(c model.Candle) {
	c.Closed = true
	k := keyOf(c)

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.cache.Get(k)
	if !ok {
		s.cache.Add(k, &cachedSeries{candles: []model.Candle{c}, live: true})
		return
	}
	cs.live = true

	n := len(cs.candles)
	if n == 0 {
		cs.candles = append(cs.candles, c)
		return
	}
	last := cs.candles[n-1]
	switch {
	case c.BucketStart == last.BucketEnd():
		cs.candles = append(cs.candles, c)
	case c.BucketStart > last.BucketEnd():
		// Start a fresh run; the hole is answered by the durable store.
		cs.candles = []model.Candle{c}
	default:
		if existing, found := findCandle(cs.candles, c.BucketStart); found && !existing.SameContent(c) {
			s.logger.Warn("closed candle changed, keeping cached version",
				"instrument", c.Instrument,
				"timeframe", c.Timeframe.String(),
				"bucket_start", c.BucketStart,
			)
		}
		return
	}
	cs.candles = trimDepth(cs.candles, s.depth)
}

// CandleUpdated implements candle.Sink. In-progress candles are not cached.
func (s *Cached) CandleUpdated(model.Candle) {}

// CandleClosed implements candle.Sink.
func (s *Cached) CandleClosed(c model.Candle) {
	s.Remember(c)
}

// Append stores a closed candle durably and caches it.
func (s *Cached) Append(ctx context.Context, c model.Candle) error {
	if err := ValidateCandle(c); err != nil {
		return err
	}
	c.Closed = true

	s.mu.Lock()
	if cs, ok := s.cache.Peek(keyOf(c)); ok {
		if existing, found := findCandle(cs.candles, c.BucketStart); found && !existing.SameContent(c) {
			s.mu.Unlock()
			return conflictError([]model.Candle{c})
		}
	}
	s.mu.Unlock()

	if err := s.durable.InsertCandles(ctx, []model.Candle{c}); err != nil {
		return err
	}
	s.Remember(c)
	return nil
}

// Get returns the closed candles of a series with bucket starts in r.
func (s *Cached) Get(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error) {
	if err := validateRange(tf, r); err != nil {
		return nil, err
	}
	r = r.Aligned(tf)
	k := seriesKey{instrument: instrument, timeframe: tf}

	var cached []model.Candle
	s.mu.Lock()
	if cs, ok := s.cache.Get(k); ok && len(cs.candles) > 0 {
		first, last := cs.candles[0], cs.candles[len(cs.candles)-1]
		if first.BucketStart <= r.From && (cs.live || r.To <= last.BucketEnd()) {
			hit := inRange(cs.candles, r)
			s.mu.Unlock()
			return hit, checkContiguous(instrument, tf, hit)
		}
		cached = inRange(cs.candles, r)
	}
	s.mu.Unlock()

	stored, err := s.durable.QueryCandles(ctx, instrument, tf, r)
	if err != nil {
		if len(cached) == 0 {
			return nil, fmt.Errorf("query candles: %w", err)
		}
		s.logger.Warn("durable query failed, serving cached candles",
			"instrument", instrument,
			"timeframe", tf.String(),
			"cached", len(cached),
			"error", err,
		)
		return cached, checkContiguous(instrument, tf, cached)
	}
	markClosed(stored)

	merged := mergeCandles(cached, stored)
	s.populate(k, stored)
	return merged, checkContiguous(instrument, tf, merged)
}

// populate folds durable candles into the cached run when they connect to it.
func (s *Cached) populate(k seriesKey, stored []model.Candle) {
	if len(stored) == 0 {
		return
	}
	width := k.timeframe.Millis()

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.cache.Get(k)
	if !ok {
		s.cache.Add(k, &cachedSeries{candles: trimDepth(tailRun(copyCandles(stored), width), s.depth)})
		return
	}
	merged := tailRun(mergeCandles(cs.candles, stored), width)
	if len(cs.candles) > 0 && merged[len(merged)-1].BucketStart == cs.candles[len(cs.candles)-1].BucketStart {
		cs.candles = trimDepth(merged, s.depth)
		return
	}
	// The durable data is newer than a stale run.
	if !cs.live {
		cs.candles = trimDepth(merged, s.depth)
	}
}

func findCandle(candles []model.Candle, bucketStart int64) (model.Candle, bool) {
	i := sort.Search(len(candles), func(i int) bool { return candles[i].BucketStart >= bucketStart })
	if i < len(candles) && candles[i].BucketStart == bucketStart {
		return candles[i], true
	}
	return model.Candle{}, false
}

func inRange(candles []model.Candle, r Range) []model.Candle {
	lo := sort.Search(len(candles), func(i int) bool { return candles[i].BucketStart >= r.From })
	hi := sort.Search(len(candles), func(i int) bool { return candles[i].BucketStart >= r.To })
	if lo >= hi {
		return nil
	}
	return copyCandles(candles[lo:hi])
}

// tailRun returns the longest contiguous suffix.
func tailRun(candles []model.Candle, width int64) []model.Candle {
	for i := len(candles) - 1; i > 0; i-- {
		if candles[i].BucketStart != candles[i-1].BucketStart+width {
			return candles[i:]
		}
	}
	return candles
}

func trimDepth(candles []model.Candle, depth int) []model.Candle {
	if len(candles) <= depth {
		return candles
	}
	return copyCandles(candles[len(candles)-depth:])
}

func copyCandles(candles []model.Candle) []model.Candle {
	return append([]model.Candle(nil), candles...)
}
