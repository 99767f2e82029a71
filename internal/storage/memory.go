package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/rickgao/binary-engine/internal/model"
)

// Memory is a map-backed Durable.
type Memory struct {
	mu     sync.RWMutex
	series map[seriesKey][]model.Candle // ascending by BucketStart
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{series: make(map[seriesKey][]model.Candle)}
}

// InsertCandles implements Durable.
func (m *Memory) InsertCandles(ctx context.Context, candles []model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflicts []model.Candle
	for _, c := range candles {
		if err := ValidateCandle(c); err != nil {
			return err
		}
		c.Closed = true
		k := keyOf(c)
		s := m.series[k]
		i := sort.Search(len(s), func(i int) bool { return s[i].BucketStart >= c.BucketStart })
		if i < len(s) && s[i].BucketStart == c.BucketStart {
			if !s[i].SameContent(c) {
				conflicts = append(conflicts, c)
			}
			continue
		}
		s = append(s, model.Candle{})
		copy(s[i+1:], s[i:])
		s[i] = c
		m.series[k] = s
	}
	return conflictError(conflicts)
}

// QueryCandles implements Durable.
func (m *Memory) QueryCandles(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[seriesKey{instrument: instrument, timeframe: tf}]
	lo := sort.Search(len(s), func(i int) bool { return s[i].BucketStart >= r.From })
	hi := sort.Search(len(s), func(i int) bool { return s[i].BucketStart >= r.To })
	if lo >= hi {
		return nil, nil
	}
	return append([]model.Candle(nil), s[lo:hi]...), nil
}

// LatestCandle implements Durable.
func (m *Memory) LatestCandle(ctx context.Context, instrument string, tf model.Timeframe) (model.Candle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[seriesKey{instrument: instrument, timeframe: tf}]
	if len(s) == 0 {
		return model.Candle{}, false, nil
	}
	return s[len(s)-1], true, nil
}

// Count returns the number of stored candles across all series.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.series {
		n += len(s)
	}
	return n
}

// Close implements Durable.
func (m *Memory) Close() error { return nil }
