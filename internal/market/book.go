package market

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/binary-engine/internal/model"
)

// Book keeps recent ticks per instrument ordered by timestamp.
// Ticks older than the newest timestamp minus retention are discarded.
type Book struct {
	retention int64 // ms

	mu     sync.RWMutex
	series map[string][]model.PriceTick
}

// NewBook creates a book retaining the given window of ticks.
func NewBook(retention time.Duration) *Book {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Book{
		retention: retention.Milliseconds(),
		series:    make(map[string][]model.PriceTick),
	}
}

// Record inserts a tick, keeping the series sorted by timestamp.
func (b *Book) Record(tick model.PriceTick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ticks := b.series[tick.Instrument]
	n := len(ticks)
	if n == 0 || ticks[n-1].Timestamp <= tick.Timestamp {
		ticks = append(ticks, tick)
	} else {
		i := sort.Search(n, func(i int) bool { return ticks[i].Timestamp > tick.Timestamp })
		ticks = append(ticks, model.PriceTick{})
		copy(ticks[i+1:], ticks[i:])
		ticks[i] = tick
	}

	cutoff := ticks[len(ticks)-1].Timestamp - b.retention
	drop := sort.Search(len(ticks), func(i int) bool { return ticks[i].Timestamp >= cutoff })
	if drop > 0 {
		// Compact once the dead prefix dominates so the backing array is reclaimed.
		if drop > len(ticks)/2 {
			ticks = append([]model.PriceTick(nil), ticks[drop:]...)
		} else {
			ticks = ticks[drop:]
		}
	}
	b.series[tick.Instrument] = ticks
}

// Latest returns the most recent tick for an instrument.
func (b *Book) Latest(instrument string) (model.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ticks := b.series[instrument]
	if len(ticks) == 0 {
		return model.PriceTick{}, false
	}
	return ticks[len(ticks)-1], true
}

// AtOrAfter returns the first tick with Timestamp >= ts.
func (b *Book) AtOrAfter(instrument string, ts int64) (model.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ticks := b.series[instrument]
	i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Timestamp >= ts })
	if i == len(ticks) {
		return model.PriceTick{}, false
	}
	return ticks[i], true
}

// Before returns the last tick with Timestamp < ts.
func (b *Book) Before(instrument string, ts int64) (model.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ticks := b.series[instrument]
	i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Timestamp >= ts })
	if i == 0 {
		return model.PriceTick{}, false
	}
	return ticks[i-1], true
}
