package market

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/binary-engine/internal/model"
)

// registryState holds the thread-safe instrument cache.
type registryState struct {
	mu sync.RWMutex

	// All known instruments indexed by symbol.
	instruments map[string]*model.Instrument

	// Last successful catalog sync.
	lastSyncAt time.Time

	// Output channel for the feed client.
	changes chan InstrumentChange

	tickMu sync.Mutex
	ticks  map[string]time.Time
}

func newState() *registryState {
	return &registryState{
		instruments: make(map[string]*model.Instrument),
		changes:     make(chan InstrumentChange, ChangeBufferSize),
		ticks:       make(map[string]time.Time),
	}
}

// get returns an active instrument by symbol (read-locked).
func (s *registryState) get(symbol string) (model.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok || !inst.Active {
		return model.Instrument{}, false
	}
	return *inst, true
}

// getActive returns copies of all active instruments (read-locked).
func (s *registryState) getActive() []model.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		if inst.Active {
			result = append(result, *inst)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

func (s *registryState) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, inst := range s.instruments {
		if inst.Active {
			n++
		}
	}
	return n
}

// upsertLocked stores inst and returns the change it represents, if any.
// Caller must hold the write lock.
func (s *registryState) upsertLocked(inst model.Instrument) (InstrumentChange, bool) {
	existing, ok := s.instruments[inst.Symbol]
	instCopy := inst
	s.instruments[inst.Symbol] = &instCopy

	change := InstrumentChange{Symbol: inst.Symbol, Instrument: inst}
	switch {
	case !ok:
		if !inst.Active {
			return change, false
		}
		change.EventType = EventCreated
	case existing.Active != inst.Active:
		change.EventType = EventDeactivated
		if inst.Active {
			change.EventType = EventActivated
		}
	case !existing.PayoutPercent.Equal(inst.PayoutPercent):
		change.EventType = EventUpdated
	default:
		return change, false
	}
	return change, true
}

// notifyChange sends a change to the changes channel (non-blocking).
func (s *registryState) notifyChange(change InstrumentChange) {
	select {
	case s.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-s.changes:
			s.changes <- change
		default:
		}
	}
}

func (s *registryState) markTick(symbol string, at time.Time) {
	s.tickMu.Lock()
	s.ticks[symbol] = at
	s.tickMu.Unlock()
}

func (s *registryState) lastTick(symbol string) (time.Time, bool) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	at, ok := s.ticks[symbol]
	return at, ok
}
