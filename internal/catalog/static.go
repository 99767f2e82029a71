package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/config"
	"github.com/rickgao/binary-engine/internal/model"
)

// Static serves a fixed instrument list.
type Static struct {
	instruments []model.Instrument
}

// NewStatic builds a catalog from configured instruments. All are active.
func NewStatic(cfgs []config.InstrumentConfig) *Static {
	out := make([]model.Instrument, 0, len(cfgs))
	for _, ic := range cfgs {
		out = append(out, model.Instrument{
			Symbol:        ic.Symbol,
			PayoutPercent: decimal.NewFromFloat(ic.PayoutPercent),
			Active:        true,
		})
	}
	return &Static{instruments: out}
}

// ListInstruments returns a copy of the configured list.
func (s *Static) ListInstruments(context.Context) ([]model.Instrument, error) {
	return append([]model.Instrument(nil), s.instruments...), nil
}
