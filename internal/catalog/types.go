package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

type instrumentsResponse struct {
	Instruments []apiInstrument `json:"instruments"`
}

// apiInstrument is the catalog wire form. payout_percent may be a JSON
// number or string.
type apiInstrument struct {
	Symbol        string          `json:"symbol"`
	PayoutPercent decimal.Decimal `json:"payout_percent"`
	Active        *bool           `json:"active"`
}

// toModel converts the wire form. A missing active flag means active.
func (a apiInstrument) toModel() model.Instrument {
	active := true
	if a.Active != nil {
		active = *a.Active
	}
	return model.Instrument{
		Symbol:        a.Symbol,
		PayoutPercent: a.PayoutPercent,
		Active:        active,
	}
}
