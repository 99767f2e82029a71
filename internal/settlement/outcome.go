package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Evaluate decides a trade against its exit price. Equal prices lose.
// The payout is stake * (1 + payoutPercent/100) on a win and zero otherwise.
func Evaluate(t model.Trade, exit decimal.Decimal) (model.TradeStatus, decimal.Decimal) {
	win := (t.Direction == model.DirectionCall && exit.GreaterThan(t.EntryPrice)) ||
		(t.Direction == model.DirectionPut && exit.LessThan(t.EntryPrice))
	if !win {
		return model.StatusLoss, decimal.Zero
	}
	return model.StatusWin, Payout(t.Stake, t.PayoutPercent)
}

// Payout returns the amount credited for a winning stake.
func Payout(stake, payoutPercent decimal.Decimal) decimal.Decimal {
	return stake.Mul(decimal.NewFromInt(1).Add(payoutPercent.Div(hundred)))
}
