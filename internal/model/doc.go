// Package model defines shared data types used across the engine.
//
// Conventions:
//   - Prices, stakes and balances: shopspring decimal.Decimal (never float64)
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Timeframes: time.Duration in whole seconds
//   - IDs: uuid.UUID for trades, string for accounts and instruments
package model
