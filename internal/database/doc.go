// Package database provides connection pool management for TimescaleDB.
//
// The engine keeps one pool when database.driver is "timescale":
//   - candles: closed OHLCV candles, a hypertable on bucket_start
//   - trades: opened and settled trades, when settlement.persist_trades is set
//
// Schema is created idempotently by EnsureSchema at startup.
package database
