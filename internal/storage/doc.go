// Package storage holds closed candles.
//
// A Store answers chart-seeding range queries and accepts idempotent
// appends keyed by (instrument, timeframe, bucket start). Cached puts a
// bounded LRU of recent candles per series in front of a Durable backend:
//
//   - Memory: map-backed, used in tests and single-process demos
//   - Timescale: PostgreSQL/TimescaleDB through pgx
//   - SQLite: single-node file database through sqlx
//   - Mongo: a MongoDB collection with a unique series index
//
// Get results are ascending and contiguous. A bucket missing strictly
// inside the returned span is reported as a *model.GapError; an empty
// result means no data has been recorded for the range yet.
package storage
