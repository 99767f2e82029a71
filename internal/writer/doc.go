// Package writer implements the asynchronous persistence pipeline.
//
// Writers:
//   - CandleWriter: closed candles to the configured durable candle store
//   - TradeWriter: trade opens and settlements to the PostgreSQL trades table
//
// Both batch by size and interval and retry failed batches with capped
// exponential backoff. Writers never block their producers: input arrives
// through growable buffers.
package writer
