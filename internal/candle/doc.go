// Package candle folds ticks into OHLCV candles for every configured
// timeframe at once.
//
// A bucket stays open until the instrument's watermark (the newest tick
// timestamp, or the wall clock passed to Advance) reaches its end plus the
// out-of-order tolerance. Late ticks inside that window fold into their
// bucket; older ones are dropped and counted. Buckets the feed skipped are
// filled with flat candles when the next real bucket closes, so the closed
// series handed to the store has no holes.
package candle
