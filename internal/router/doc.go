// Package router normalizes raw feed messages and fans ticks out.
//
// Every distinct tick updates the price book and feed liveness, then is
// copied into three growable buffers (candle, settlement, price) so a slow
// consumer never blocks the feed. Exact duplicates (same instrument,
// timestamp and price as the previous tick) are dropped.
package router
