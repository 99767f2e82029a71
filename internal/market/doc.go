// Package market tracks tradeable instruments and recent prices.
//
// Registry mirrors the external catalog, reconciles it periodically and
// reports which instruments currently receive ticks. Book keeps a bounded
// per-instrument tick history used to price trade entries and exits.
package market
