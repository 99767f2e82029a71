// Package hub pushes live engine state to websocket viewers.
//
// A single goroutine owns the subscriber registry. Registering,
// unregistering, re-subscribing and publishing are commands sent to it, so
// the subscription filter of a connection is only ever read and written by
// that goroutine.
//
// # Routing
//
//   - price:update, candle:update, candle:close go to connections
//     subscribed to the event's instrument
//   - trade:open, trade:close, balance:update go to the owning account's
//     connections regardless of instrument
//   - server:time goes to every connection each ClockInterval
//
// # Ordering
//
// Every frame for a connection is queued on one FIFO send queue by the hub
// goroutine. A subscribe swaps the filter and then queues the "subscribed"
// ack, so no event for the previous instrument can follow the ack.
//
// # Slow Viewers
//
// Send queues are bounded. A connection whose queue is full is evicted:
// it is removed from the registry, its queue is closed and the write pump
// tears the socket down.
package hub
