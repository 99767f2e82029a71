// Package feed implements the tick source adapter.
//
// A Source delivers raw upstream messages to the router:
//   - Client holds one WebSocket connection to the external price feed,
//     reconnects with capped exponential backoff and re-subscribes every
//     active instrument after each (re)connect and registry change
//   - Simulator emits a seedable random walk in the canonical format for
//     development and demo deployments
//
// Normalizer decodes the canonical, asset and binance wire formats into
// model.PriceTick.
package feed
