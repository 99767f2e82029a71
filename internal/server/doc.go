// Package server is the HTTP request boundary of the engine.
//
// Routes:
//
//	POST /api/trades                  open a trade
//	GET  /api/trades?account=...      list an account's trades, newest first
//	GET  /api/trades/{id}             one trade
//	GET  /api/accounts/{id}           balance snapshot
//	POST /api/accounts/{id}/reset     restore a DEMO balance
//	GET  /api/candles?instrument=...  closed candles to seed a chart
//	GET  /api/instruments             tradable instruments
//	GET  /api/time                    server clock
//	GET  /health                      readiness
//	GET  /metrics                     Prometheus metrics
//	GET  /ws?account=...              realtime websocket
//
// Engine errors map to statuses in one place, see statusFor.
package server
