// Package engine assembles the pipeline from configuration and runs it.
//
// Components start upstream of their consumers:
//
//	store -> registry -> feed -> router -> aggregator -> writers -> settlement -> hub -> HTTP
//
// Shutdown stops intake first and then lets each buffer drain into its
// consumer. The HTTP listener and the hub go first so no new trades or
// viewers arrive, then the feed and the router. Closing the router's
// buffers lets the aggregator and settlement finish what is queued before
// the writers flush and storage is closed.
package engine
