// Package settlement owns the trade lifecycle.
//
// A trade moves OPEN -> WIN or OPEN -> LOSS exactly once, never before
// its expiration. Three paths can trigger settlement:
//
//   - the expiry timer, driven by a min-heap of expiration times and
//     batched into BatchInterval windows
//   - the tick path, which settles trades already past expiry as soon as
//     the first tick at or after their expiration arrives
//   - the reconciliation sweep, which catches anything the other two
//     missed (restart, lost timer) once FeedGapGrace has passed
//
// Paths race freely: the Ledger's compare-and-set transition lets exactly
// one attempt win, and only the winner credits a payout. When no tick
// exists at or after expiration by the grace deadline the trade settles on
// the last tick before expiration (or its entry price) and is flagged for
// audit.
package settlement
