// Package account is the only writer of account balances.
//
// Accounts are spread across 64 shards keyed by an FNV-1a hash of the
// account ID; each shard has its own mutex, so a debit and a credit on the
// same account serialize while unrelated accounts never contend.
//
// Every mutation is journaled. For each account the journal base plus the
// sum of retained deltas always equals the current balance, and a debit
// never takes a balance below zero. Successful mutations are announced on
// a drop-oldest channel for the realtime hub.
package account
