// Package storage owns the single SQLite file that backs the dedup ledger,
// the approval workflow store and the alert escalation tracker.
//
// Every operation is a short-lived statement or transaction that commits immediately.
// There is no application-level locking: a write conflict surfaces as an error to the caller.
package storage
