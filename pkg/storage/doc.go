// Package storage persists all pipeline rows in a single sqlite database
// via GORM with the pure-Go glebarez driver, so the binary needs no cgo.
//
// The transaction discipline is short-lived sessions: one stage execution
// shares one transaction so item, history and domain rows land atomically;
// the scheduler flips task rows in their own short writes. WithTx hands
// callers a transaction-scoped Store with the same method set.
package storage
