// Package storage persists the scheduler snapshot and the delivery journal.
//
// Drivers:
//   - "file": snapshot file written with tmp+rename, JSON Lines journal
//   - "sqlite": single database file (pure Go driver)
//   - "redis": snapshot key plus a capped journal list
package storage
