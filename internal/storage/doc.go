// Package storage keeps dispatch outcomes.
//
// Drivers:
//   - memory: process-lifetime map (default)
//   - file:   JSON Lines journal + snapshot, replayed on open
//   - sqlite: single-file database (pure Go driver)
//   - redis:  JSON blobs indexed by a sorted set on created_at
//
// Every driver returns deep copies so callers never share maps with the store.
package storage
