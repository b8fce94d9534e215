// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The Store interface covers node rows and node events; SQLiteStore
// implements it on modernc.org/sqlite (pure Go, no cgo) with WAL mode
// enabled. The schema is created on open.
//
// # Data Model
//
//   - Node: one row per machine identity, upserted on registration.
//     Status flips between online and offline; rows are never deleted.
//   - NodeEvent: append-only history of registrations, supersessions,
//     sweeps, and revivals.
//
// # Time Semantics
//
// The store is deliberately dumb about time: callers pass cutoffs and
// timestamps explicitly (ListOnline, SweepStale). The registry layer
// owns the liveness window; keeping the store clock-free makes the
// timing rules testable without sleeping.
package store
