// Package storage persists Job Configs and Run Records.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, the default)
//   - "postgres": PostgreSQL via lib/pq
//   - "file": JSON snapshot plus an append-only journal
//   - "memory": process-local, used by tests and dry runs
//
// Times are persisted as unix milliseconds. Unused schedule columns hold -1.
package storage
