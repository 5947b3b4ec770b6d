// Package store provides SQLite-backed durable storage for ritual.
//
// One database file holds two independent concerns:
//
//   - kv: a string-keyed blob table standing in for browser local storage.
//     The local intention adapter and the auth session cache use it.
//   - users, magic_links, sessions, intentions: the tables behind the
//     bundled hosted backend (internal/server).
//
// A client process only ever touches kv. The backend process only ever
// touches the other tables. They share a schema so a single file can serve a
// self-hosted setup.
//
// # Ordering
//
// Intention rows are returned ORDER BY created_at DESC, id DESC so that the
// newest record is first and ties are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
