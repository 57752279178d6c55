// Package database implements the identity and audit stores.
//
// Two implementations of interfaces.Store are provided:
//
//   - MemoryStore keeps everything in process memory and is used for
//     development and tests.
//   - PostgresStore persists to PostgreSQL through database/sql and lib/pq.
//     Call Migrate once at startup to create the tables.
//
// Identities are unique on user id and, when present, on the lower-cased
// email. Audit records are append-only: neither store exposes an update or
// delete path, and queries return the newest records first.
package database
