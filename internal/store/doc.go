// Package store provides persistent storage for the conversation engine
// using SQLite.
//
// # Architecture
//
// The Store interface is the single persistence contract. SQLiteStore
// implements it with modernc.org/sqlite (pure Go, no cgo).
//
// # Data Models
//
//   - User: Reference identity for humans; creation and lifecycle live
//     outside the engine
//   - Thread: A persistent, ordered conversation with an owner, a status
//     (active, archived, closed), and per-thread settings
//   - Participant: A (thread, user) membership carrying a forward-only
//     read marker
//   - AgentBinding: An agent type attached to a thread; at most one active
//     binding per (thread, type)
//   - Message: One entry in a thread's append-only log
//   - ReadReceipt: A (message, user) read record
//
// # Ordering
//
// Seq is the backbone invariant: every message in a thread gets a strictly
// increasing, gap-free sequence number assigned inside the append
// transaction. Two concurrent appends can never obtain the same seq, and a
// failed append never consumes one. Everything downstream (backfill,
// live-delivery dedup, read markers) keys off seq.
//
// # Tombstones
//
// Messages are never physically removed. EditMessage rewrites content and
// stamps edited_at; SoftDeleteMessage stamps deleted_at and retains the
// row so the sequence stays dense.
//
// # SQLite Configuration
//
// The store opens with WAL mode and foreign keys on:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
//
// # Error Handling
//
// Sentinel errors (ErrNotFound, ErrThreadNotFound, ErrUnavailable,
// ErrDuplicateAgent, ErrInvalidParent, ErrAuthorNotBound) are returned for
// expected conditions; callers match with errors.Is. ErrUnavailable marks
// transient failures that are safe to retry.
package store
