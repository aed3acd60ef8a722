// Package hub fans persisted events out to live connections.
//
// # Overview
//
// The hub tracks attached sessions per thread and delivers events to them
// without ever letting one slow connection block another. It holds no
// message state of its own; persistence stays in the store, and the hub
// only moves already-persisted messages plus ephemeral typing/presence
// notifications.
//
// # Attach and Backfill
//
// Attach registers the session first, then queries the store for every
// message after the caller's read marker and delivers that backlog
// synchronously. A message appended concurrently with Attach is either in
// the backfill snapshot or queued live; the session pump skips live message
// events at or below the highest backfilled seq, so the seam is gap-free
// and duplicate-free.
//
// # Delivery
//
// Each session owns a buffered event queue drained by its own pump
// goroutine. Broadcast only writes to those buffers. A session whose buffer
// overflows on a message event is dropped and recovers through reconnect
// backfill; typing and presence events are simply discarded for slow
// subscribers.
//
// # Lifecycle
//
// The hub is an explicit component: created at process start, Close at
// shutdown. Close detaches every session and rejects further attaches.
package hub
