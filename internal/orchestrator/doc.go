// Package orchestrator schedules agent response generation.
//
// # Overview
//
// The orchestrator turns "a message landed in a thread with agents" into at
// most one in-flight generation per (thread, agent type), with a global
// concurrency cap across all threads. Triggers arriving while a run is in
// flight coalesce: only the latest trigger is remembered, and one follow-up
// run starts when the current run finishes. A burst of N messages produces
// far fewer than N generations, and the follow-up run sees the full history
// including every message from the burst.
//
// # Run Pipeline
//
// Each run re-validates before spending money and before publishing:
//
//  1. Thread must still be active and the binding still live
//  2. Acquire a global concurrency slot
//  3. Build the context window (recent messages plus reply-chain ancestors)
//  4. Generate with a hard timeout
//  5. Re-check the thread status; discard the response if the thread was
//     archived or closed mid-run
//  6. Post through the same pipeline human messages use
//
// Failures at any step post nothing. A failed generation never leaves a
// partial message in the thread.
//
// # Wiring
//
// The Poster is set after construction (SetPoster) because the component
// that posts, the session coordinator, is itself constructed with the
// orchestrator as its trigger target.
package orchestrator
