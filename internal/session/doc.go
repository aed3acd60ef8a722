// Package session coordinates the message submit path.
//
// # Overview
//
// The coordinator is the single entry point for getting a message into a
// thread, whether it comes from a human over HTTP/WebSocket or from an
// agent run. The pipeline is always validate, persist, broadcast, trigger:
// persistence is the commit point, and broadcast or trigger failures never
// affect the submitter.
//
// # Idempotent Submission
//
// Clients may attach a client-generated id to a submission. A resubmission
// with the same id inside the dedupe window returns ErrDuplicateSubmission
// instead of appending a second copy, which makes retry-after-lost-response
// safe.
//
// # Transient Store Failures
//
// Appends that fail with store.ErrUnavailable are retried with exponential
// backoff. Sequence numbers are assigned inside the store transaction, so a
// retry can never create a gap or a duplicate.
package session
