// Package dedupe recognizes resubmitted client-generated message ids within
// a time window, making message submission idempotent across client retries.
// Ids are scoped per thread, and an id whose guarded append never happened
// can be forgotten so the client's retry is accepted.
package dedupe
