// Package engine implements the tether sync engine.
//
// The engine coordinates the cache, the mutation queue and the conflict
// resolver but owns none of them. It holds transient references to queued
// mutations only for the duration of a sync pass.
//
// STATE MACHINE:
//
// Each pass walks
//
//	Idle → Draining → Reconciling → Idle
//
// or, when the transport reports the network unreachable, when local
// storage fails, or when the caller cancels,
//
//	Idle → Draining → Failed → Idle
//
// Draining repeatedly claims the next eligible mutation and transmits it
// until nothing is eligible. Responses are classified:
//
//	acknowledged        → cache updated from the server record, mutation completed
//	version conflict    → conflict detected, mutation suspended until resolved
//	retryable failure   → MarkFailed (backoff, eventually terminal)
//	rejected by server  → MarkFailedPermanent
//	network unreachable → mutation requeued without a retry charge, pass ends
//
// Reconciling hands every conflict detected during the pass to the
// resolver, which applies the configured policy, if any.
//
// SCHEDULING:
//
// Only one pass runs at a time. Concurrent Sync calls join the active pass
// and share its result. Application writes never wait for a pass; their
// mutations are picked up by the next DequeueNext.
//
// Cancellation is observed between transmissions only. A send that has
// started always runs to completion or to its own timeout, so no mutation
// is left processing by a cancelled pass.
package engine
