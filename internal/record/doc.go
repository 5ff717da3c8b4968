// Package record defines the data model moved by the tether sync engine.
//
// This package contains type definitions, payload canonicalization and
// identity helpers only. All other internal packages import record; record
// imports nothing internal, keeping it the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - Payloads are opaque JSON. The engine compares them by canonical
//     fingerprint and never interprets their fields.
//   - CachedEntry.Version never decreases for a given key.
//   - QueuedMutation.Seq is a logical enqueue counter; wall-clock timestamps
//     are informational and never used to order mutations.
//   - All JSON tags use snake_case.
package record
