// Package store provides SQLite-backed durable storage for the tether
// sync engine.
//
// The store persists three record kinds:
//   - Cache entries: TTL-bounded snapshots of server records
//   - Mutations: the durable log of pending local writes
//   - Conflicts: detected divergences awaiting or after resolution
//
// # Durability
//
// The store assumes at-least-once semantics: a crash after the server
// acknowledges a mutation but before its row is deleted replays that
// mutation once. Servers of record must treat replays idempotently.
//
// # Payload encoding
//
// Payloads larger than compressThreshold are stored snappy-compressed.
// The codec column records which form a row uses so both coexist.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - max_page_count: optional byte cap (WithMaxBytes); exceeding it
//     surfaces record.ErrStorageFull
package store
