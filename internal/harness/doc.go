// Package harness runs YAML sync scenarios against a real engine and
// records the resulting event trace for golden comparison.
//
// Each scenario runs on a fresh in-memory SQLite store with a manual clock,
// fixed id generators and an in-process server of record, so the trace is
// fully deterministic.
//
// # Scenario Format
//
//	name: conflict_keep_local
//	description: "A concurrent remote edit is detected and resolved locally"
//	settings:
//	  max_retries: 5
//	  concurrency: 1
//	  conflict_policy: ""        # "", manual, local, remote
//	server:                      # records seeded on the server
//	  - {table: rfis, id: r1, version: 3, data: {title: base}}
//	cache:                       # entries seeded as synced
//	  - {table: rfis, id: r1, version: 3, data: {title: base}}
//	steps:
//	  - update: {table: rfis, id: r1, data: {title: mine}}
//	  - remote: {table: rfis, id: r1, version: 4, data: {title: theirs}}
//	  - sync: true
//	  - resolve: {conflict: c-1, strategy: local}
//	  - sync: true
//	assertions:
//	  - type: event_count
//	    event: conflict:detected
//	    count: 1
//	  - type: server_record
//	    table: rfis
//	    id: r1
//	    version: 5
//	    data: {title: mine}
//
// # Steps
//
// Every step sets exactly one action:
//
//   - create, update, delete: optimistic writes through the engine
//   - remote: a concurrent write on the server (explicit version)
//   - fail: the next count server requests fail with status
//   - network: "down" makes the server unreachable, "up" restores it
//   - sync: run one sync pass
//   - advance: move the clock (Go duration syntax)
//   - resolve: resolve a conflict by id with local, remote or manual
//   - resubmit: give a failed mutation another set of retries
//
// # Assertion Types
//
//   - event_count: an event type was published exactly count times
//   - event_order: event types appear in order (gaps allowed)
//   - server_record: the server copy has version/data, or is absent
//   - cache_entry: the cache entry has version/data/synced, or is absent
//   - queue: queue stats (total, pending, processing, failed, suspended, backoff)
//   - conflicts: number of unresolved conflicts
//
// # Golden Traces
//
// RunWithGolden writes the trace as one canonical JSON object per line to
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
