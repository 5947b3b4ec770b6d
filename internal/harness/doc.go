// Package harness runs YAML scenarios against a fully wired intention
// service: the real local and remote adapters, the auth client, and the
// bundled backend served in-process over httptest with in-memory SQLite.
//
// # Scenario Format
//
//	name: write_code
//	description: "Anonymous submit, seal, then sign in"
//	version: v1.2.0            # optional, defaults to the active version
//	steps:
//	  - action: submit
//	    kind: manifest
//	    text: write code
//	    as: wc                 # label the created record for later steps
//	  - action: toggle_seal
//	    ref: wc
//	  - action: sign_in
//	    email: ada@example.com
//	  - action: submit
//	    kind: release
//	    text: old grudge
//	    expect_error: remote_unavailable
//	expect:
//	  - type: mode
//	    mode: authenticated
//	  - type: items
//	    kind: manifest
//	    count: 0
//
// Actions: submit, toggle_seal, remove, sign_in, sign_out, remote_down,
// remote_up, restart, advance. advance moves the shared clock forward by
// its duration, which is how scenarios let sessions expire. A step without expect_error must succeed; a step with
// one must fail with that error.
//
// # Error Names
//
// validation, auth_required, auth_transport, remote_unavailable,
// already_sealed, in_flight, not_found.
//
// # Expectations
//
//   - mode: the service's storage mode
//   - items: the service view for a kind (count, texts in order, sealed)
//   - local_items: what the local store holds for a kind, whatever the mode
//   - remote_rows: number of rows in the backend intentions table
//   - notice: some notice with this level and message was emitted
//
// # Determinism
//
// Every run uses a fresh backend and device store, a deterministic clock and
// sequential IDs, so the transcript compared against golden files is stable.
package harness
