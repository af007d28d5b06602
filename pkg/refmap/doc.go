// Package refmap implements the open-addressed key→ref hash table
// described in spec.md §4.3: fixed group size G=16, tombstone-aware
// probing, entries keyed by 32-byte pubkeys.
//
// spec.md's "vector equality of a 16-byte splat" describes an
// implementation strategy (SSE/NEON group-probing), not an externally
// observable behavior; this package gets the same lookup/insert/remove
// semantics from a plain byte-at-a-time scan over each group's state
// bytes. spec.md §9 explicitly allows this: "a correct implementation may
// choose any map offering equivalent operations... it should simply
// expect to lose the performance characteristics."
package refmap
