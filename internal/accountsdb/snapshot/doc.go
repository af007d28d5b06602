package snapshot

// Arena sizing during load.
//
// spec.md §4.7 step 3 describes one large reference arena per worker,
// sized files_assigned × ACCOUNTS_PER_FILE_EST, with OutOfReferenceMemory
// reported and retried at a larger estimate if it is exhausted. This
// package instead allocates one arena per slot, for the same reason the
// rest of this engine keys arenas by slot: flush, clean, shrink, and
// purge all resolve a chain node's arena through ArenaSet.Get(slot), and a
// single bump arena spanning many slots would need a second addressing
// scheme only for the load path.
//
// A slot's arena is sized exactly, from the sum of AccountFile.
// PopulateMetadata's record count across every file splitPlan assigned to
// that slot (parseShard opens and validates every file in its shard
// before allocating any arena, so this sum is known up front), rather
// than from a per-file estimate. Sizing exactly removes the need for the
// estimate/retry loop entirely, at the cost of one extra metadata pass
// per file before parsing it — acceptable since AccountFile.Validate
// already does a full structural pass over every file during load
// regardless. There is accordingly no AccountsPerFileEstimate knob on
// Options: an estimate only has a job to do when a file's count isn't
// known before allocating, and here it always is.
