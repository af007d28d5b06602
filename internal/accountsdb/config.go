package accountsdb

import "time"

// Options configures an Engine, mirroring the external CLI collaborator's
// enumerated settings (spec.md §6).
type Options struct {
	// SnapshotDir is the base directory for snapshot archives and
	// unpacked account files.
	SnapshotDir string

	// UseDiskIndex backs the per-slot reference arenas with the disk
	// allocator rather than the Go heap. The index's bins are Go-heap
	// refmaps either way.
	UseDiskIndex bool

	// NumberOfIndexShards is the index's bin count; must be a power of
	// two <= 1<<24.
	NumberOfIndexShards uint32

	// NumThreadsSnapshotLoad/NumThreadsSnapshotUnpack size the worker
	// pools used during snapshot load (spec.md §4.7).
	NumThreadsSnapshotLoad   int
	NumThreadsSnapshotUnpack int

	// ForceUnpackSnapshot/ForceNewSnapshotDownload control behavior when
	// an unpacked snapshot is already present on disk.
	ForceUnpackSnapshot      bool
	ForceNewSnapshotDownload bool

	// MinSnapshotDownloadSpeedMBs/MaxNumberOfSnapshotDownloadAttempts
	// bound the external download collaborator's retry policy; the
	// engine only records them for that collaborator to read.
	MinSnapshotDownloadSpeedMBs         float64
	MaxNumberOfSnapshotDownloadAttempts int

	// Fastload/SaveIndex persist and reuse the prior run's index across
	// restarts (SPEC_FULL.md "fastload").
	Fastload  bool
	SaveIndex bool

	// SnapshotMetadataOnly loads only the manifest, skipping account-file
	// ingest.
	SnapshotMetadataOnly bool

	// MaxFlushSlotsPerIter bounds how many cached slots one maintenance
	// iteration flushes (spec.md §4.8 step 1).
	MaxFlushSlotsPerIter int

	// AccountFileShrinkThresholdPercent is the dead-byte percentage past
	// which a file is queued for shrink (spec.md §4.8 step 3; default 70).
	AccountFileShrinkThresholdPercent uint64

	// MaintenanceInterval is the delay between maintenance loop
	// iterations when there is no work to do.
	MaintenanceInterval time.Duration
}

// DefaultOptions returns the configuration used when no override is
// supplied, matching the constants spec.md names inline (§4.8).
func DefaultOptions() Options {
	return Options{
		NumberOfIndexShards:                 1 << 14,
		NumThreadsSnapshotLoad:              8,
		NumThreadsSnapshotUnpack:            4,
		MaxNumberOfSnapshotDownloadAttempts: 3,
		MinSnapshotDownloadSpeedMBs:         10,
		MaxFlushSlotsPerIter:                32,
		AccountFileShrinkThresholdPercent:   70,
		MaintenanceInterval:                 200 * time.Millisecond,
	}
}
