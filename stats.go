package nouveau

import (
	"fmt"
	"sync/atomic"
)

// deviceStats are the live counters behind Device.Stats.
type deviceStats struct {
	buffers           atomic.Int64
	kernelBuffers     atomic.Int64
	flushes           atomic.Uint64
	forcedFlushes     atomic.Uint64
	migrations        atomic.Uint64
	migrationFailures atomic.Uint64
	scratchHits       atomic.Uint64
	scratchMisses     atomic.Uint64
	scratchRetries    atomic.Uint64
	waits             atomic.Uint64
}

// Stats is a snapshot of device counters.
type Stats struct {
	// Buffers is the number of live BOs.
	Buffers int64

	// KernelBuffers is the number of live kernel allocations, including
	// storage whose release waits on a fence.
	KernelBuffers int64

	// Channels is the number of open channels.
	Channels int

	// Flushes counts submitted batches. ForcedFlushes counts those issued
	// by a bounded retry.
	Flushes       uint64
	ForcedFlushes uint64

	// Migrations counts SetStatus calls that moved storage.
	Migrations        uint64
	MigrationFailures uint64

	// ScratchHits counts user buffers placed in a scratch heap,
	// ScratchMisses those that fell back, and ScratchRetries the forced
	// flushes the scratch heap requested.
	ScratchHits    uint64
	ScratchMisses  uint64
	ScratchRetries uint64

	// Waits counts fence waits that had to poll.
	Waits uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Stats[%d buffers (%d kernel), %d channels, %d flushes (%d forced), "+
		"%d migrations (%d failed), scratch %d hits, %d misses, %d retries, %d waits]",
		s.Buffers, s.KernelBuffers, s.Channels, s.Flushes, s.ForcedFlushes,
		s.Migrations, s.MigrationFailures,
		s.ScratchHits, s.ScratchMisses, s.ScratchRetries, s.Waits)
}

// Stats returns a snapshot of the device counters. Per-channel scratch
// occupancy is reported by Channel.ScratchStats.
func (d *Device) Stats() Stats {
	s := Stats{
		Buffers:           d.stats.buffers.Load(),
		KernelBuffers:     d.stats.kernelBuffers.Load(),
		Flushes:           d.stats.flushes.Load(),
		ForcedFlushes:     d.stats.forcedFlushes.Load(),
		Migrations:        d.stats.migrations.Load(),
		MigrationFailures: d.stats.migrationFailures.Load(),
		ScratchHits:       d.stats.scratchHits.Load(),
		ScratchMisses:     d.stats.scratchMisses.Load(),
		ScratchRetries:    d.stats.scratchRetries.Load(),
		Waits:             d.stats.waits.Load(),
	}
	d.mu.Lock()
	s.Channels = len(d.channels)
	d.mu.Unlock()
	return s
}
