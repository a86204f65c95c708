// Package nouveau manages GPU buffer objects and the command stream of
// nouveau-style execution channels for a 2D acceleration layer.
//
// # Overview
//
// For every batch of rendering work the package answers three questions:
// where does a buffer live right now, is it safe to touch yet, and what
// address do the queued commands need once the buffer has settled.
//
//   - BO: a buffer in host memory, host-mapped GART memory, or video memory.
//     Storage is allocated lazily and migrated with SetStatus.
//   - Fence: completion of one submitted batch on a channel.
//   - Channel: pushbuffer, buffer reference table, relocations, and a
//     fence-gated scratch heap for short-lived user buffers.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/nouveau"
//	    "github.com/gogpu/nouveau/backend/soft"
//	)
//
//	k := soft.New()
//	defer k.Close()
//
//	dev, _ := nouveau.Open(k)
//	defer dev.Close()
//
//	ch, _ := dev.OpenChannel(ctx)
//	dst, _ := dev.NewBO(ctx, nouveau.FlagVRAM, 0, 4096)
//	src, _ := dev.WrapUser(pixels)
//
//	// Copy through the scratch heap, then read back.
//	_ = ch.Copy(ctx, dst, 0, 64, src, 0, 64, 64, 64)
//	_ = ch.Flush(ctx, 0)
//	view, _ := dst.Map(ctx, nouveau.FlagRD)
//	defer dst.Unmap()
//
// # Execution Substrate
//
// The package never touches hardware. Allocation, mapping, pinning and
// submission go through a drm.Kernel. The backend/soft package provides an
// in-process executor and backend/native runs on a gogpu/wgpu HAL device.
//
// # Threading
//
// A Device may be shared between goroutines. Each Channel has a single
// writer: the goroutine that accumulates commands also flushes and waits.
// The GPU is the only asynchronous actor, and its progress is observed by
// polling the channel's reference counter.
//
// # Errors
//
// Resource exhaustion is reported as ErrNoSpace after at most one forced
// flush. Contract violations return ErrInvalidState, except modifying a
// pushbuffer during its own flush, which panics. Kernel failures are
// wrapped so errors.Is matches the drm sentinels.
package nouveau

// Version information
const (
	// Version is the current version of the library
	Version = "0.3.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 0
)
