// Package backend provides a registry of execution substrates.
//
// The nouveau core talks to a drm.Kernel. Kernels are supplied by backend
// packages that register a factory from init():
//
//	import (
//		_ "github.com/gogpu/nouveau/backend/native"
//		_ "github.com/gogpu/nouveau/backend/soft"
//	)
//
// # Backend Selection
//
// Use Default() to open the best available kernel, or Open() to request a
// specific backend by name:
//
//	// Open the default (best available) kernel
//	k, name, err := backend.Default()
//
//	// Or request a specific backend
//	k, err := backend.Open(backend.BackendSoft)
//
// The priority order is native, then soft. A backend whose factory fails,
// for example because no GPU adapter is present, is skipped.
package backend
