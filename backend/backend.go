package backend

import (
	"errors"

	"github.com/gogpu/nouveau/drm"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Backend names.
const (
	// BackendNative runs batches on a gogpu/wgpu HAL device.
	BackendNative = "native"

	// BackendSoft runs batches on an in-process executor.
	BackendSoft = "soft"
)

// Factory creates a kernel. A factory may fail when the substrate it needs
// (for example a GPU adapter) is missing.
type Factory func() (drm.Kernel, error)
