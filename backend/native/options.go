package native

import "github.com/gogpu/gputypes"

// Default address space sizes.
const (
	DefaultVRAMSize = 256 << 20
	DefaultGARTSize = 64 << 20
)

// DefaultBackends is the HAL backend preference of Open. The empty
// backend is always registered and runs copies on the host.
var DefaultBackends = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
	gputypes.BackendEmpty,
}

// Option configures a Kernel.
type Option func(*options)

type options struct {
	vramSize uint64
	gartSize uint64
	backends []gputypes.Backend
	hostCopy bool
}

func defaultOptions() options {
	return options{
		vramSize: DefaultVRAMSize,
		gartSize: DefaultGARTSize,
		backends: DefaultBackends,
	}
}

// WithVRAMSize sets the size of the video memory address space.
func WithVRAMSize(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.vramSize = n
		}
	}
}

// WithGARTSize sets the size of the host-mapped address space.
func WithGARTSize(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.gartSize = n
		}
	}
}

// WithBackends sets the HAL backends Open tries, in order.
func WithBackends(b ...gputypes.Backend) Option {
	return func(o *options) {
		if len(b) > 0 {
			o.backends = b
		}
	}
}

// WithHostCopy makes the kernel perform transfers on the host even when
// the queue can record buffer copies.
func WithHostCopy(on bool) Option {
	return func(o *options) {
		o.hostCopy = on
	}
}
