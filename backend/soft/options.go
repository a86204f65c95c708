package soft

import (
	"time"

	"github.com/gogpu/nouveau/drm"
)

// Default address space sizes.
const (
	DefaultVRAMSize = 64 << 20
	DefaultGARTSize = 64 << 20
)

// Option configures a Kernel.
type Option func(*options)

type options struct {
	vramSize   uint64
	gartSize   uint64
	latency    time.Duration
	failCreate drm.Domain
}

func defaultOptions() options {
	return options{
		vramSize: DefaultVRAMSize,
		gartSize: DefaultGARTSize,
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

// WithLatency delays the execution of every batch.
func WithLatency(d time.Duration) Option {
	return func(o *options) {
		o.latency = d
	}
}

// WithFailCreate makes CreateBuffer fail with drm.ErrNoMemory for any
// request that allows one of the pools in d.
func WithFailCreate(d drm.Domain) Option {
	return func(o *options) {
		o.failCreate = d
	}
}
