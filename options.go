package nouveau

import "time"

// Option configures a Device.
//
// Example:
//
//	dev, err := nouveau.Open(kernel,
//	    nouveau.WithScratchSize(256<<10),
//	    nouveau.WithWaitTimeout(5*time.Second),
//	)
type Option func(*options)

type options struct {
	scratchSize  uint64
	stagingSize  uint64
	pushbufWords int
	maxBuffers   int
	maxRelocs    int
	waitTimeout  time.Duration
	pollInterval time.Duration
	chipset      int
	defaultAlign uint64
}

// Defaults.
const (
	DefaultScratchSize  = 128 << 10
	DefaultStagingSize  = 64 << 10
	DefaultPushbufWords = 2048
	DefaultMaxBuffers   = 1024
	DefaultMaxRelocs    = 1024
	DefaultWaitTimeout  = 2 * time.Second
	DefaultPollInterval = 50 * time.Microsecond
	DefaultChipset      = 0x40
	DefaultAlign        = 4096
)

func defaultOptions() options {
	return options{
		scratchSize:  DefaultScratchSize,
		stagingSize:  DefaultStagingSize,
		pushbufWords: DefaultPushbufWords,
		maxBuffers:   DefaultMaxBuffers,
		maxRelocs:    DefaultMaxRelocs,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
		chipset:      DefaultChipset,
		defaultAlign: DefaultAlign,
	}
}

// WithScratchSize sets the size of each channel's scratch heap.
// Zero disables the scratch fast path.
func WithScratchSize(n uint64) Option {
	return func(o *options) {
		o.scratchSize = n
	}
}

// WithStagingSize sets the size of the GART staging buffer used by
// Upload and Download.
func WithStagingSize(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.stagingSize = n
		}
	}
}

// WithPushbufWords sets the pushbuffer capacity in 32-bit words.
func WithPushbufWords(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pushbufWords = n
		}
	}
}

// WithMaxBuffers bounds the per-batch buffer reference table.
func WithMaxBuffers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBuffers = n
		}
	}
}

// WithMaxRelocs bounds the per-batch relocation table.
func WithMaxRelocs(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRelocs = n
		}
	}
}

// WithWaitTimeout sets how long fence and notifier waits may block.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithPollInterval sets the sleep between completion polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithChipset selects the chipset family, which decides object classes and
// the M2MF method layout.
func WithChipset(chipset int) Option {
	return func(o *options) {
		o.chipset = chipset
	}
}

// WithDefaultAlign sets the alignment used when a buffer asks for zero.
func WithDefaultAlign(align uint64) Option {
	return func(o *options) {
		if align > 0 {
			o.defaultAlign = align
		}
	}
}
