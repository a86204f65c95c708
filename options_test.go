package nouveau

import (
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.scratchSize != DefaultScratchSize {
		t.Errorf("scratchSize = %d, want %d", o.scratchSize, DefaultScratchSize)
	}
	if o.pushbufWords != DefaultPushbufWords {
		t.Errorf("pushbufWords = %d, want %d", o.pushbufWords, DefaultPushbufWords)
	}
	if o.waitTimeout != DefaultWaitTimeout {
		t.Errorf("waitTimeout = %v, want %v", o.waitTimeout, DefaultWaitTimeout)
	}
	if o.chipset != DefaultChipset {
		t.Errorf("chipset = %#x, want %#x", o.chipset, DefaultChipset)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(o options) bool
	}{
		{"scratch size", WithScratchSize(64 << 10), func(o options) bool { return o.scratchSize == 64<<10 }},
		{"scratch disabled", WithScratchSize(0), func(o options) bool { return o.scratchSize == 0 }},
		{"staging size", WithStagingSize(4096), func(o options) bool { return o.stagingSize == 4096 }},
		{"staging zero ignored", WithStagingSize(0), func(o options) bool { return o.stagingSize == DefaultStagingSize }},
		{"pushbuf words", WithPushbufWords(128), func(o options) bool { return o.pushbufWords == 128 }},
		{"pushbuf negative ignored", WithPushbufWords(-1), func(o options) bool { return o.pushbufWords == DefaultPushbufWords }},
		{"max buffers", WithMaxBuffers(8), func(o options) bool { return o.maxBuffers == 8 }},
		{"max relocs", WithMaxRelocs(16), func(o options) bool { return o.maxRelocs == 16 }},
		{"wait timeout", WithWaitTimeout(time.Second), func(o options) bool { return o.waitTimeout == time.Second }},
		{"poll interval", WithPollInterval(time.Millisecond), func(o options) bool { return o.pollInterval == time.Millisecond }},
		{"chipset", WithChipset(0x50), func(o options) bool { return o.chipset == 0x50 }},
		{"default align", WithDefaultAlign(256), func(o options) bool { return o.defaultAlign == 256 }},
		{"default align zero ignored", WithDefaultAlign(0), func(o options) bool { return o.defaultAlign == DefaultAlign }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			tt.opt(&o)
			if !tt.check(o) {
				t.Errorf("%s: options = %+v", tt.name, o)
			}
		})
	}
}

func TestOpenRejectsTinyPushbuffer(t *testing.T) {
	k := newSoftKernel(t)
	if _, err := Open(k, WithPushbufWords(trailerWords+2)); err == nil {
		t.Error("Open() with a pushbuffer that cannot hold a method succeeded")
	}
}
