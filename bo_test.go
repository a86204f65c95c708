package nouveau

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gogpu/nouveau/backend/soft"
	"github.com/gogpu/nouveau/drm"
)

func TestNewBOLazyAllocation(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))

	b, err := dev.NewBO(ctx, 0, 0, 128)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()
	if got := b.Domain().Kind; got != Unallocated {
		t.Errorf("Domain() before first use = %v, want %v", got, Unallocated)
	}
	if b.Align() != DefaultAlign {
		t.Errorf("Align() = %d, want %d", b.Align(), DefaultAlign)
	}
	if _, err := b.Map(ctx, FlagWR); err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if got := b.Domain().Kind; got != System {
		t.Errorf("Domain() after Map = %v, want %v", got, System)
	}
	if b.Handle() != 0 {
		t.Errorf("Handle() = %d, want 0 for host storage", b.Handle())
	}
}

func TestNewBOArguments(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))

	if _, err := dev.NewBO(ctx, 0, 3, 64); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewBO(align 3) error = %v, want %v", err, ErrInvalidArgument)
	}
	if _, err := dev.WrapUser(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("WrapUser(nil) error = %v, want %v", err, ErrInvalidArgument)
	}
}

func TestNewBOPinned(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))

	b, err := dev.NewBO(ctx, FlagVRAM|FlagPin, 0, 4096)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()
	if !b.Pinned() {
		t.Error("Pinned() = false, want true")
	}
	if got := b.Domain().Kind; got != DeviceLocal {
		t.Errorf("Domain() = %v, want %v", got, DeviceLocal)
	}
	if b.Handle() == 0 {
		t.Error("Handle() = 0, want a kernel handle")
	}
	if err := b.Unpin(); err != nil {
		t.Fatalf("Unpin() error = %v", err)
	}
	if b.Pinned() {
		t.Error("Pinned() after Unpin = true, want false")
	}
	if err := b.Pin(ctx, 0); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	if !b.Pinned() || b.Domain().Kind != DeviceLocal {
		t.Errorf("after Pin: Pinned() = %v, Domain() = %v, want true, %v", b.Pinned(), b.Domain(), DeviceLocal)
	}
}

func TestMapContract(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))
	b, err := dev.NewBO(ctx, FlagGART, 0, 64)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()

	if err := b.Unmap(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Unmap() unmapped error = %v, want %v", err, ErrInvalidState)
	}
	if _, err := b.Map(ctx, FlagRD); err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if !b.Mapped() {
		t.Error("Mapped() = false, want true")
	}
	if _, err := b.Map(ctx, FlagRD); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Map() error = %v, want %v", err, ErrInvalidState)
	}
	if err := b.SetStatus(ctx, FlagVRAM); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetStatus() while mapped error = %v, want %v", err, ErrInvalidState)
	}
	if err := b.Unmap(); err != nil {
		t.Errorf("Unmap() error = %v", err)
	}
}

func TestSetStatusMigratesContents(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))
	b, err := dev.NewBO(ctx, 0, 0, 512)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()

	want := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 128)
	data, _ := b.Map(ctx, FlagWR)
	copy(data, want)
	_ = b.Unmap()

	steps := []struct {
		flags Flags
		kind  DomainKind
	}{
		{FlagGART, HostMapped},
		{FlagVRAM, DeviceLocal},
		{FlagMem, DeviceLocal},
		{0, System},
	}
	for _, s := range steps {
		if err := b.SetStatus(ctx, s.flags); err != nil {
			t.Fatalf("SetStatus(%v) error = %v", s.flags, err)
		}
		if got := b.Domain().Kind; got != s.kind {
			t.Errorf("SetStatus(%v) domain = %v, want %v", s.flags, got, s.kind)
		}
		got, _ := b.Map(ctx, FlagRD)
		if !bytes.Equal(got, want) {
			t.Errorf("SetStatus(%v) lost the contents", s.flags)
		}
		_ = b.Unmap()
	}
	// FlagMem is already satisfied by VRAM, so only three moves happen.
	if got := dev.Stats().Migrations; got != 3 {
		t.Errorf("Stats().Migrations = %d, want 3", got)
	}
	if got := dev.Stats().KernelBuffers; got != 0 {
		t.Errorf("Stats().KernelBuffers = %d, want 0 back in host memory", got)
	}
}

func TestSetStatusFailureKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t, soft.WithFailCreate(drm.DomainVRAM))
	dev := newTestDevice(t, k)

	b, err := dev.NewBO(ctx, 0, 0, 256)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()
	want := bytes.Repeat([]byte("system"), 43)[:256]
	data, _ := b.Map(ctx, FlagWR)
	copy(data, want)
	_ = b.Unmap()

	err = b.SetStatus(ctx, FlagVRAM)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("SetStatus(VRAM) error = %v, want %v", err, ErrNoSpace)
	}
	if got := b.Domain().Kind; got != System {
		t.Errorf("Domain() after failed migration = %v, want %v", got, System)
	}
	got, err := b.Map(ctx, FlagRD)
	if err != nil {
		t.Fatalf("Map() after failed migration error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("contents changed by a failed migration")
	}
	_ = b.Unmap()
	if got := dev.Stats().MigrationFailures; got != 1 {
		t.Errorf("Stats().MigrationFailures = %d, want 1", got)
	}

	k.SetFailCreate(0)
	if err := b.SetStatus(ctx, FlagVRAM); err != nil {
		t.Errorf("SetStatus(VRAM) after the failure cleared error = %v", err)
	}
}

func TestSetStatusTilingPlacesInVRAM(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))

	tests := []struct {
		name  string
		flags Flags
	}{
		{"tile only", FlagTile},
		{"ztile only", FlagZTile},
		{"gart tile", FlagGART | FlagTile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := dev.NewBO(ctx, 0, 0, 256)
			if err != nil {
				t.Fatalf("NewBO() error = %v", err)
			}
			defer b.Unref()
			if err := b.SetStatus(ctx, 0); err != nil {
				t.Fatalf("SetStatus(0) error = %v", err)
			}
			before := dev.Stats().Migrations
			if err := b.SetStatus(ctx, tt.flags); err != nil {
				t.Fatalf("SetStatus(%v) error = %v", tt.flags, err)
			}
			want := Domain{Kind: DeviceLocal, Tiled: true}
			if got := b.Domain(); got != want {
				t.Errorf("Domain() = %v, want %v", got, want)
			}
			if !b.Domain().Satisfies(tt.flags) {
				t.Errorf("Domain().Satisfies(%v) = false after a successful SetStatus", tt.flags)
			}
			if err := b.SetStatus(ctx, tt.flags); err != nil {
				t.Fatalf("second SetStatus(%v) error = %v", tt.flags, err)
			}
			if got := dev.Stats().Migrations - before; got != 1 {
				t.Errorf("migrations for two identical SetStatus calls = %d, want 1", got)
			}
		})
	}
}

func TestUnrefDefersReleaseUntilIdle(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t)
	dev := newTestDevice(t, k)
	ch := openTestChannel(t, dev)
	holdKernel(t, k)

	base := dev.Stats().KernelBuffers
	b, err := dev.NewBO(ctx, FlagVRAM, 0, 4096)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	if err := ch.EmitBuffer(ctx, b, FlagWR); err != nil {
		t.Fatalf("EmitBuffer() error = %v", err)
	}
	if err := ch.Flush(ctx, 0); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	b.Unref()
	if got := dev.Stats().KernelBuffers; got != base+1 {
		t.Errorf("KernelBuffers while the GPU uses the buffer = %d, want %d", got, base+1)
	}

	k.Release()
	if err := ch.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := dev.Stats().KernelBuffers; got != base {
		t.Errorf("KernelBuffers after the GPU finished = %d, want %d", got, base)
	}
}

func TestUnrefUnderflowPanics(t *testing.T) {
	dev := newTestDevice(t, newSoftKernel(t))
	b, err := dev.WrapUser(make([]byte, 16))
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	b.Unref()
	defer func() {
		if recover() == nil {
			t.Error("Unref() past zero did not panic")
		}
	}()
	b.Unref()
}

func TestReleasedBufferRejected(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))
	ch := openTestChannel(t, dev)
	b, err := dev.NewBO(ctx, FlagGART, 0, 64)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	b.Unref()
	if _, err := b.Map(ctx, FlagRD); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Map() released error = %v, want %v", err, ErrInvalidState)
	}
	if err := ch.EmitBuffer(ctx, b, FlagRD); !errors.Is(err, ErrInvalidState) {
		t.Errorf("EmitBuffer() released error = %v, want %v", err, ErrInvalidState)
	}
}
