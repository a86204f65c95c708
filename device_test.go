package nouveau

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/nouveau/backend/soft"
	"github.com/gogpu/nouveau/drm"
)

func newSoftKernel(t *testing.T, opts ...soft.Option) *soft.Kernel {
	t.Helper()
	k := soft.New(opts...)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func newTestDevice(t *testing.T, k drm.Kernel, opts ...Option) *Device {
	t.Helper()
	dev, err := Open(k, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func openTestChannel(t *testing.T, dev *Device) *Channel {
	t.Helper()
	ch, err := dev.OpenChannel(context.Background())
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	return ch
}

// holdKernel pauses execution until the end of the test. The release is
// registered last so it runs before the device is closed.
func holdKernel(t *testing.T, k *soft.Kernel) {
	t.Helper()
	k.Hold()
	t.Cleanup(k.Release)
}

// recordingKernel keeps a copy of every submitted batch.
type recordingKernel struct {
	*soft.Kernel

	mu      sync.Mutex
	batches [][]uint32
	tables  [][]drm.SubmitBuffer
}

func (k *recordingKernel) Submit(id drm.ChannelID, words []uint32, buffers []drm.SubmitBuffer) error {
	if err := k.Kernel.Submit(id, words, buffers); err != nil {
		return err
	}
	k.mu.Lock()
	k.batches = append(k.batches, append([]uint32(nil), words...))
	k.tables = append(k.tables, append([]drm.SubmitBuffer(nil), buffers...))
	k.mu.Unlock()
	return nil
}

func (k *recordingKernel) last() ([]uint32, []drm.SubmitBuffer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.batches) == 0 {
		return nil, nil
	}
	return k.batches[len(k.batches)-1], k.tables[len(k.tables)-1]
}

func TestOpenNilKernel(t *testing.T) {
	if _, err := Open(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Open(nil) error = %v, want %v", err, ErrInvalidArgument)
	}
}

func TestDeviceClose(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t)
	dev, err := Open(k)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ch := openTestChannel(t, dev)
	if got := dev.Stats().Channels; got != 1 {
		t.Errorf("Stats().Channels = %d, want 1", got)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := dev.Stats().Channels; got != 0 {
		t.Errorf("Stats().Channels after Close = %d, want 0", got)
	}
	if _, err := dev.NewBO(ctx, 0, 0, 64); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("NewBO() after Close error = %v, want %v", err, ErrDeviceClosed)
	}
	if _, err := dev.OpenChannel(ctx); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("OpenChannel() after Close error = %v, want %v", err, ErrDeviceClosed)
	}
	if err := ch.Flush(ctx, 0); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Flush() on a channel of a closed device error = %v, want %v", err, ErrChannelClosed)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestOpenName(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t)
	dev := newTestDevice(t, k)
	other := newTestDevice(t, k)

	b, err := dev.NewBO(ctx, FlagGART, 0, 256)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer b.Unref()
	data, err := b.Map(ctx, FlagWR)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	copy(data, "shared pixels")
	if err := b.Unmap(); err != nil {
		t.Fatalf("Unmap() error = %v", err)
	}

	name, err := b.Name(ctx)
	if err != nil {
		t.Fatalf("Name() error = %v", err)
	}
	if name == 0 {
		t.Fatal("Name() = 0, want a global name")
	}
	if again, _ := b.Name(ctx); again != name {
		t.Errorf("second Name() = %d, want %d", again, name)
	}

	same, err := dev.OpenName(name)
	if err != nil {
		t.Fatalf("OpenName() on the exporting device error = %v", err)
	}
	if same != b {
		t.Error("OpenName() on the exporting device returned a different BO")
	}
	same.Unref()

	imported, err := other.OpenName(name)
	if err != nil {
		t.Fatalf("OpenName() error = %v", err)
	}
	defer imported.Unref()
	if imported.Size() != 256 {
		t.Errorf("imported Size() = %d, want 256", imported.Size())
	}
	view, err := imported.Map(ctx, FlagRD)
	if err != nil {
		t.Fatalf("Map() imported error = %v", err)
	}
	if !bytes.HasPrefix(view, []byte("shared pixels")) {
		t.Errorf("imported contents = %q, want prefix %q", view[:13], "shared pixels")
	}
	_ = imported.Unmap()

	if err := b.SetStatus(ctx, FlagVRAM); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetStatus() on a named buffer error = %v, want %v", err, ErrInvalidState)
	}
	if _, err := other.OpenName(name + 100); !errors.Is(err, drm.ErrInvalidHandle) {
		t.Errorf("OpenName(unknown) error = %v, want %v", err, drm.ErrInvalidHandle)
	}
}

func TestNewStorageNoMemory(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t, soft.WithVRAMSize(4096))
	dev := newTestDevice(t, k)

	_, err := dev.NewBO(ctx, FlagVRAM|FlagPin, 0, 8192)
	if !errors.Is(err, ErrNoSpace) {
		t.Errorf("NewBO() error = %v, want %v", err, ErrNoSpace)
	}
	if !errors.Is(err, drm.ErrNoMemory) {
		t.Errorf("NewBO() error = %v, want it to wrap %v", err, drm.ErrNoMemory)
	}
	if got := dev.Stats().Buffers; got != 0 {
		t.Errorf("Stats().Buffers = %d, want 0 after a failed NewBO", got)
	}
}

func TestStatsString(t *testing.T) {
	s := Stats{Buffers: 3, KernelBuffers: 2, Channels: 1, Flushes: 7, ForcedFlushes: 1}
	got := s.String()
	for _, want := range []string{"Stats[", "3 buffers (2 kernel)", "7 flushes (1 forced)"} {
		if !strings.Contains(got, want) {
			t.Errorf("Stats.String() = %q, want it to contain %q", got, want)
		}
	}
}

func TestDeviceAccessors(t *testing.T) {
	k := newSoftKernel(t)
	dev := newTestDevice(t, k, WithChipset(0x50))
	if dev.Kernel() != k {
		t.Error("Kernel() did not return the wrapped kernel")
	}
	if got := dev.Chipset(); got != 0x50 {
		t.Errorf("Chipset() = %#x, want 0x50", got)
	}
	if got := dev.WaitTimeout(); got != DefaultWaitTimeout {
		t.Errorf("WaitTimeout() = %v, want %v", got, DefaultWaitTimeout)
	}
}
