package nouveau

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestScratchPlacementMapWaits(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t)
	dev := newTestDevice(t, k)
	ch := openTestChannel(t, dev)
	holdKernel(t, k)

	want := pattern(4096, 3)
	b, err := dev.WrapUser(bytes.Clone(want))
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	defer b.Unref()

	if err := ch.EmitBuffer(ctx, b, FlagWR); err != nil {
		t.Fatalf("EmitBuffer() error = %v", err)
	}
	if !b.InScratch() {
		t.Fatal("InScratch() = false, want the user buffer in the scratch heap")
	}
	if got := ch.ScratchStats().Used; got != 4096 {
		t.Errorf("ScratchStats().Used = %d, want 4096", got)
	}
	if err := ch.Flush(ctx, 0); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	fence := b.WriteFence()
	if fence == nil || fence.Signalled() {
		t.Fatalf("WriteFence() = %v, want a pending fence", fence)
	}

	release := time.AfterFunc(20*time.Millisecond, k.Release)
	defer release.Stop()
	got, err := b.Map(ctx, FlagRD)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if !fence.Signalled() {
		t.Error("Map() returned before the write fence signalled")
	}
	if !bytes.Equal(got, want) {
		t.Error("Map() contents differ from the written bytes")
	}
	_ = b.Unmap()
	if b.InScratch() {
		t.Error("InScratch() = true after the fence signalled")
	}
	if s := dev.Stats(); s.ScratchHits != 1 || s.ScratchMisses != 0 {
		t.Errorf("ScratchHits, ScratchMisses = %d, %d, want 1, 0", s.ScratchHits, s.ScratchMisses)
	}
}

func TestScratchExhaustionForcesOneFlush(t *testing.T) {
	ctx := context.Background()
	k := newSoftKernel(t)
	dev := newTestDevice(t, k)
	ch := openTestChannel(t, dev)
	holdKernel(t, k)

	const size = 8 << 10
	count := DefaultScratchSize / size
	for i := range count {
		b, err := dev.WrapUser(pattern(size, byte(i)))
		if err != nil {
			t.Fatalf("WrapUser() error = %v", err)
		}
		defer b.Unref()
		if err := ch.EmitBuffer(ctx, b, FlagRD); err != nil {
			t.Fatalf("EmitBuffer(%d) error = %v", i, err)
		}
		if !b.InScratch() {
			t.Fatalf("buffer %d not placed in the scratch heap", i)
		}
	}
	if s := ch.ScratchStats(); s.Free != 0 {
		t.Fatalf("ScratchStats() = %v, want a full heap", s)
	}

	extra, err := dev.WrapUser(pattern(size, 0xf0))
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	defer extra.Unref()
	if err := ch.EmitBuffer(ctx, extra, FlagRD); err != nil {
		t.Fatalf("EmitBuffer() past the scratch heap error = %v", err)
	}
	if extra.InScratch() {
		t.Error("buffer placed in the scratch heap while every interval was still in use")
	}
	if got := extra.Domain().Kind; got != HostMapped {
		t.Errorf("fallback Domain() = %v, want %v", got, HostMapped)
	}

	s := dev.Stats()
	want := Stats{ScratchHits: uint64(count), ScratchMisses: 1, ScratchRetries: 1, ForcedFlushes: 1}
	if s.ScratchHits != want.ScratchHits || s.ScratchMisses != want.ScratchMisses ||
		s.ScratchRetries != want.ScratchRetries || s.ForcedFlushes != want.ForcedFlushes {
		t.Errorf("Stats() = %v, want hits %d, misses %d, retries %d, forced flushes %d",
			s, want.ScratchHits, want.ScratchMisses, want.ScratchRetries, want.ForcedFlushes)
	}
}

func TestScratchReusedAfterSignal(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t), WithScratchSize(8<<10))
	ch := openTestChannel(t, dev)

	for i := range 3 {
		b, err := dev.WrapUser(pattern(8<<10, byte(i)))
		if err != nil {
			t.Fatalf("WrapUser() error = %v", err)
		}
		if err := ch.EmitBuffer(ctx, b, FlagRD); err != nil {
			t.Fatalf("EmitBuffer(%d) error = %v", i, err)
		}
		if !b.InScratch() {
			t.Errorf("buffer %d not placed in the scratch heap", i)
		}
		if err := ch.Flush(ctx, 0); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if err := b.ReadFence().Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		b.Unref()
	}
	if s := dev.Stats(); s.ScratchHits != 3 || s.ScratchMisses != 0 {
		t.Errorf("ScratchHits, ScratchMisses = %d, %d, want 3, 0", s.ScratchHits, s.ScratchMisses)
	}
}

func TestScratchDisabled(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t), WithScratchSize(0))
	ch := openTestChannel(t, dev)

	b, err := dev.WrapUser(pattern(512, 1))
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	defer b.Unref()
	if err := ch.EmitBuffer(ctx, b, FlagRD); err != nil {
		t.Fatalf("EmitBuffer() error = %v", err)
	}
	if b.InScratch() {
		t.Error("InScratch() = true with the scratch heap disabled")
	}
	if got := b.Domain().Kind; got != HostMapped {
		t.Errorf("Domain() = %v, want %v", got, HostMapped)
	}
	if got := ch.ScratchStats(); got.Size != 0 {
		t.Errorf("ScratchStats().Size = %d, want 0", got.Size)
	}
}

func TestScratchOversizeFallsBack(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t), WithScratchSize(4096))
	ch := openTestChannel(t, dev)

	b, err := dev.WrapUser(pattern(4097, 9))
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	defer b.Unref()
	if err := ch.EmitBuffer(ctx, b, FlagRD); err != nil {
		t.Fatalf("EmitBuffer() error = %v", err)
	}
	if b.InScratch() || b.Domain().Kind != HostMapped {
		t.Errorf("InScratch() = %v, Domain() = %v, want false, %v", b.InScratch(), b.Domain(), HostMapped)
	}
	if got := dev.Stats().ScratchMisses; got != 0 {
		t.Errorf("Stats().ScratchMisses = %d, want 0 for a buffer the heap can never hold", got)
	}
}

func TestScratchWriteBack(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, newSoftKernel(t))
	ch := openTestChannel(t, dev)

	want := pattern(256, 0x40)
	src, err := dev.NewBO(ctx, FlagGART, 0, 256)
	if err != nil {
		t.Fatalf("NewBO() error = %v", err)
	}
	defer src.Unref()
	data, err := src.Map(ctx, FlagWR)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	copy(data, want)
	_ = src.Unmap()

	mem := make([]byte, 256)
	dst, err := dev.WrapUser(mem)
	if err != nil {
		t.Fatalf("WrapUser() error = %v", err)
	}
	defer dst.Unref()

	if err := ch.Copy(ctx, dst, 0, 256, src, 0, 256, 256, 1); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if !dst.InScratch() {
		t.Fatal("destination not placed in the scratch heap")
	}
	if err := ch.Flush(ctx, 0); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	got, err := dst.Map(ctx, FlagRD)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("GPU write through the scratch heap did not reach the mapped view")
	}
	if !bytes.Equal(mem, want) {
		t.Error("GPU write through the scratch heap did not reach the user memory")
	}
	_ = dst.Unmap()
	if got := dst.Domain().Kind; got != System {
		t.Errorf("Domain() = %v, want the user buffer to stay in %v", got, System)
	}
}
