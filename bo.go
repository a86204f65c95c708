package nouveau

import (
	"context"
	"fmt"

	"github.com/gogpu/nouveau/drm"
)

type storageKind uint8

const (
	storeNone storageKind = iota
	storeHost
	storeUser
	storeKernel
)

// storage is one backing store of a buffer. Migration builds a complete
// new storage before the old one is released.
type storage struct {
	kind   storageKind
	domain Domain
	handle drm.Handle
	data   []byte
	offset uint64
	pinned bool
}

// pendingRef locates a buffer's entry in an unflushed pushbuffer.
type pendingRef struct {
	ch    *Channel
	index int
}

// BO is a buffer object: the addressable memory unit of the core.
//
// A BO starts without storage. The first Map, Pin, SetStatus or channel
// validation allocates it, in host memory unless VRAM or GART placement
// was requested. User BOs wrap caller memory, which is never freed.
//
// Thread Safety:
// A BO follows the threading rules of the channel it is used with. The
// core does not lock BOs; callers serialize access per channel.
//
// Lifecycle:
//  1. Device.NewBO or Device.WrapUser (one reference)
//  2. Map / Unmap, SetStatus, Channel.EmitBuffer
//  3. Unref; storage is released once the last GPU use has signalled
type BO struct {
	dev   *Device
	size  uint64
	align uint64
	flags Flags
	user  bool

	store  storage
	mapped bool

	readFence  *Fence
	writeFence *Fence
	pending    *pendingRef
	scratch    *scratchUse

	refs int
	name uint32
	dead bool
}

// NewBO creates a buffer descriptor. No storage is allocated unless
// FlagPin is set, in which case the buffer is placed and pinned now.
// Align zero selects the device default.
func (d *Device) NewBO(ctx context.Context, flags Flags, align, size uint64) (*BO, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if align == 0 {
		align = d.opts.defaultAlign
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, align)
	}
	b := &BO{dev: d, size: size, align: align, flags: flags, refs: 1}
	d.stats.buffers.Add(1)
	if flags&FlagPin != 0 {
		if err := b.Pin(ctx, flags); err != nil {
			b.Unref()
			return nil, err
		}
	}
	return b, nil
}

// WrapUser creates a BO over caller memory. The slice backs the buffer
// until it is migrated; it is never freed by the core. Its contents are
// treated as written by the CPU once, before the buffer is handed to a
// channel.
func (d *Device) WrapUser(data []byte) (*BO, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: nil user memory", ErrInvalidArgument)
	}
	b := &BO{
		dev:   d,
		size:  uint64(len(data)),
		align: 1,
		user:  true,
		refs:  1,
		store: storage{kind: storeUser, domain: Domain{Kind: System}, data: data},
	}
	d.stats.buffers.Add(1)
	return b, nil
}

// Size returns the logical size in bytes.
func (b *BO) Size() uint64 { return b.size }

// Align returns the placement alignment.
func (b *BO) Align() uint64 { return b.align }

// Flags returns the creation flags.
func (b *BO) Flags() Flags { return b.flags }

// IsUser reports whether the buffer wraps caller memory.
func (b *BO) IsUser() bool { return b.user }

// Domain returns where the authoritative storage lives.
func (b *BO) Domain() Domain { return b.store.domain }

// Offset returns the GPU offset of kernel-backed storage.
func (b *BO) Offset() uint64 { return b.store.offset }

// Handle returns the kernel handle, or zero without kernel storage.
func (b *BO) Handle() drm.Handle { return b.store.handle }

// Pinned reports whether kernel storage is pinned.
func (b *BO) Pinned() bool { return b.store.pinned }

// Mapped reports whether the buffer is mapped.
func (b *BO) Mapped() bool { return b.mapped }

// InScratch reports whether the GPU currently sees the buffer through a
// scratch heap placement.
func (b *BO) InScratch() bool { return b.scratch != nil }

// ReadFence returns the fence of the buffer's last GPU use, or nil.
func (b *BO) ReadFence() *Fence { return b.readFence }

// WriteFence returns the fence of the buffer's last GPU write, or nil.
func (b *BO) WriteFence() *Fence { return b.writeFence }

// Ref takes a reference and returns b.
func (b *BO) Ref() *BO {
	b.refs++
	return b
}

// Unref drops a reference. When only a pushbuffer hold would remain, the
// holding channel is flushed so the buffer is not torn down while queued.
// At zero, storage release waits for the last GPU use to signal.
func (b *BO) Unref() {
	if b.refs <= 0 {
		panic("nouveau: buffer reference count underflow")
	}
	b.refs--
	switch {
	case b.refs == 0:
		b.destroy()
	case b.refs == 1 && b.pending != nil:
		ch := b.pending.ch
		if err := ch.Flush(context.Background(), 0); err != nil {
			slogger().Warn("nouveau: flush before buffer release failed",
				"channel", ch.id, "err", err)
		}
	}
}

// Map returns a CPU view of the buffer for the given access (FlagRD,
// FlagWR or both). A conflicting unflushed reference is flushed first, and
// Map waits for the GPU: write access waits for every earlier GPU use,
// read access waits for earlier GPU writes.
func (b *BO) Map(ctx context.Context, access Flags) ([]byte, error) {
	if b.dead {
		return nil, fmt.Errorf("%w: buffer released", ErrInvalidState)
	}
	if b.mapped {
		return nil, fmt.Errorf("%w: buffer already mapped", ErrInvalidState)
	}
	if access&FlagRDWR == 0 {
		access |= FlagRDWR
	}
	if b.store.kind == storeNone {
		if err := b.allocate(ctx); err != nil {
			return nil, err
		}
	}
	if p := b.pending; p != nil {
		if p.ch.pb.refs[p.index].flags&FlagWR != 0 || access&FlagWR != 0 {
			if err := p.ch.Flush(ctx, 0); err != nil {
				return nil, err
			}
		}
	}
	fence := b.writeFence
	if access&FlagWR != 0 {
		fence = b.readFence
	}
	if err := waitFence(ctx, fence); err != nil {
		return nil, err
	}
	data, err := b.cpuView()
	if err != nil {
		return nil, err
	}
	b.mapped = true
	return data, nil
}

// Unmap drops the mapped view. No data moves.
func (b *BO) Unmap() error {
	if !b.mapped {
		return fmt.Errorf("%w: buffer not mapped", ErrInvalidState)
	}
	b.mapped = false
	return nil
}

// SetStatus migrates the buffer so its storage satisfies the placement in
// flags. Without VRAM or GART bits the target is host memory, unless
// tiling is requested, which always places the buffer in VRAM.
//
// New storage is allocated and filled before the old storage is released,
// so on error the buffer keeps its previous domain and contents.
func (b *BO) SetStatus(ctx context.Context, flags Flags) error {
	return b.setStatus(ctx, flags&FlagDomains)
}

// Pin places the buffer in kernel memory (allocating or migrating as
// needed) and fixes its GPU offset.
func (b *BO) Pin(ctx context.Context, flags Flags) error {
	if b.dead {
		return fmt.Errorf("%w: buffer released", ErrInvalidState)
	}
	want := flags & FlagDomains
	if want&FlagMem == 0 {
		want |= b.flags & FlagDomains
	}
	if want&FlagMem == 0 {
		want |= FlagMem
	}
	if b.store.kind != storeKernel || !b.store.domain.Satisfies(want) {
		if err := b.setStatus(ctx, want); err != nil {
			return err
		}
	}
	return b.pin()
}

// Unpin releases the pin on kernel storage.
func (b *BO) Unpin() error {
	if b.store.kind != storeKernel || !b.store.pinned {
		return nil
	}
	if err := b.dev.kernel.UnpinBuffer(b.store.handle); err != nil {
		return fmt.Errorf("nouveau: unpin: %w", err)
	}
	b.store.pinned = false
	return nil
}

func (b *BO) pin() error {
	if b.store.kind != storeKernel {
		return fmt.Errorf("%w: buffer has no kernel storage", ErrInvalidState)
	}
	if b.store.pinned {
		return nil
	}
	pl, err := b.dev.kernel.PinBuffer(b.store.handle, kernelDomainOf(b.store.domain)&drm.DomainMemMask)
	if err != nil {
		return fmt.Errorf("nouveau: pin: %w", err)
	}
	b.store.pinned = true
	b.store.offset = pl.Offset
	return nil
}

// allocate performs the lazy first-touch allocation.
func (b *BO) allocate(ctx context.Context) error {
	want := b.flags & FlagDomains
	if err := b.setStatus(ctx, want); err != nil {
		return err
	}
	if b.flags&FlagPin != 0 && b.store.kind == storeKernel {
		return b.pin()
	}
	return nil
}

func (b *BO) setStatus(ctx context.Context, want Flags) error {
	want = placement(want)
	if b.dead {
		return fmt.Errorf("%w: buffer released", ErrInvalidState)
	}
	if b.store.kind != storeNone && b.store.domain.Satisfies(want) {
		return nil
	}
	if b.mapped {
		return fmt.Errorf("%w: cannot migrate a mapped buffer", ErrInvalidState)
	}
	if b.name != 0 {
		return fmt.Errorf("%w: cannot migrate a shared buffer", ErrInvalidState)
	}
	if b.pending != nil && want&FlagMem == 0 {
		return fmt.Errorf("%w: queued buffer must stay in GPU memory", ErrInvalidState)
	}

	d := b.dev
	next, err := d.newStorage(want, b.size, b.align)
	if err != nil {
		d.stats.migrationFailures.Add(1)
		return fmt.Errorf("nouveau: migrate to %v: %w", want, err)
	}

	if b.store.kind != storeNone {
		if err := b.copyInto(ctx, next); err != nil {
			d.stats.migrationFailures.Add(1)
			d.releaseStorage(next)
			return err
		}
	}

	old := b.store
	b.store = next
	b.scratch = nil
	d.releaseStorage(old)
	if old.kind != storeNone {
		d.stats.migrations.Add(1)
		slogger().Debug("nouveau: buffer migrated",
			"from", old.domain, "to", next.domain, "size", b.size)
	}
	return nil
}

// copyInto copies the current contents into next once the GPU has finished
// writing them, then waits until the GPU has stopped reading the old
// storage.
func (b *BO) copyInto(ctx context.Context, next storage) error {
	if err := waitFence(ctx, b.writeFence); err != nil {
		return err
	}
	src, err := b.cpuView()
	if err != nil {
		return err
	}
	copy(next.data[:b.size], src)
	return waitFence(ctx, b.readFence)
}

// cpuView returns the authoritative storage as a slice of b.size bytes.
func (b *BO) cpuView() ([]byte, error) {
	switch b.store.kind {
	case storeHost, storeUser:
		return b.store.data[:b.size], nil
	case storeKernel:
		if b.store.data == nil {
			data, err := b.dev.kernel.MapBuffer(b.store.handle)
			if err != nil {
				return nil, fmt.Errorf("nouveau: map: %w", err)
			}
			b.store.data = data
		}
		return b.store.data[:b.size], nil
	default:
		return nil, fmt.Errorf("%w: buffer has no storage", ErrInvalidState)
	}
}

// gpuPlacement returns where the GPU finds the buffer in the current batch.
func (b *BO) gpuPlacement() (Domain, uint64, error) {
	if u := b.scratch; u != nil {
		return Domain{Kind: HostMapped}, u.ch.scratchBO.store.offset + u.iv.Start, nil
	}
	if b.store.kind != storeKernel || !b.store.domain.GPUVisible() {
		return Domain{}, 0, fmt.Errorf("%w: buffer is not GPU resident", ErrInvalidState)
	}
	return b.store.domain, b.store.offset, nil
}

// submitHandle returns the kernel object the GPU accesses for b.
func (b *BO) submitHandle() (drm.Handle, drm.Placement) {
	if u := b.scratch; u != nil {
		s := u.ch.scratchBO
		return s.store.handle, drm.Placement{Domain: drm.DomainGART, Offset: s.store.offset}
	}
	return b.store.handle, drm.Placement{
		Domain: kernelDomainOf(b.store.domain) & drm.DomainMemMask,
		Offset: b.store.offset,
	}
}

// stamp records f as the latest GPU use, and as the latest write if write.
func (b *BO) stamp(f *Fence, write bool) {
	f.Ref()
	if b.readFence != nil {
		b.readFence.Unref()
	}
	b.readFence = f
	if write {
		f.Ref()
		if b.writeFence != nil {
			b.writeFence.Unref()
		}
		b.writeFence = f
	}
}

// destroy releases storage once the last GPU use signals. The release
// closure owns the storage from here on.
func (b *BO) destroy() {
	b.dead = true
	b.mapped = false
	b.scratch = nil
	d := b.dev
	d.forgetName(b)
	d.stats.buffers.Add(-1)

	store := b.store
	b.store = storage{}
	release := func() { d.releaseStorage(store) }

	last := b.readFence
	if last != nil && !last.signalled && !last.orphaned {
		last.onRelease(release)
	} else {
		release()
	}
	if b.readFence != nil {
		b.readFence.Unref()
		b.readFence = nil
	}
	if b.writeFence != nil {
		b.writeFence.Unref()
		b.writeFence = nil
	}
}

// Name publishes a global name for the buffer so another device can open
// it with Device.OpenName. Host-backed buffers move to kernel memory first.
func (b *BO) Name(ctx context.Context) (uint32, error) {
	if b.name != 0 {
		return b.name, nil
	}
	if b.store.kind != storeKernel {
		want := b.flags & FlagDomains
		if want&FlagMem == 0 {
			want |= FlagGART
		}
		if err := b.setStatus(ctx, want); err != nil {
			return 0, err
		}
	}
	name, err := b.dev.kernel.FlinkBuffer(b.store.handle)
	if err != nil {
		return 0, fmt.Errorf("nouveau: flink: %w", err)
	}
	b.name = name
	b.dev.rememberName(b)
	return name, nil
}

// waitFence waits for f when it is set and not yet signalled.
func waitFence(ctx context.Context, f *Fence) error {
	if f == nil || f.signalled {
		return nil
	}
	return f.Wait(ctx)
}
