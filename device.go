package nouveau

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/nouveau/drm"
)

// Device is an open execution substrate plus all per-device state of the
// core: its channels and the table of imported global names. Every
// operation hangs off a Device handle. The only package-level reference
// to an open device is the logger registry, which SetLogger walks to reach
// device kernels and which carries no device state.
//
// Device methods are safe for concurrent use. Channels and the buffers
// used with them follow the single-writer rule described on Channel.
type Device struct {
	kernel drm.Kernel
	opts   options

	mu       sync.Mutex
	channels map[*Channel]struct{}
	names    map[uint32]*BO
	closed   bool

	stats deviceStats
}

// Open wraps a kernel in a Device. The kernel stays owned by the caller and
// must outlive the Device.
func Open(k drm.Kernel, opts ...Option) (*Device, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil kernel", ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.pushbufWords <= trailerWords+2 {
		return nil, fmt.Errorf("%w: pushbuffer of %d words is too small", ErrInvalidArgument, o.pushbufWords)
	}
	d := &Device{
		kernel:   k,
		opts:     o,
		channels: make(map[*Channel]struct{}),
		names:    make(map[uint32]*BO),
	}

	devicesMu.Lock()
	devices[d] = struct{}{}
	devicesMu.Unlock()
	propagateLogger(k, Logger())

	slogger().Info("nouveau: device opened",
		"chipset", fmt.Sprintf("%#x", o.chipset),
		"scratch", o.scratchSize,
		"pushbuf_words", o.pushbufWords)
	return d, nil
}

// Kernel returns the underlying kernel.
func (d *Device) Kernel() drm.Kernel { return d.kernel }

// Chipset returns the configured chipset family.
func (d *Device) Chipset() int { return d.opts.chipset }

// WaitTimeout returns the configured wait timeout.
func (d *Device) WaitTimeout() time.Duration { return d.opts.waitTimeout }

// Close frees every channel still open. Buffers keep their Go storage but
// can no longer be used with the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	chans := make([]*Channel, 0, len(d.channels))
	for c := range d.channels {
		chans = append(chans, c)
	}
	d.mu.Unlock()

	var errs []error
	for _, c := range chans {
		if err := c.Free(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	devicesMu.Lock()
	delete(devices, d)
	devicesMu.Unlock()

	slogger().Info("nouveau: device closed")
	return errors.Join(errs...)
}

// OpenName imports a buffer published with BO.Name. Importing a name twice
// returns the same BO with an extra reference.
func (d *Device) OpenName(name uint32) (*BO, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if b, ok := d.names[name]; ok {
		d.mu.Unlock()
		return b.Ref(), nil
	}
	d.mu.Unlock()

	info, err := d.kernel.OpenBuffer(name)
	if err != nil {
		return nil, fmt.Errorf("nouveau: open name %d: %w", name, err)
	}
	b := &BO{
		dev:   d,
		size:  info.Size,
		align: d.opts.defaultAlign,
		refs:  1,
		name:  name,
		store: storage{
			kind:   storeKernel,
			domain: domainFromKernel(info.Domain),
			handle: info.Handle,
		},
	}
	d.stats.buffers.Add(1)
	d.stats.kernelBuffers.Add(1)
	d.rememberName(b)
	return b, nil
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (d *Device) rememberName(b *BO) {
	d.mu.Lock()
	d.names[b.name] = b
	d.mu.Unlock()
}

func (d *Device) forgetName(b *BO) {
	if b.name == 0 {
		return
	}
	d.mu.Lock()
	if d.names[b.name] == b {
		delete(d.names, b.name)
	}
	d.mu.Unlock()
}

// newStorage allocates backing storage for the placement in want. Kernel
// storage comes back mapped and pinned.
func (d *Device) newStorage(want Flags, size, align uint64) (storage, error) {
	if want&FlagMem == 0 {
		return storage{kind: storeHost, domain: Domain{Kind: System}, data: make([]byte, size)}, nil
	}
	k := d.kernel
	info, err := k.CreateBuffer(drm.BufferRequest{Size: size, Align: align, Domain: kernelDomain(want)})
	if err != nil {
		if errors.Is(err, drm.ErrNoMemory) {
			return storage{}, fmt.Errorf("%w: %w", ErrNoSpace, err)
		}
		return storage{}, fmt.Errorf("nouveau: create buffer: %w", err)
	}
	data, err := k.MapBuffer(info.Handle)
	if err != nil {
		d.closeHandle(info.Handle)
		return storage{}, fmt.Errorf("nouveau: map: %w", err)
	}
	if uint64(len(data)) < size {
		d.closeHandle(info.Handle)
		return storage{}, fmt.Errorf("%w: kernel mapped %d bytes of %d", ErrInvalidState, len(data), size)
	}
	pl, err := k.PinBuffer(info.Handle, info.Domain&drm.DomainMemMask)
	if err != nil {
		d.closeHandle(info.Handle)
		return storage{}, fmt.Errorf("nouveau: pin: %w", err)
	}
	d.stats.kernelBuffers.Add(1)
	return storage{
		kind:   storeKernel,
		domain: domainFromKernel(pl.Domain | info.Domain&(drm.DomainTile|drm.DomainZTile)),
		handle: info.Handle,
		data:   data,
		offset: pl.Offset,
		pinned: true,
	}, nil
}

// releaseStorage frees s. User memory is left alone.
func (d *Device) releaseStorage(s storage) {
	if s.kind != storeKernel {
		return
	}
	if s.pinned {
		if err := d.kernel.UnpinBuffer(s.handle); err != nil {
			slogger().Warn("nouveau: unpin on release failed", "handle", s.handle, "err", err)
		}
	}
	d.closeHandle(s.handle)
	d.stats.kernelBuffers.Add(-1)
}

func (d *Device) closeHandle(h drm.Handle) {
	if err := d.kernel.CloseBuffer(h); err != nil {
		slogger().Warn("nouveau: close buffer failed", "handle", h, "err", err)
	}
}
