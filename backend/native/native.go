// Package native provides a drm.Kernel on top of a gogpu/wgpu HAL device.
//
// Every buffer is a host-mappable HAL buffer that stays mapped for its
// whole life. The two pools are address spaces layered over those buffers,
// the same way the soft kernel lays them out, so relocations resolve to
// stable offsets. Submitted command streams are decoded on the host. M2MF
// transfers become CopyBufferToBuffer regions on a command encoder when the
// queue accepts recorded copies, and plain memory copies otherwise.
//
// Completion follows the HAL queue's submission index: Poll publishes the
// reference counter and notifiers of every batch the queue has retired.
//
// To make the backend available through backend.Default, import:
//
//	import _ "github.com/gogpu/nouveau/backend/native"
package native

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/nouveau/backend"
	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/heap"
	"github.com/gogpu/nouveau/internal/nvhw"
	"github.com/gogpu/wgpu/hal"
)

func init() {
	backend.Register(backend.BackendNative, func() (drm.Kernel, error) {
		return Open()
	})
}

// notifierBlocks is the number of notifier blocks per channel.
const notifierBlocks = 16

// Errors returned by the native backend.
var (
	// ErrNoAdapter is returned by Open when no HAL backend yields a device.
	ErrNoAdapter = errors.New("native: no HAL adapter available")

	// ErrNoHAL is returned by FromProvider for providers without HAL access.
	ErrNoHAL = errors.New("native: provider does not expose HAL types")

	errBadDMA = errors.New("native: unknown context DMA object")
)

// object is one HAL buffer. Several handles may name it.
type object struct {
	buf     hal.Buffer
	size    uint64
	domain  drm.Domain
	data    []byte
	space   *heap.Heap
	iv      *heap.Interval
	handles int
	pins    int
	busy    int
	name    uint32
}

// inflight is one batch handed to the HAL queue.
type inflight struct {
	ch        *channel
	index     uint64
	serial    uint32
	hasSerial bool
	notifies  []int
	enc       hal.CommandEncoder
	cmd       hal.CommandBuffer
	objs      []*object
}

type channel struct {
	id        drm.ChannelID
	user      *drm.Shared
	notifiers *drm.Shared
	vram      drm.Handle
	gart      drm.Handle
	machine   *nvhw.Machine
	notifier  int
	freed     bool
}

// Kernel runs channels on a HAL device. It is safe for concurrent use.
type Kernel struct {
	opts    options
	device  hal.Device
	queue   hal.Queue
	adapter gpucontext.AdapterInfo
	release func()

	mu     sync.Mutex
	closed bool

	nextHandle drm.Handle
	nextName   uint32
	nextChan   drm.ChannelID
	handles    map[drm.Handle]*object
	names      map[uint32]*object
	channels   map[drm.ChannelID]*channel
	inflight   []*inflight

	vram *heap.Heap
	gart *heap.Heap
}

// New creates a kernel on device and queue. The caller keeps ownership of
// both and must close the kernel before destroying the device.
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Kernel, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil HAL device or queue", drm.ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Kernel{
		opts:     o,
		device:   device,
		queue:    queue,
		adapter:  gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown},
		handles:  make(map[drm.Handle]*object),
		names:    make(map[uint32]*object),
		channels: make(map[drm.ChannelID]*channel),
		vram:     heap.New(0, o.vramSize),
		gart:     heap.New(0, o.gartSize),
	}, nil
}

// SetLogger sets the logger for the native backend.
func (k *Kernel) SetLogger(l *slog.Logger) { setLogger(l) }

// AdapterInfo describes the adapter behind the kernel's device.
func (k *Kernel) AdapterInfo() gpucontext.AdapterInfo { return k.adapter }

// RecordsCopies reports whether transfers are recorded on the HAL queue
// rather than performed on the host.
func (k *Kernel) RecordsCopies() bool {
	return !k.opts.hostCopy && k.queue.SupportsCommandBufferCopies()
}

// InFlight returns the number of batches the queue has not retired.
func (k *Kernel) InFlight() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inflight)
}

func (k *Kernel) lookup(h drm.Handle) (*object, error) {
	if k.closed {
		return nil, drm.ErrClosed
	}
	o, ok := k.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", drm.ErrInvalidHandle, h)
	}
	return o, nil
}

func (k *Kernel) newHandle(o *object) drm.Handle {
	k.nextHandle++
	k.handles[k.nextHandle] = o
	o.handles++
	return k.nextHandle
}

func (k *Kernel) space(d drm.Domain) *heap.Heap {
	if d&drm.DomainVRAM != 0 {
		return k.vram
	}
	return k.gart
}

// place reserves address space for o in the first pool of d that has room.
func (k *Kernel) place(o *object, d drm.Domain, align uint64) error {
	for _, pool := range []drm.Domain{drm.DomainVRAM, drm.DomainGART} {
		if d&pool == 0 {
			continue
		}
		sp := k.space(pool)
		iv, err := sp.Alloc(max(o.size, 1), max(align, 1), nil, o)
		if err != nil {
			continue
		}
		if o.iv != nil {
			o.space.Free(o.iv)
		}
		o.space, o.iv = sp, iv
		o.domain = pool | d&(drm.DomainTile|drm.DomainZTile)
		return nil
	}
	return fmt.Errorf("%w: %d bytes in %v", drm.ErrNoMemory, o.size, d)
}

// bufferUsage returns the HAL usage of a buffer allowed in d.
func bufferUsage(d drm.Domain) gputypes.BufferUsage {
	u := gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite |
		gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if d&drm.DomainVRAM != 0 {
		u |= gputypes.BufferUsageStorage
	}
	return u
}

// halSize rounds a request up to the copy granularity. Empty buffers still
// get backing so they can be mapped.
func halSize(n uint64) uint64 {
	return (max(n, 1) + 3) &^ 3
}

// CreateBuffer implements drm.Kernel.
func (k *Kernel) CreateBuffer(req drm.BufferRequest) (drm.BufferInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return drm.BufferInfo{}, drm.ErrClosed
	}
	if req.Domain&drm.DomainMemMask == 0 {
		return drm.BufferInfo{}, fmt.Errorf("%w: domain %v names no pool", drm.ErrInvalidArgument, req.Domain)
	}
	if req.Align&(req.Align-1) != 0 {
		return drm.BufferInfo{}, fmt.Errorf("%w: alignment %d", drm.ErrInvalidArgument, req.Align)
	}

	o := &object{size: req.Size}
	if err := k.place(o, req.Domain, req.Align); err != nil {
		return drm.BufferInfo{}, err
	}
	alloc := halSize(req.Size)
	buf, err := k.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("nouveau-bo-%d", k.nextHandle+1),
		Size:  alloc,
		Usage: bufferUsage(req.Domain),
	})
	if err != nil {
		o.space.Free(o.iv)
		if errors.Is(err, hal.ErrDeviceOutOfMemory) {
			return drm.BufferInfo{}, fmt.Errorf("%w: %w", drm.ErrNoMemory, err)
		}
		return drm.BufferInfo{}, fmt.Errorf("native: create buffer: %w", err)
	}
	m, err := k.device.MapBuffer(buf, 0, alloc)
	if err != nil {
		k.device.DestroyBuffer(buf)
		o.space.Free(o.iv)
		return drm.BufferInfo{}, fmt.Errorf("native: map buffer: %w", err)
	}
	o.buf = buf
	o.data = unsafe.Slice((*byte)(m.Ptr), alloc)[:req.Size:req.Size]
	clear(o.data)

	h := k.newHandle(o)
	slogger().Debug("native: buffer created", "handle", h, "size", o.size, "domain", o.domain,
		"coherent", m.IsCoherent)
	return drm.BufferInfo{Handle: h, Size: o.size, Domain: o.domain}, nil
}

// MapBuffer implements drm.Kernel. The mapping is persistent.
func (k *Kernel) MapBuffer(h drm.Handle) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookup(h)
	if err != nil {
		return nil, err
	}
	return o.data, nil
}

// PinBuffer implements drm.Kernel. An unpinned idle buffer outside domain
// is moved to another address range. Its contents stay in the same HAL
// buffer.
func (k *Kernel) PinBuffer(h drm.Handle, domain drm.Domain) (drm.Placement, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookup(h)
	if err != nil {
		return drm.Placement{}, err
	}
	if domain&drm.DomainMemMask != 0 && o.domain&domain&drm.DomainMemMask == 0 {
		if o.pins > 0 || o.busy > 0 {
			return drm.Placement{}, fmt.Errorf("%w: buffer %d is pinned in %v", drm.ErrBusy, h, o.domain)
		}
		if err := k.place(o, domain, 0); err != nil {
			return drm.Placement{}, err
		}
	}
	o.pins++
	return drm.Placement{Domain: o.domain & drm.DomainMemMask, Offset: o.iv.Start}, nil
}

// UnpinBuffer implements drm.Kernel.
func (k *Kernel) UnpinBuffer(h drm.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookup(h)
	if err != nil {
		return err
	}
	if o.pins == 0 {
		return fmt.Errorf("%w: buffer %d is not pinned", drm.ErrInvalidArgument, h)
	}
	o.pins--
	return nil
}

// CloseBuffer implements drm.Kernel. A buffer used by an unretired batch
// is destroyed once the queue retires it.
func (k *Kernel) CloseBuffer(h drm.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookup(h)
	if err != nil {
		return err
	}
	delete(k.handles, h)
	o.handles--
	if o.handles == 0 {
		o.pins = 0
		k.maybeRelease(o)
	}
	return nil
}

func (k *Kernel) maybeRelease(o *object) {
	if o.handles > 0 || o.busy > 0 || o.buf == nil {
		return
	}
	if o.name != 0 {
		delete(k.names, o.name)
	}
	o.space.Free(o.iv)
	o.iv = nil
	if err := k.device.UnmapBuffer(o.buf); err != nil {
		slogger().Warn("native: unmap failed", "err", err)
	}
	k.device.DestroyBuffer(o.buf)
	o.buf, o.data = nil, nil
}

// FlinkBuffer implements drm.Kernel.
func (k *Kernel) FlinkBuffer(h drm.Handle) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookup(h)
	if err != nil {
		return 0, err
	}
	if o.name == 0 {
		k.nextName++
		o.name = k.nextName
		k.names[o.name] = o
	}
	return o.name, nil
}

// OpenBuffer implements drm.Kernel.
func (k *Kernel) OpenBuffer(name uint32) (drm.BufferInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return drm.BufferInfo{}, drm.ErrClosed
	}
	o, ok := k.names[name]
	if !ok {
		return drm.BufferInfo{}, fmt.Errorf("%w: name %d", drm.ErrInvalidHandle, name)
	}
	h := k.newHandle(o)
	return drm.BufferInfo{Handle: h, Size: o.size, Domain: o.domain}, nil
}

// AllocChannel implements drm.Kernel.
func (k *Kernel) AllocChannel(vram, gart drm.Handle) (*drm.ChannelInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, drm.ErrClosed
	}
	if vram == gart {
		return nil, fmt.Errorf("%w: context DMA handles must differ", drm.ErrInvalidArgument)
	}
	m := nvhw.NewMachine()
	if err := m.AddObject(vram, nvhw.ClassDMAInMemory); err != nil {
		return nil, err
	}
	if err := m.AddObject(gart, nvhw.ClassDMAInMemory); err != nil {
		return nil, err
	}
	k.nextChan++
	ch := &channel{
		id:        k.nextChan,
		user:      drm.NewShared(drm.UserWords),
		notifiers: drm.NewShared(notifierBlocks * drm.NotifierStride / 4),
		vram:      vram,
		gart:      gart,
		machine:   m,
	}
	k.channels[ch.id] = ch
	slogger().Info("native: channel allocated", "channel", ch.id)
	return &drm.ChannelInfo{
		ID:         ch.id,
		User:       ch.user,
		Notifiers:  ch.notifiers,
		VRAMHandle: vram,
		GARTHandle: gart,
	}, nil
}

// FreeChannel implements drm.Kernel. Work already on the HAL queue cannot
// be recalled, so FreeChannel waits for the device to go idle.
func (k *Kernel) FreeChannel(id drm.ChannelID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %d", drm.ErrInvalidHandle, id)
	}
	delete(k.channels, id)
	ch.freed = true
	k.drain()
	slogger().Info("native: channel freed", "channel", id)
	return nil
}

func (k *Kernel) channel(id drm.ChannelID) (*channel, error) {
	if k.closed {
		return nil, drm.ErrClosed
	}
	ch, ok := k.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", drm.ErrInvalidHandle, id)
	}
	return ch, nil
}

// CreateObject implements drm.Kernel.
func (k *Kernel) CreateObject(id drm.ChannelID, h drm.Handle, class uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, err := k.channel(id)
	if err != nil {
		return err
	}
	switch class {
	case nvhw.ClassNull, nvhw.ClassM2MF, nvhw.ClassM2MFNV50:
	default:
		return fmt.Errorf("%w: class %#x", drm.ErrInvalidArgument, class)
	}
	return ch.machine.AddObject(h, class)
}

// AllocNotifier implements drm.Kernel.
func (k *Kernel) AllocNotifier(id drm.ChannelID, h drm.Handle, count int) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, err := k.channel(id)
	if err != nil {
		return 0, err
	}
	if count <= 0 || ch.notifier+count > notifierBlocks {
		return 0, fmt.Errorf("%w: %d notifier blocks", drm.ErrNoMemory, count)
	}
	word := ch.notifier * drm.NotifierStride / 4
	if err := ch.machine.AddNotifier(h, word); err != nil {
		return 0, err
	}
	ch.notifier += count
	return uint32(word * 4), nil
}

// Submit implements drm.Kernel. The command stream is decoded now; its
// completion is published by Poll once the HAL queue retires it.
func (k *Kernel) Submit(id drm.ChannelID, words []uint32, buffers []drm.SubmitBuffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, err := k.channel(id)
	if err != nil {
		return err
	}
	objs := make([]*object, 0, len(buffers))
	for _, sb := range buffers {
		o, err := k.lookup(sb.Handle)
		if err != nil {
			return err
		}
		if o.iv == nil || (sb.Presumed.Domain != 0 && o.iv.Start != sb.Presumed.Offset) {
			return fmt.Errorf("%w: buffer %d moved from its presumed offset", drm.ErrBusy, sb.Handle)
		}
		objs = append(objs, o)
	}

	f := &inflight{ch: ch, objs: objs}
	e := &engine{k: k, ch: ch, batch: f, record: k.RecordsCopies()}
	if err := ch.machine.Execute(slices.Clone(words), e); err != nil {
		// The reference counter update is never published, so waiters time
		// out the way they would on a hung channel.
		slogger().Warn("native: batch failed", "channel", ch.id, "err", err)
	}
	var cmds []hal.CommandBuffer
	if f.enc != nil {
		cmd, err := f.enc.EndEncoding()
		if err != nil {
			f.enc.Destroy()
			return fmt.Errorf("native: end encoding: %w", err)
		}
		f.cmd = cmd
		cmds = []hal.CommandBuffer{cmd}
	}
	idx, err := k.queue.Submit(cmds)
	if err != nil {
		k.freeCommands(f)
		return fmt.Errorf("native: queue submit: %w", err)
	}
	f.index = idx
	for _, o := range objs {
		o.busy++
	}
	k.inflight = append(k.inflight, f)
	return nil
}

// Poll implements drm.Poller.
func (k *Kernel) Poll(id drm.ChannelID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := k.channel(id); err != nil {
		return err
	}
	k.retire(k.queue.PollCompleted())
	return nil
}

// retire publishes and releases every batch up to submission index done.
// Called with k.mu held.
func (k *Kernel) retire(done uint64) {
	n := 0
	for _, f := range k.inflight {
		if f.index > done {
			break
		}
		n++
		if !f.ch.freed {
			for _, word := range f.notifies {
				notify(f.ch, word)
			}
			if f.hasSerial {
				f.ch.user.Store(drm.UserRefCnt, f.serial)
			}
		}
		k.freeCommands(f)
		for _, o := range f.objs {
			o.busy--
			k.maybeRelease(o)
		}
	}
	k.inflight = slices.Delete(k.inflight, 0, n)
}

// drain waits for the device and retires everything. Called with k.mu
// held.
func (k *Kernel) drain() {
	if len(k.inflight) == 0 {
		return
	}
	if err := k.device.WaitIdle(); err != nil {
		slogger().Warn("native: wait idle failed", "err", err)
	}
	k.retire(k.inflight[len(k.inflight)-1].index)
}

func (k *Kernel) freeCommands(f *inflight) {
	if f.cmd != nil {
		k.device.FreeCommandBuffer(f.cmd)
		f.cmd = nil
	}
	if f.enc != nil {
		f.enc.Destroy()
		f.enc = nil
	}
}

// Close implements drm.Kernel. Every buffer is destroyed, and a device
// opened by Open is released.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.drain()
	for _, ch := range k.channels {
		ch.freed = true
	}
	k.closed = true
	for h, o := range k.handles {
		delete(k.handles, h)
		o.handles = 0
		k.maybeRelease(o)
	}
	if k.release != nil {
		k.release()
		k.release = nil
	}
	return nil
}
