// Package soft provides an in-process drm.Kernel.
//
// Buffers live in Go memory and are placed in two simulated address
// spaces, one per pool. Every channel runs its batches on an executor
// goroutine that decodes the command stream with the same decoder the
// core encodes for, performs M2MF copies, and publishes completion through
// the channel's user area and notifiers.
//
// The executor can be paused with Hold, which makes GPU latency
// deterministic in tests.
package soft

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/nouveau/backend"
	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/heap"
	"github.com/gogpu/nouveau/internal/nvhw"
)

func init() {
	backend.Register(backend.BackendSoft, func() (drm.Kernel, error) {
		return New(), nil
	})
}

// notifierBlocks is the number of notifier blocks per channel.
const notifierBlocks = 16

// object is one buffer allocation. Several handles may name it.
type object struct {
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

// batch is one queued submission.
type batch struct {
	words []uint32
	objs  []*object
}

type channel struct {
	id        drm.ChannelID
	user      *drm.Shared
	notifiers *drm.Shared
	vram      drm.Handle
	gart      drm.Handle
	machine   *nvhw.Machine
	queue     []batch
	notifier  int
	freed     bool
	done      chan struct{}
}

// Kernel is the software execution substrate. It is safe for concurrent
// use.
type Kernel struct {
	opts options

	mu   sync.Mutex
	cond *sync.Cond

	closed     bool
	held       bool
	failSubmit error

	nextHandle drm.Handle
	nextName   uint32
	nextChan   drm.ChannelID
	handles    map[drm.Handle]*object
	names      map[uint32]*object
	channels   map[drm.ChannelID]*channel

	vram *heap.Heap
	gart *heap.Heap

	wg sync.WaitGroup
}

// New creates a kernel.
func New(opts ...Option) *Kernel {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	k := &Kernel{
		opts:     o,
		handles:  make(map[drm.Handle]*object),
		names:    make(map[uint32]*object),
		channels: make(map[drm.ChannelID]*channel),
		vram:     heap.New(0, o.vramSize),
		gart:     heap.New(0, o.gartSize),
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// SetLogger sets the logger for the soft backend.
func (k *Kernel) SetLogger(l *slog.Logger) { setLogger(l) }

// Hold pauses every executor after the batch it is running.
func (k *Kernel) Hold() {
	k.mu.Lock()
	k.held = true
	k.mu.Unlock()
}

// Release resumes execution.
func (k *Kernel) Release() {
	k.mu.Lock()
	k.held = false
	k.mu.Unlock()
	k.cond.Broadcast()
}

// SetFailSubmit makes Submit return err until it is reset with nil.
func (k *Kernel) SetFailSubmit(err error) {
	k.mu.Lock()
	k.failSubmit = err
	k.mu.Unlock()
}

// SetFailCreate makes CreateBuffer fail for requests allowing a pool in d.
func (k *Kernel) SetFailCreate(d drm.Domain) {
	k.mu.Lock()
	k.opts.failCreate = d
	k.mu.Unlock()
}

// Pending returns the number of queued batches on a channel.
func (k *Kernel) Pending(id drm.ChannelID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ch, ok := k.channels[id]; ok {
		return len(ch.queue)
	}
	return 0
}

// Buffers returns the number of live allocations.
func (k *Kernel) Buffers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	seen := make(map[*object]struct{}, len(k.handles))
	for _, o := range k.handles {
		seen[o] = struct{}{}
	}
	return len(seen)
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
// VRAM is tried before GART.
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
	if req.Domain&k.opts.failCreate&drm.DomainMemMask != 0 {
		return drm.BufferInfo{}, fmt.Errorf("%w: injected failure for %v", drm.ErrNoMemory, req.Domain)
	}
	o := &object{size: req.Size, data: make([]byte, req.Size)}
	if err := k.place(o, req.Domain, req.Align); err != nil {
		return drm.BufferInfo{}, err
	}
	h := k.newHandle(o)
	slogger().Debug("soft: buffer created", "handle", h, "size", o.size, "domain", o.domain)
	return drm.BufferInfo{Handle: h, Size: o.size, Domain: o.domain}, nil
}

// MapBuffer implements drm.Kernel.
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
// moves there first.
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

// CloseBuffer implements drm.Kernel. Storage queued for execution stays
// alive until the batch has run.
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
	if o.handles > 0 || o.busy > 0 || o.iv == nil {
		return
	}
	if o.name != 0 {
		delete(k.names, o.name)
	}
	o.space.Free(o.iv)
	o.iv = nil
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
		done:      make(chan struct{}),
	}
	k.channels[ch.id] = ch
	k.wg.Add(1)
	go k.run(ch)
	slogger().Info("soft: channel allocated", "channel", ch.id)
	return &drm.ChannelInfo{
		ID:         ch.id,
		User:       ch.user,
		Notifiers:  ch.notifiers,
		VRAMHandle: vram,
		GARTHandle: gart,
	}, nil
}

// FreeChannel implements drm.Kernel. Queued batches are dropped.
func (k *Kernel) FreeChannel(id drm.ChannelID) error {
	k.mu.Lock()
	ch, ok := k.channels[id]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("%w: channel %d", drm.ErrInvalidHandle, id)
	}
	delete(k.channels, id)
	ch.freed = true
	for _, b := range ch.queue {
		k.retire(b)
	}
	ch.queue = nil
	k.mu.Unlock()
	k.cond.Broadcast()
	<-ch.done
	slogger().Info("soft: channel freed", "channel", id)
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

// Submit implements drm.Kernel.
func (k *Kernel) Submit(id drm.ChannelID, words []uint32, buffers []drm.SubmitBuffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, err := k.channel(id)
	if err != nil {
		return err
	}
	if k.failSubmit != nil {
		return k.failSubmit
	}
	b := batch{words: slices.Clone(words), objs: make([]*object, 0, len(buffers))}
	for _, sb := range buffers {
		o, err := k.lookup(sb.Handle)
		if err != nil {
			return err
		}
		if o.iv == nil || (sb.Presumed.Domain != 0 && o.iv.Start != sb.Presumed.Offset) {
			return fmt.Errorf("%w: buffer %d moved from its presumed offset", drm.ErrBusy, sb.Handle)
		}
		b.objs = append(b.objs, o)
	}
	for _, o := range b.objs {
		o.busy++
	}
	ch.queue = append(ch.queue, b)
	k.cond.Broadcast()
	return nil
}

// retire drops the batch's hold on its buffers. Called with k.mu held.
func (k *Kernel) retire(b batch) {
	for _, o := range b.objs {
		o.busy--
		k.maybeRelease(o)
	}
}

// Close implements drm.Kernel.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	for _, ch := range k.channels {
		ch.freed = true
	}
	k.mu.Unlock()
	k.cond.Broadcast()
	k.wg.Wait()
	return nil
}

// run is the executor loop of one channel.
func (k *Kernel) run(ch *channel) {
	defer k.wg.Done()
	defer close(ch.done)
	for {
		k.mu.Lock()
		for !ch.freed && (len(ch.queue) == 0 || k.held) {
			k.cond.Wait()
		}
		if ch.freed {
			k.mu.Unlock()
			return
		}
		b := ch.queue[0]
		ch.queue = ch.queue[1:]
		k.mu.Unlock()

		if d := k.opts.latency; d > 0 {
			time.Sleep(d)
		}

		k.mu.Lock()
		if ch.freed {
			k.retire(b)
			k.mu.Unlock()
			return
		}
		e := &engine{k: k, ch: ch}
		if err := ch.machine.Execute(b.words, e); err != nil {
			// The batch's reference counter update never runs, so waiters
			// time out the way they would on a hung channel.
			slogger().Warn("soft: batch failed", "channel", ch.id, "err", err)
		}
		k.retire(b)
		k.mu.Unlock()
	}
}

// errBadDMA is returned by the engine for unknown context DMA objects.
var errBadDMA = errors.New("soft: unknown context DMA object")
