package nouveau

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/heap"
	"github.com/gogpu/nouveau/internal/nvhw"
)

// Channel is an execution channel with its pushbuffer, scratch heap,
// objects and fences.
//
// Thread Safety:
// A Channel has a single writer. Accumulating, flushing and waiting on one
// channel from several goroutines requires external locking. Different
// channels may be driven concurrently.
type Channel struct {
	dev  *Device
	id   drm.ChannelID
	user *drm.Shared

	notifiers  *drm.Shared
	vram, gart drm.Handle

	pb      pushbuf
	seq     uint64
	serial  uint32
	emitted []*Fence

	updating bool
	closed   bool

	// Scratch heap over a pinned GART buffer.
	heap      *heap.Heap
	scratchBO *BO

	staging *BO

	objects []*Grobj
	subc    [nvhw.SubchannelCount]subchannel
	bindSeq uint64

	null   *Grobj
	m2mf   *Grobj
	notify *Notifier
}

type subchannel struct {
	gr   *Grobj
	used uint64
}

// Grobj is a graphics object created on a channel.
type Grobj struct {
	ch     *Channel
	handle drm.Handle
	class  uint32
	subc   int
}

// Handle returns the object handle.
func (g *Grobj) Handle() drm.Handle { return g.handle }

// Class returns the object class.
func (g *Grobj) Class() uint32 { return g.class }

// Subchannel returns the bound subchannel, or -1.
func (g *Grobj) Subchannel() int {
	if g.subc >= 0 && g.ch.subc[g.subc].gr == g {
		return g.subc
	}
	return -1
}

// OpenChannel allocates a kernel channel and prepares it for use: the
// null and M2MF objects, the M2MF notifier, and the scratch heap.
func (d *Device) OpenChannel(ctx context.Context) (*Channel, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	info, err := d.kernel.AllocChannel(nvhw.HandleDmaFB, nvhw.HandleDmaTT)
	if err != nil {
		return nil, fmt.Errorf("nouveau: alloc channel: %w", err)
	}
	c := &Channel{
		dev:       d,
		id:        info.ID,
		user:      info.User,
		notifiers: info.Notifiers,
		vram:      info.VRAMHandle,
		gart:      info.GARTHandle,
		pb:        newPushbuf(d.opts.pushbufWords),
	}
	if err := c.init(ctx); err != nil {
		c.teardown()
		return nil, err
	}

	d.mu.Lock()
	d.channels[c] = struct{}{}
	d.mu.Unlock()

	slogger().Info("nouveau: channel opened",
		"channel", c.id,
		"m2mf", fmt.Sprintf("%#x", c.m2mf.class),
		"scratch", d.opts.scratchSize)
	return c, nil
}

func (c *Channel) init(ctx context.Context) error {
	var err error
	if c.null, err = c.NewGrobj(nvhw.HandleNull, nvhw.ClassNull); err != nil {
		return err
	}
	if c.m2mf, err = c.NewGrobj(nvhw.HandleM2MF, nvhw.M2MFClass(c.dev.opts.chipset)); err != nil {
		return err
	}
	if c.notify, err = c.NewNotifier(nvhw.HandleM2MFNotify); err != nil {
		return err
	}

	if size := c.dev.opts.scratchSize; size > 0 {
		c.scratchBO, err = c.dev.NewBO(ctx, FlagGART|FlagMap|FlagPin, 0, size)
		if err != nil {
			return fmt.Errorf("nouveau: scratch heap: %w", err)
		}
		c.heap = heap.New(0, size)
		c.heap.SetReleaseHook(c.releaseScratch)
	}

	if err := c.Begin(ctx, c.m2mf, nvhw.M2MFDmaNotify, 1); err != nil {
		return err
	}
	c.Out(uint32(c.notify.handle))
	return nil
}

// ID returns the kernel channel id.
func (c *Channel) ID() drm.ChannelID { return c.id }

// Device returns the owning device.
func (c *Channel) Device() *Device { return c.dev }

// M2MF returns the memory-to-memory copy object.
func (c *Channel) M2MF() *Grobj { return c.m2mf }

// Null returns the null object.
func (c *Channel) Null() *Grobj { return c.null }

// Notifier returns the M2MF notifier used by Sync.
func (c *Channel) Notifier() *Notifier { return c.notify }

// Serial returns the reference serial of the last submitted batch.
func (c *Channel) Serial() uint32 { return c.serial }

// Completed returns the last serial the channel has executed.
func (c *Channel) Completed() uint32 {
	c.update()
	return c.user.Load(drm.UserRefCnt)
}

// VRAMDMA and GARTDMA return the context DMA handles to use as relocation
// OR values for video and host-mapped memory.
func (c *Channel) VRAMDMA() drm.Handle { return c.vram }

// GARTDMA returns the host-mapped memory context DMA handle.
func (c *Channel) GARTDMA() drm.Handle { return c.gart }

// ScratchStats returns the scratch heap occupancy. It is zero when the
// scratch heap is disabled.
func (c *Channel) ScratchStats() heap.Stats {
	if c.heap == nil {
		return heap.Stats{}
	}
	return c.heap.Stats()
}

// NewGrobj creates a graphics object on the channel.
func (c *Channel) NewGrobj(handle drm.Handle, class uint32) (*Grobj, error) {
	if c.closed {
		return nil, ErrChannelClosed
	}
	if err := c.dev.kernel.CreateObject(c.id, handle, class); err != nil {
		return nil, fmt.Errorf("nouveau: create object %#x: %w", class, err)
	}
	gr := &Grobj{ch: c, handle: handle, class: class, subc: -1}
	c.objects = append(c.objects, gr)
	return gr, nil
}

// Bind makes sure gr is bound to a subchannel.
func (c *Channel) Bind(ctx context.Context, gr *Grobj) error {
	if gr == nil || gr.ch != c {
		return fmt.Errorf("%w: object does not belong to channel %d", ErrInvalidArgument, c.id)
	}
	if c.bound(gr) {
		c.touch(gr.subc)
		return nil
	}
	if !c.pb.atBoundary() {
		return fmt.Errorf("%w: bind inside a method", ErrInvalidState)
	}
	if err := c.Space(ctx, 2, 0, 0); err != nil {
		return err
	}
	c.bind(gr)
	return nil
}

func (c *Channel) bound(gr *Grobj) bool {
	return gr.subc >= 0 && c.subc[gr.subc].gr == gr
}

func (c *Channel) touch(i int) {
	c.bindSeq++
	c.subc[i].used = c.bindSeq
}

// bind binds gr, reusing a free subchannel or evicting the least recently
// used one. The caller has reserved two words.
func (c *Channel) bind(gr *Grobj) {
	if c.bound(gr) {
		c.touch(gr.subc)
		return
	}
	slot := -1
	for i := range c.subc {
		if c.subc[i].gr == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = 0
		for i := 1; i < len(c.subc); i++ {
			if c.subc[i].used < c.subc[slot].used {
				slot = i
			}
		}
		c.subc[slot].gr.subc = -1
	}
	c.subc[slot].gr = gr
	gr.subc = slot
	c.touch(slot)
	c.pb.push(nvhw.Header(slot, nvhw.MethodObject, 1))
	c.pb.push(uint32(gr.handle))
}

// Sync waits until the channel has executed everything submitted so far,
// using the M2MF notifier rather than fences. A channel that does not
// complete within the device wait timeout is reported as hung.
func (c *Channel) Sync(ctx context.Context) error {
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.Space(ctx, 6, 0, 0); err != nil {
		return err
	}
	c.notify.Reset()
	if err := c.Begin(ctx, c.m2mf, nvhw.MethodNotify, 1); err != nil {
		return err
	}
	c.Out(0)
	if err := c.Begin(ctx, c.m2mf, nvhw.MethodNOP, 1); err != nil {
		return err
	}
	c.Out(0)
	if err := c.Flush(ctx, 0); err != nil {
		return err
	}
	err := c.notify.WaitStatus(ctx, drm.NotifyStatusCompleted, c.dev.opts.waitTimeout)
	if errors.Is(err, ErrTimeout) {
		slogger().Warn("nouveau: channel did not complete sync", "channel", c.id)
		return fmt.Errorf("%w: %w", ErrHung, err)
	}
	c.update()
	return err
}

// Free flushes outstanding work, waits for it, and destroys the channel.
// Fences that can no longer signal are orphaned and report
// ErrChannelClosed from Wait.
func (c *Channel) Free(ctx context.Context) error {
	if c.closed {
		return nil
	}
	var errs []error
	if c.pb.atBoundary() {
		if err := c.Flush(ctx, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if n := len(c.emitted); n > 0 {
		if err := c.emitted[n-1].Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.update()

	c.teardown()

	c.dev.mu.Lock()
	delete(c.dev.channels, c)
	c.dev.mu.Unlock()

	slogger().Info("nouveau: channel closed", "channel", c.id)
	return errors.Join(errs...)
}

// teardown abandons everything still queued and releases the channel's
// kernel resources. Storage whose release waited on an abandoned fence is
// freed after the kernel has dropped the channel's work.
func (c *Channel) teardown() {
	c.closed = true
	var releases []func()
	for _, f := range c.emitted {
		releases = append(releases, f.orphan()...)
		slogger().Warn("nouveau: fence abandoned", "channel", c.id, "seq", f.seq)
	}
	c.emitted = nil

	pb := &c.pb
	for _, r := range pb.refs {
		r.bo.pending = nil
		r.bo.scratch = nil
	}
	holds := slices.Clone(pb.refs)
	for _, f := range pb.fences {
		releases = append(releases, f.orphan()...)
	}
	if pb.batch != nil {
		releases = append(releases, pb.batch.orphan()...)
	}
	pb.reset()

	if err := c.dev.kernel.FreeChannel(c.id); err != nil {
		slogger().Warn("nouveau: free channel failed", "channel", c.id, "err", err)
	}
	for _, fn := range releases {
		fn()
	}
	for _, r := range holds {
		r.bo.Unref()
	}

	if c.staging != nil {
		c.staging.Unref()
		c.staging = nil
	}
	if c.scratchBO != nil {
		c.scratchBO.Unref()
		c.scratchBO = nil
	}
	if c.heap != nil {
		c.heap.Intervals(func(iv *heap.Interval) {
			if u, ok := iv.Priv.(*scratchUse); ok && u.bo.scratch == u {
				u.bo.scratch = nil
			}
		})
		c.heap = nil
	}
}
