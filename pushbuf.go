package nouveau

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/nvhw"
)

// trailerWords is the room every batch keeps for its reference counter
// update.
const trailerWords = 2

type pbState uint8

const (
	pbIdle pbState = iota
	pbAccumulating
	pbFlushing
)

func (s pbState) String() string {
	switch s {
	case pbIdle:
		return "Idle"
	case pbAccumulating:
		return "Accumulating"
	case pbFlushing:
		return "Flushing"
	default:
		return fmt.Sprintf("pbState(%d)", uint8(s))
	}
}

// bufRef is one entry of the buffer reference table. flags accumulates the
// access of every reference made before the flush.
type bufRef struct {
	bo    *BO
	flags Flags
}

// pushbuf is the per-channel command accumulator.
type pushbuf struct {
	words    []uint32
	capacity int

	// open counts the data words still owed to the current method.
	open int

	refs   []bufRef
	relocs []Reloc

	// fences were attached by Fence.Emit and ride along with the batch.
	fences []*Fence

	// batch is the fence that will be stamped on this generation. It is
	// created lazily so scratch placements can be gated on it.
	batch *Fence

	state pbState
}

func newPushbuf(words int) pushbuf {
	return pushbuf{
		words:    make([]uint32, 0, words),
		capacity: words - trailerWords,
	}
}

func (pb *pushbuf) remaining() int { return pb.capacity - len(pb.words) }

func (pb *pushbuf) empty() bool {
	return len(pb.words) == 0 && len(pb.refs) == 0 && len(pb.fences) == 0
}

func (pb *pushbuf) atBoundary() bool { return pb.open == 0 }

func (pb *pushbuf) mustAccumulate() {
	if pb.state == pbFlushing {
		panic("nouveau: pushbuffer modified during flush")
	}
}

func (pb *pushbuf) push(v uint32) {
	pb.mustAccumulate()
	pb.words = append(pb.words, v)
	pb.state = pbAccumulating
}

// attach queues f with the batch, taking the channel's reference.
func (pb *pushbuf) attach(f *Fence) {
	pb.mustAccumulate()
	if slices.Contains(pb.fences, f) {
		return
	}
	pb.fences = append(pb.fences, f.Ref())
	pb.state = pbAccumulating
}

func (pb *pushbuf) reset() {
	clear(pb.refs)
	clear(pb.relocs)
	clear(pb.fences)
	pb.words = pb.words[:0]
	pb.refs = pb.refs[:0]
	pb.relocs = pb.relocs[:0]
	pb.fences = pb.fences[:0]
	pb.batch = nil
	pb.open = 0
	pb.state = pbIdle
}

// batchFence returns the fence of the batch being accumulated.
func (c *Channel) batchFence() *Fence {
	if c.pb.batch == nil {
		c.pb.batch = c.NewFence()
	}
	return c.pb.batch
}

// Remaining returns the free command words in the pushbuffer.
func (c *Channel) Remaining() int { return c.pb.remaining() }

// Space makes room for words command words, relocs relocations and bufs
// buffer references. If the pushbuffer is too full it is flushed once and
// the check repeated. A request larger than an empty pushbuffer fails
// with ErrNoSpace without flushing.
func (c *Channel) Space(ctx context.Context, words, relocs, bufs int) error {
	if c.closed {
		return ErrChannelClosed
	}
	c.pb.mustAccumulate()
	o := &c.dev.opts
	if words > c.pb.capacity || relocs > o.maxRelocs || bufs > o.maxBuffers {
		return fmt.Errorf("%w: request for %d words, %d relocs, %d buffers exceeds channel capacity",
			ErrNoSpace, words, relocs, bufs)
	}
	fits := func() error {
		pb := &c.pb
		if pb.remaining() < words || len(pb.relocs)+relocs > o.maxRelocs || len(pb.refs)+bufs > o.maxBuffers {
			return ErrNoSpace
		}
		return nil
	}
	return retryOnce(fits, isNoSpace, func() error { return c.forceFlush(ctx) })
}

// Begin starts a method of size data words on gr, binding gr to a
// subchannel first if needed. The data words follow with Out and EmitReloc.
func (c *Channel) Begin(ctx context.Context, gr *Grobj, mthd uint32, size int) error {
	if gr == nil || gr.ch != c {
		return fmt.Errorf("%w: object does not belong to channel %d", ErrInvalidArgument, c.id)
	}
	if size < 0 || size > nvhw.MaxMethodWords {
		return fmt.Errorf("%w: method size %d", ErrInvalidArgument, size)
	}
	if !c.pb.atBoundary() {
		return fmt.Errorf("%w: method started with %d words outstanding", ErrInvalidState, c.pb.open)
	}
	need := size + 1
	if !c.bound(gr) {
		need += 2
	}
	if err := c.Space(ctx, need, 0, 0); err != nil {
		return err
	}
	c.bind(gr)
	c.pb.push(nvhw.Header(gr.subc, mthd, size))
	c.pb.open = size
	return nil
}

// Out appends one data word to the current method.
func (c *Channel) Out(v uint32) {
	if c.pb.open == 0 {
		panic("nouveau: data word outside a method")
	}
	c.pb.push(v)
	c.pb.open--
}

// EmitReloc appends a data word whose value depends on where bo resides at
// flush time, and references bo with the access bits in flags.
//
// EmitReloc runs inside an open method, where the batch cannot be split, so
// a full relocation table is not flushed and retried: it fails with
// ErrNoSpace. Reserve room with Space before Begin.
func (c *Channel) EmitReloc(ctx context.Context, bo *BO, data uint32, flags Flags, vor, tor uint32) error {
	if c.pb.open == 0 {
		return fmt.Errorf("%w: relocation outside a method", ErrInvalidState)
	}
	if len(c.pb.relocs) >= c.dev.opts.maxRelocs {
		return fmt.Errorf("%w: relocation table full", ErrNoSpace)
	}
	if err := c.EmitBuffer(ctx, bo, flags); err != nil {
		return err
	}
	c.pb.relocs = append(c.pb.relocs, Reloc{
		Slot:  len(c.pb.words),
		BO:    bo,
		Data:  data,
		Flags: flags,
		Vor:   vor,
		Tor:   tor,
	})
	c.Out(data)
	return nil
}

// EmitBuffer references bo from the batch being accumulated. A buffer is
// listed once per batch; later references add their access bits. The
// first reference validates the buffer for this channel and holds a
// reference on it until the flush.
func (c *Channel) EmitBuffer(ctx context.Context, bo *BO, flags Flags) error {
	if c.closed {
		return ErrChannelClosed
	}
	if bo == nil || bo.dev != c.dev {
		return fmt.Errorf("%w: buffer does not belong to this device", ErrInvalidArgument)
	}
	if bo.dead {
		return fmt.Errorf("%w: buffer released", ErrInvalidState)
	}
	c.pb.mustAccumulate()
	access := flags & FlagRDWR
	if access == 0 {
		access = FlagRD
	}

	if p := bo.pending; p != nil {
		if p.ch == c {
			c.pb.refs[p.index].flags |= access
			if u := bo.scratch; u != nil && access&FlagWR != 0 {
				u.write = true
			}
			return nil
		}
		if err := p.ch.Flush(ctx, 0); err != nil {
			return err
		}
	}

	full := func() error {
		if len(c.pb.refs) >= c.dev.opts.maxBuffers {
			return fmt.Errorf("%w: buffer table full", ErrNoSpace)
		}
		return nil
	}
	if err := retryOnce(full, isNoSpace, func() error { return c.forceFlush(ctx) }); err != nil {
		return err
	}
	if err := c.Validate(ctx, bo, flags); err != nil {
		return err
	}
	bo.pending = &pendingRef{ch: c, index: len(c.pb.refs)}
	c.pb.refs = append(c.pb.refs, bufRef{bo: bo.Ref(), flags: access})
	c.pb.state = pbAccumulating
	return nil
}

// Flush submits the accumulated batch when fewer than minFree words are
// left, or unconditionally when minFree is zero. An empty pushbuffer is not
// submitted.
//
// Flush patches every relocation against its buffer's final placement,
// appends the reference counter update, submits, then stamps the batch
// fence on every referenced buffer and drops the pushbuffer's holds.
// A method that is still open cannot be flushed.
func (c *Channel) Flush(ctx context.Context, minFree int) error {
	if c.closed {
		return ErrChannelClosed
	}
	pb := &c.pb
	if pb.state == pbFlushing {
		panic("nouveau: flush re-entered")
	}
	if minFree > 0 && pb.remaining() >= minFree {
		return nil
	}
	if pb.empty() {
		return nil
	}
	if !pb.atBoundary() {
		return fmt.Errorf("%w: flush with %d method words outstanding", ErrInvalidState, pb.open)
	}

	pb.state = pbFlushing
	for _, r := range pb.relocs {
		d, off, err := r.BO.gpuPlacement()
		if err != nil {
			pb.state = pbAccumulating
			return err
		}
		pb.words[r.Slot] = r.Value(d, off)
	}

	batch := c.batchFence()
	serial := c.serial + 1
	pb.words = append(pb.words, nvhw.Header(0, nvhw.MethodRefCnt, 1), serial)
	if err := c.dev.kernel.Submit(c.id, pb.words, c.submitTable()); err != nil {
		pb.words = pb.words[:len(pb.words)-trailerWords]
		pb.state = pbAccumulating
		return fmt.Errorf("nouveau: submit: %w", err)
	}
	c.serial = serial

	fences := append(slices.Clone(pb.fences), batch)
	slices.SortFunc(fences, func(a, b *Fence) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	for _, f := range fences {
		f.emitted = true
		f.serial = serial
		c.emitted = append(c.emitted, f)
	}

	for _, r := range pb.refs {
		r.bo.stamp(batch, r.flags&FlagWR != 0)
		r.bo.pending = nil
	}
	for _, r := range pb.refs {
		r.bo.Unref()
	}

	c.dev.stats.flushes.Add(1)
	slogger().Debug("nouveau: flush",
		"channel", c.id,
		"serial", serial,
		"words", len(pb.words),
		"buffers", len(pb.refs),
		"relocs", len(pb.relocs))
	pb.reset()
	return nil
}

// forceFlush is the progress step of the bounded retries. It cannot run
// inside an open method.
func (c *Channel) forceFlush(ctx context.Context) error {
	if !c.pb.atBoundary() || c.pb.state == pbFlushing {
		return errNoProgress
	}
	if !c.pb.empty() {
		c.dev.stats.forcedFlushes.Add(1)
		if err := c.Flush(ctx, 0); err != nil {
			return err
		}
	}
	c.update()
	return nil
}

// submitTable builds the kernel buffer table. Buffers placed in the
// scratch heap share one kernel object, so entries are merged by handle.
func (c *Channel) submitTable() []drm.SubmitBuffer {
	table := make([]drm.SubmitBuffer, 0, len(c.pb.refs))
	index := make(map[drm.Handle]int, len(c.pb.refs))
	for _, r := range c.pb.refs {
		h, pl := r.bo.submitHandle()
		i, ok := index[h]
		if !ok {
			i = len(table)
			index[h] = i
			table = append(table, drm.SubmitBuffer{Handle: h, Presumed: pl})
		}
		if r.flags&FlagRD != 0 {
			table[i].ReadDomains |= pl.Domain
		}
		if r.flags&FlagWR != 0 {
			table[i].WriteDomains |= pl.Domain
		}
	}
	return table
}

// update signals every emitted fence whose serial the channel has passed.
func (c *Channel) update() {
	if c.updating || c.closed {
		return
	}
	c.updating = true
	defer func() { c.updating = false }()

	if p, ok := c.dev.kernel.(drm.Poller); ok {
		if err := p.Poll(c.id); err != nil {
			slogger().Warn("nouveau: poll failed", "channel", c.id, "err", err)
		}
	}
	done := c.user.Load(drm.UserRefCnt)
	for len(c.emitted) > 0 {
		f := c.emitted[0]
		if int32(done-f.serial) < 0 {
			break
		}
		c.emitted[0] = nil
		c.emitted = c.emitted[1:]
		f.signal()
		f.Unref()
	}
}
