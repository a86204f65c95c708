package nouveau

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/nouveau/internal/heap"
)

// scratchAlign is the placement alignment inside the scratch heap.
const scratchAlign = 64

// scratchUse is a user buffer's placement in a channel's scratch heap.
// While it is attached (bo.scratch == u) the GPU addresses the buffer
// through the interval instead of the user memory.
type scratchUse struct {
	ch    *Channel
	bo    *BO
	iv    *heap.Interval
	write bool
}

// Validate makes bo GPU resident for use on c. User buffers are first
// tried in the scratch heap; everything else, and user buffers the heap
// cannot hold, go through SetStatus with one forced flush on ErrNoSpace.
// The placement flags in flags take precedence over the creation flags.
func (c *Channel) Validate(ctx context.Context, bo *BO, flags Flags) error {
	if c.closed {
		return ErrChannelClosed
	}
	if bo.dead {
		return fmt.Errorf("%w: buffer released", ErrInvalidState)
	}
	if bo.store.kind == storeUser {
		ok, err := c.placeScratch(ctx, bo, flags&FlagWR != 0)
		if err != nil || ok {
			return err
		}
	}

	want := flags & FlagDomains
	if want&FlagMem == 0 {
		want |= bo.flags & FlagDomains
	}
	if want&FlagMem == 0 {
		if bo.user {
			want |= FlagGART
		} else {
			want |= FlagMem
		}
	}
	err := retryOnce(
		func() error { return bo.setStatus(ctx, want) },
		isNoSpace,
		func() error { return c.forceFlush(ctx) },
	)
	if err != nil {
		return err
	}
	return bo.pin()
}

// placeScratch copies a user buffer into the scratch heap, gated on the
// batch being accumulated. It reports false when the buffer should take
// the regular path instead.
func (c *Channel) placeScratch(ctx context.Context, bo *BO, write bool) (bool, error) {
	if c.heap == nil || bo.size == 0 || bo.size > c.heap.Size() {
		return false, nil
	}
	if u := bo.scratch; u != nil && u.ch == c && u.iv.Gate() == c.pb.batch && c.pb.batch != nil {
		u.write = u.write || write
		return true, nil
	}
	// Earlier GPU writes land in the user memory when their interval is
	// released, so wait for them before taking a fresh copy.
	if err := waitFence(ctx, bo.writeFence); err != nil {
		return false, err
	}

	u := &scratchUse{ch: c, bo: bo, write: write}
	alloc := func() error {
		iv, err := c.heap.Alloc(bo.size, scratchAlign, c.batchFence(), u)
		if errors.Is(err, heap.ErrNoSpace) {
			return ErrNoSpace
		}
		u.iv = iv
		return err
	}
	progress := func() error {
		if c.heap.MaxReclaimable() < bo.size {
			return errNoProgress
		}
		c.dev.stats.scratchRetries.Add(1)
		return c.forceFlush(ctx)
	}
	if err := retryOnce(alloc, isNoSpace, progress); err != nil {
		if !errors.Is(err, ErrNoSpace) {
			return false, err
		}
		c.dev.stats.scratchMisses.Add(1)
		slogger().Debug("nouveau: scratch heap full, using regular placement",
			"channel", c.id, "size", bo.size, "heap", c.heap.Stats())
		return false, nil
	}

	copy(c.scratchBO.store.data[u.iv.Start:u.iv.End()], bo.store.data[:bo.size])
	bo.scratch = u
	c.dev.stats.scratchHits.Add(1)
	return true, nil
}

// releaseScratch runs when a scratch interval's fence signals. GPU writes
// to an attached placement are copied back to the user memory.
func (c *Channel) releaseScratch(iv *heap.Interval) {
	u, ok := iv.Priv.(*scratchUse)
	if !ok || u.bo.scratch != u {
		return
	}
	if u.write && u.bo.store.kind == storeUser && c.scratchBO != nil {
		copy(u.bo.store.data[:u.bo.size], c.scratchBO.store.data[iv.Start:iv.End()])
	}
	u.bo.scratch = nil
}
