package nouveau

import (
	"context"
	"fmt"
	"time"
)

// Fence marks the point at which the GPU has completed every command
// submitted to its channel up to and including one batch.
//
// Sequence numbers follow creation order. The serial written to the
// hardware reference counter is assigned when the fence is emitted, so a
// fence created early but emitted late still signals in submission order.
//
// Lifecycle:
//   - Channel.NewFence creates a fence with one reference, not emitted.
//   - Emit queues the fence into the current batch and flushes.
//   - The fence signals once the channel reports its serial as executed.
//     Callbacks run in registration order, exactly once.
//   - Unref drops a reference. The channel holds one while the fence is
//     emitted but not yet signalled.
//
// Fences belong to a single channel and share its threading rules.
type Fence struct {
	ch        *Channel
	seq       uint64
	serial    uint32
	refs      int
	emitted   bool
	signalled bool
	orphaned  bool
	callbacks []func()

	// releases free storage the GPU may still read. Unlike callbacks they
	// also run when the channel is torn down before the fence signals.
	releases []func()
}

// NewFence creates a fence with the next sequence number for c.
func (c *Channel) NewFence() *Fence {
	c.seq++
	return &Fence{ch: c, seq: c.seq, refs: 1}
}

// Channel returns the owning channel.
func (f *Fence) Channel() *Channel { return f.ch }

// Sequence returns the creation-order sequence number.
func (f *Fence) Sequence() uint64 { return f.seq }

// Ref takes a reference and returns f.
func (f *Fence) Ref() *Fence {
	f.refs++
	return f
}

// Unref drops a reference. A fence whose last reference drops before it is
// emitted is discarded together with its callbacks.
func (f *Fence) Unref() {
	if f.refs <= 0 {
		panic("nouveau: fence reference count underflow")
	}
	f.refs--
	if f.refs == 0 && !f.emitted {
		f.callbacks = nil
		f.runReleases()
	}
}

// Emitted reports whether the fence is part of a submitted batch.
func (f *Fence) Emitted() bool { return f.emitted }

// Signalled reports whether the GPU has passed the fence. It polls the
// channel, so callbacks of this or earlier fences may run before it returns.
func (f *Fence) Signalled() bool {
	if !f.signalled && f.emitted && !f.orphaned {
		f.ch.update()
	}
	return f.signalled
}

// OnSignal registers fn to run when the fence signals. If the fence has
// already signalled, fn runs immediately on the calling goroutine.
func (f *Fence) OnSignal(fn func()) {
	if f.signalled {
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
}

// onRelease registers fn to free storage once the GPU is done with it:
// when the fence signals, or when its channel is torn down first.
func (f *Fence) onRelease(fn func()) {
	if f.signalled {
		fn()
		return
	}
	f.releases = append(f.releases, fn)
}

func (f *Fence) runReleases() {
	rs := f.releases
	f.releases = nil
	for _, fn := range rs {
		fn()
	}
}

// orphan marks a fence that can no longer signal. Callbacks are dropped;
// the pending releases are returned for the caller to run once the kernel
// has abandoned the channel.
func (f *Fence) orphan() []func() {
	f.orphaned = true
	f.callbacks = nil
	rs := f.releases
	f.releases = nil
	return rs
}

// Emit queues the fence into the channel's current batch and flushes it.
// Emitting an emitted fence does nothing.
func (f *Fence) Emit(ctx context.Context) error {
	if f.emitted {
		return nil
	}
	c := f.ch
	if c.closed {
		return ErrChannelClosed
	}
	if f != c.pb.batch {
		c.pb.attach(f)
	}
	return c.Flush(ctx, 0)
}

// Wait blocks until the fence signals, ctx is done, or the device wait
// timeout elapses. An unemitted fence is emitted first so the wait cannot
// depend on work that was never submitted.
func (f *Fence) Wait(ctx context.Context) error {
	if f.signalled {
		return nil
	}
	c := f.ch
	if f.orphaned || c.closed {
		return ErrChannelClosed
	}
	if !f.emitted {
		if err := f.Emit(ctx); err != nil {
			return err
		}
	}
	c.dev.stats.waits.Add(1)
	return c.pollUntil(ctx, c.dev.opts.waitTimeout, f.Signalled, func() bool { return f.orphaned })
}

// signal runs the callbacks in registration order. The list is detached
// first so callbacks may register further callbacks on other fences.
func (f *Fence) signal() {
	f.signalled = true
	cbs := f.callbacks
	f.callbacks = nil
	for _, fn := range cbs {
		fn()
	}
	f.runReleases()
}

// String implements fmt.Stringer.
func (f *Fence) String() string {
	state := "pending"
	switch {
	case f.signalled:
		state = "signalled"
	case f.orphaned:
		state = "orphaned"
	case f.emitted:
		state = "emitted"
	}
	return fmt.Sprintf("Fence[ch=%d seq=%d serial=%d %s]", f.ch.id, f.seq, f.serial, state)
}

// pollUntil polls the channel until done returns true. abandoned reports
// that progress can no longer happen.
func (c *Channel) pollUntil(ctx context.Context, limit time.Duration, done, abandoned func() bool) error {
	if done() {
		return nil
	}
	timeout := time.NewTimer(limit)
	defer timeout.Stop()
	tick := time.NewTicker(c.dev.opts.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			if done() {
				return nil
			}
			return ErrTimeout
		case <-tick.C:
			if done() {
				return nil
			}
			if abandoned() {
				return ErrChannelClosed
			}
		}
	}
}
