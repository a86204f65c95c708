package nouveau

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/nouveau/drm"
)

// Notifier is a notifier block in the channel's notifier memory. The
// executor writes a timestamp, a return value and a status word into it
// when a NOTIFY method completes.
type Notifier struct {
	ch     *Channel
	handle drm.Handle
	mem    *drm.Shared
	word   int
}

// NewNotifier allocates a notifier block and its DMA object.
func (c *Channel) NewNotifier(handle drm.Handle) (*Notifier, error) {
	if c.closed {
		return nil, ErrChannelClosed
	}
	off, err := c.dev.kernel.AllocNotifier(c.id, handle, 1)
	if err != nil {
		return nil, fmt.Errorf("nouveau: alloc notifier: %w", err)
	}
	word := int(off / 4)
	if c.notifiers == nil || word+drm.NotifierStride/4 > c.notifiers.Len() {
		return nil, fmt.Errorf("%w: notifier offset %#x outside notifier memory", ErrInvalidState, off)
	}
	return &Notifier{ch: c, handle: handle, mem: c.notifiers, word: word}, nil
}

// Handle returns the notifier DMA object handle.
func (n *Notifier) Handle() drm.Handle { return n.handle }

// Reset marks the block as in process.
func (n *Notifier) Reset() {
	n.mem.Store(n.word+drm.NotifyTime0, 0)
	n.mem.Store(n.word+drm.NotifyTime1, 0)
	n.mem.Store(n.word+drm.NotifyReturnValue, 0)
	n.mem.Store(n.word+drm.NotifyState, drm.NotifyStatusInProcess<<drm.NotifyStatusShift)
}

// Status returns the status byte.
func (n *Notifier) Status() uint32 {
	return n.mem.Load(n.word+drm.NotifyState) >> drm.NotifyStatusShift
}

// ReturnValue returns the value written by the executor.
func (n *Notifier) ReturnValue() uint32 {
	return n.mem.Load(n.word + drm.NotifyReturnValue)
}

// Time returns the completion timestamp in nanoseconds.
func (n *Notifier) Time() uint64 {
	return uint64(n.mem.Load(n.word+drm.NotifyTime1))<<32 | uint64(n.mem.Load(n.word+drm.NotifyTime0))
}

// WaitStatus polls until the status byte equals status. Timeout zero uses
// the device wait timeout.
func (n *Notifier) WaitStatus(ctx context.Context, status uint32, timeout time.Duration) error {
	c := n.ch
	if c.closed {
		return ErrChannelClosed
	}
	if timeout <= 0 {
		timeout = c.dev.opts.waitTimeout
	}
	done := func() bool {
		c.update()
		return n.Status() == status
	}
	return c.pollUntil(ctx, timeout, done, func() bool { return c.closed })
}
