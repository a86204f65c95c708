package soft

import (
	"fmt"
	"time"

	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/heap"
	"github.com/gogpu/nouveau/internal/nvhw"
)

// engine applies decoded methods to the kernel's memory. It runs with the
// kernel lock held.
type engine struct {
	k  *Kernel
	ch *channel
}

func (e *engine) addressSpace(dma drm.Handle) (*heap.Heap, error) {
	switch dma {
	case e.ch.vram:
		return e.k.vram, nil
	case e.ch.gart:
		return e.k.gart, nil
	}
	return nil, fmt.Errorf("%w: %#x", errBadDMA, uint32(dma))
}

// resolve returns n bytes of memory at addr in sp.
func resolve(sp *heap.Heap, addr uint64, n uint32) ([]byte, error) {
	iv := sp.Find(addr)
	if iv == nil {
		return nil, fmt.Errorf("soft: no buffer at %#x", addr)
	}
	o := iv.Priv.(*object)
	off := addr - iv.Start
	if off+uint64(n) > uint64(len(o.data)) {
		return nil, fmt.Errorf("soft: %d bytes at %#x overrun a %d-byte buffer", n, addr, len(o.data))
	}
	return o.data[off : off+uint64(n)], nil
}

// Copy implements nvhw.Engine.
func (e *engine) Copy(c nvhw.Copy) error {
	if c.Format != nvhw.M2MFFormatLinear {
		return fmt.Errorf("soft: unsupported m2mf format %#x", c.Format)
	}
	src, err := e.addressSpace(c.SrcDMA)
	if err != nil {
		return err
	}
	dst, err := e.addressSpace(c.DstDMA)
	if err != nil {
		return err
	}
	for i := uint64(0); i < uint64(c.LineCount); i++ {
		from, err := resolve(src, c.Src+i*uint64(c.SrcPitch), c.LineLength)
		if err != nil {
			return err
		}
		to, err := resolve(dst, c.Dst+i*uint64(c.DstPitch), c.LineLength)
		if err != nil {
			return err
		}
		copy(to, from)
	}
	return nil
}

// RefCnt implements nvhw.Engine.
func (e *engine) RefCnt(serial uint32) {
	e.ch.user.Store(drm.UserRefCnt, serial)
}

// Notify implements nvhw.Engine.
func (e *engine) Notify(word int) {
	n := e.ch.notifiers
	now := uint64(time.Now().UnixNano())
	n.Store(word+drm.NotifyTime0, uint32(now))
	n.Store(word+drm.NotifyTime1, uint32(now>>32))
	n.Store(word+drm.NotifyReturnValue, 0)
	n.Store(word+drm.NotifyState, drm.NotifyStatusCompleted<<drm.NotifyStatusShift)
}
