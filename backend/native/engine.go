package native

import (
	"fmt"
	"time"

	"github.com/gogpu/nouveau/drm"
	"github.com/gogpu/nouveau/internal/heap"
	"github.com/gogpu/nouveau/internal/nvhw"
	"github.com/gogpu/wgpu/hal"
)

// engine applies decoded methods for one batch. It runs with the kernel
// lock held. Completion effects are collected on the batch and published
// when the queue retires it.
type engine struct {
	k      *Kernel
	ch     *channel
	batch  *inflight
	record bool
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

// resolve returns the buffer holding n bytes at addr in sp and the offset
// of addr within it.
func resolve(sp *heap.Heap, addr uint64, n uint32) (*object, uint64, error) {
	iv := sp.Find(addr)
	if iv == nil {
		return nil, 0, fmt.Errorf("native: no buffer at %#x", addr)
	}
	o := iv.Priv.(*object)
	off := addr - iv.Start
	if off+uint64(n) > o.size {
		return nil, 0, fmt.Errorf("native: %d bytes at %#x overrun a %d-byte buffer", n, addr, o.size)
	}
	return o, off, nil
}

// encoder returns the batch's command encoder, beginning it on first use.
func (e *engine) encoder() (hal.CommandEncoder, error) {
	if e.batch.enc != nil {
		return e.batch.enc, nil
	}
	enc, err := e.k.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "nouveau-batch"})
	if err != nil {
		return nil, fmt.Errorf("native: create encoder: %w", err)
	}
	if err := enc.BeginEncoding("nouveau-batch"); err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	e.batch.enc = enc
	return enc, nil
}

// Copy implements nvhw.Engine.
func (e *engine) Copy(c nvhw.Copy) error {
	if c.Format != nvhw.M2MFFormatLinear {
		return fmt.Errorf("native: unsupported m2mf format %#x", c.Format)
	}
	src, err := e.addressSpace(c.SrcDMA)
	if err != nil {
		return err
	}
	dst, err := e.addressSpace(c.DstDMA)
	if err != nil {
		return err
	}
	var regions map[[2]*object][]hal.BufferCopy
	if e.record {
		regions = make(map[[2]*object][]hal.BufferCopy)
	}
	var order [][2]*object
	for i := uint64(0); i < uint64(c.LineCount); i++ {
		so, soff, err := resolve(src, c.Src+i*uint64(c.SrcPitch), c.LineLength)
		if err != nil {
			return err
		}
		do, doff, err := resolve(dst, c.Dst+i*uint64(c.DstPitch), c.LineLength)
		if err != nil {
			return err
		}
		if !e.record {
			copy(do.data[doff:doff+uint64(c.LineLength)], so.data[soff:soff+uint64(c.LineLength)])
			continue
		}
		key := [2]*object{so, do}
		if _, ok := regions[key]; !ok {
			order = append(order, key)
		}
		regions[key] = append(regions[key], hal.BufferCopy{
			SrcOffset: soff,
			DstOffset: doff,
			Size:      uint64(c.LineLength),
		})
	}
	if !e.record {
		return nil
	}
	enc, err := e.encoder()
	if err != nil {
		return err
	}
	for _, key := range order {
		enc.CopyBufferToBuffer(key[0].buf, key[1].buf, regions[key])
	}
	return nil
}

// RefCnt implements nvhw.Engine.
func (e *engine) RefCnt(serial uint32) {
	e.batch.serial = serial
	e.batch.hasSerial = true
}

// Notify implements nvhw.Engine.
func (e *engine) Notify(word int) {
	e.batch.notifies = append(e.batch.notifies, word)
}

// notify writes a completed notifier block.
func notify(ch *channel, word int) {
	n := ch.notifiers
	now := uint64(time.Now().UnixNano())
	n.Store(word+drm.NotifyTime0, uint32(now))
	n.Store(word+drm.NotifyTime1, uint32(now>>32))
	n.Store(word+drm.NotifyReturnValue, 0)
	n.Store(word+drm.NotifyState, drm.NotifyStatusCompleted<<drm.NotifyStatusShift)
}
