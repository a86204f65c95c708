package nouveau

import (
	"context"
	"fmt"
	"math"

	"github.com/gogpu/nouveau/internal/nvhw"
)

// maxCopyLines bounds the line count of a single M2MF transfer.
const maxCopyLines = 2047

// copyWords is the worst case word count of one transfer: a bind, the DMA
// objects, the NV50 high offsets, and the offset block.
const copyWords = 2 + 3 + 3 + 9

// Copy queues an M2MF transfer of lines lines of lineLen bytes from src to
// dst. Offsets are resolved at flush time through relocations, so either
// buffer may still migrate before the batch is submitted.
func (c *Channel) Copy(ctx context.Context, dst *BO, dstOff uint64, dstPitch uint32,
	src *BO, srcOff uint64, srcPitch uint32, lineLen uint32, lines int) error {
	if c.closed {
		return ErrChannelClosed
	}
	if dst == nil || src == nil || lines < 0 {
		return fmt.Errorf("%w: copy", ErrInvalidArgument)
	}
	if lines == 0 || lineLen == 0 {
		return nil
	}
	if err := checkSpan(src, srcOff, srcPitch, lineLen, lines); err != nil {
		return err
	}
	if err := checkSpan(dst, dstOff, dstPitch, lineLen, lines); err != nil {
		return err
	}

	nv50 := nvhw.IsNV50(c.dev.opts.chipset)
	for lines > 0 {
		n := min(lines, maxCopyLines)
		if err := c.copyChunk(ctx, nv50, dst, dstOff, dstPitch, src, srcOff, srcPitch, lineLen, n); err != nil {
			return err
		}
		srcOff += uint64(n) * uint64(srcPitch)
		dstOff += uint64(n) * uint64(dstPitch)
		lines -= n
	}
	return nil
}

func (c *Channel) copyChunk(ctx context.Context, nv50 bool, dst *BO, dstOff uint64, dstPitch uint32,
	src *BO, srcOff uint64, srcPitch uint32, lineLen uint32, lines int) error {
	if err := c.Space(ctx, copyWords, 6, 2); err != nil {
		return err
	}
	// Reference both buffers at a method boundary, where validation may
	// still force a flush.
	if err := c.EmitBuffer(ctx, src, FlagRD); err != nil {
		return err
	}
	if err := c.EmitBuffer(ctx, dst, FlagWR); err != nil {
		return err
	}

	vram, gart := uint32(c.vram), uint32(c.gart)
	if err := c.Begin(ctx, c.m2mf, nvhw.M2MFDmaBufferIn, 2); err != nil {
		return err
	}
	if err := c.EmitReloc(ctx, src, 0, FlagRD|FlagOR, vram, gart); err != nil {
		return err
	}
	if err := c.EmitReloc(ctx, dst, 0, FlagWR|FlagOR, vram, gart); err != nil {
		return err
	}

	if nv50 {
		if err := c.Begin(ctx, c.m2mf, nvhw.M2MFOffsetInHigh, 2); err != nil {
			return err
		}
		if err := c.EmitReloc(ctx, src, uint32(srcOff), FlagRD|FlagHigh, 0, 0); err != nil {
			return err
		}
		if err := c.EmitReloc(ctx, dst, uint32(dstOff), FlagWR|FlagHigh, 0, 0); err != nil {
			return err
		}
	}

	if err := c.Begin(ctx, c.m2mf, nvhw.M2MFOffsetIn, 8); err != nil {
		return err
	}
	if err := c.EmitReloc(ctx, src, uint32(srcOff), FlagRD|FlagLow, 0, 0); err != nil {
		return err
	}
	if err := c.EmitReloc(ctx, dst, uint32(dstOff), FlagWR|FlagLow, 0, 0); err != nil {
		return err
	}
	c.Out(srcPitch)
	c.Out(dstPitch)
	c.Out(lineLen)
	c.Out(uint32(lines))
	c.Out(nvhw.M2MFFormatLinear)
	c.Out(0)
	return nil
}

// checkSpan verifies that a pitched region lies inside b. Relocation data
// words carry 32-bit offsets.
func checkSpan(b *BO, off uint64, pitch, lineLen uint32, lines int) error {
	end := off + uint64(lines-1)*uint64(pitch) + uint64(lineLen)
	if off > math.MaxUint32 || end > b.size || end < off {
		return fmt.Errorf("%w: region %#x+%d lines of %d (pitch %d) outside %d-byte buffer",
			ErrInvalidArgument, off, lines, lineLen, pitch, b.size)
	}
	return nil
}

// stagingBuffer returns the channel's GART staging buffer.
func (c *Channel) stagingBuffer(ctx context.Context) (*BO, error) {
	if c.staging != nil {
		return c.staging, nil
	}
	b, err := c.dev.NewBO(ctx, FlagGART|FlagMap, 0, c.dev.opts.stagingSize)
	if err != nil {
		return nil, fmt.Errorf("nouveau: staging buffer: %w", err)
	}
	c.staging = b
	return b, nil
}

// stagingLines returns how many lines of lineLen bytes fit the staging
// buffer at once.
func (c *Channel) stagingLines(lineLen uint32) (int, error) {
	n := c.dev.opts.stagingSize / uint64(lineLen)
	if n == 0 {
		return 0, fmt.Errorf("%w: line of %d bytes exceeds %d-byte staging buffer",
			ErrInvalidArgument, lineLen, c.dev.opts.stagingSize)
	}
	return int(min(n, maxCopyLines)), nil
}

// Upload copies tightly packed lines from data into dst at dstOff with
// dstPitch, staging through host-mapped memory.
func (c *Channel) Upload(ctx context.Context, dst *BO, dstOff uint64, dstPitch uint32,
	data []byte, lineLen uint32, lines int) error {
	if c.closed {
		return ErrChannelClosed
	}
	if lines <= 0 || lineLen == 0 {
		return nil
	}
	if uint64(len(data)) < uint64(lineLen)*uint64(lines) {
		return fmt.Errorf("%w: %d bytes for %d lines of %d", ErrInvalidArgument, len(data), lines, lineLen)
	}
	if err := checkSpan(dst, dstOff, dstPitch, lineLen, lines); err != nil {
		return err
	}
	per, err := c.stagingLines(lineLen)
	if err != nil {
		return err
	}
	staging, err := c.stagingBuffer(ctx)
	if err != nil {
		return err
	}

	for lines > 0 {
		n := min(lines, per)
		size := int(lineLen) * n
		buf, err := staging.Map(ctx, FlagWR)
		if err != nil {
			return err
		}
		copy(buf, data[:size])
		if err := staging.Unmap(); err != nil {
			return err
		}
		if err := c.Copy(ctx, dst, dstOff, dstPitch, staging, 0, lineLen, lineLen, n); err != nil {
			return err
		}
		data = data[size:]
		dstOff += uint64(n) * uint64(dstPitch)
		lines -= n
	}
	return c.Flush(ctx, 0)
}

// Download copies lines from src at srcOff with srcPitch into out, packed
// tightly, and returns once the data has arrived.
func (c *Channel) Download(ctx context.Context, src *BO, srcOff uint64, srcPitch uint32,
	out []byte, lineLen uint32, lines int) error {
	if c.closed {
		return ErrChannelClosed
	}
	if lines <= 0 || lineLen == 0 {
		return nil
	}
	if uint64(len(out)) < uint64(lineLen)*uint64(lines) {
		return fmt.Errorf("%w: %d bytes for %d lines of %d", ErrInvalidArgument, len(out), lines, lineLen)
	}
	if err := checkSpan(src, srcOff, srcPitch, lineLen, lines); err != nil {
		return err
	}
	per, err := c.stagingLines(lineLen)
	if err != nil {
		return err
	}
	staging, err := c.stagingBuffer(ctx)
	if err != nil {
		return err
	}

	for lines > 0 {
		n := min(lines, per)
		size := int(lineLen) * n
		if err := c.Copy(ctx, staging, 0, lineLen, src, srcOff, srcPitch, lineLen, n); err != nil {
			return err
		}
		buf, err := staging.Map(ctx, FlagRD)
		if err != nil {
			return err
		}
		copy(out[:size], buf)
		if err := staging.Unmap(); err != nil {
			return err
		}
		out = out[size:]
		srcOff += uint64(n) * uint64(srcPitch)
		lines -= n
	}
	return nil
}
