package nvhw

import (
	"errors"
	"fmt"

	"github.com/gogpu/nouveau/drm"
)

// Decoder errors.
var (
	ErrBadHeader     = errors.New("nvhw: malformed method header")
	ErrTruncated     = errors.New("nvhw: batch ends inside a method")
	ErrUnboundSubc   = errors.New("nvhw: method on unbound subchannel")
	ErrUnknownObject = errors.New("nvhw: unknown object handle")
	ErrBadMethod     = errors.New("nvhw: invalid method for class")
)

// Copy is one memory-to-memory transfer decoded from the M2MF methods.
type Copy struct {
	SrcDMA, DstDMA     drm.Handle
	Src, Dst           uint64
	SrcPitch, DstPitch uint32
	LineLength         uint32
	LineCount          uint32
	Format             uint32
}

// Engine executes the side effects of a command stream.
type Engine interface {
	// Copy performs an M2MF transfer.
	Copy(c Copy) error

	// RefCnt publishes a reference serial.
	RefCnt(serial uint32)

	// Notify completes the notifier block at the given word offset.
	Notify(word int)
}

// Object is a channel object known to the decoder.
type Object struct {
	Class uint32

	// Notifier objects carry the word offset of their block.
	Notifier bool
	Word     int
}

type m2mfState struct {
	notify        drm.Handle
	dmaIn, dmaOut drm.Handle
	in, out       uint64
	pitchIn       uint32
	pitchOut      uint32
	lineLength    uint32
	lineCount     uint32
	format        uint32
}

// Machine tracks per-channel decoder state across batches: object table,
// subchannel bindings and M2MF registers.
//
// A Machine is not safe for concurrent use.
type Machine struct {
	objects map[drm.Handle]Object
	bound   [SubchannelCount]drm.Handle
	isBound [SubchannelCount]bool
	m2mf    m2mfState
	pending bool
}

// NewMachine returns a machine with an empty object table.
func NewMachine() *Machine {
	return &Machine{objects: make(map[drm.Handle]Object)}
}

// AddObject registers a graphics or DMA object.
func (m *Machine) AddObject(h drm.Handle, class uint32) error {
	if _, ok := m.objects[h]; ok {
		return fmt.Errorf("%w: handle %#x already exists", drm.ErrInvalidArgument, uint32(h))
	}
	m.objects[h] = Object{Class: class}
	return nil
}

// AddNotifier registers a notifier DMA object whose block starts at word.
func (m *Machine) AddNotifier(h drm.Handle, word int) error {
	if _, ok := m.objects[h]; ok {
		return fmt.Errorf("%w: handle %#x already exists", drm.ErrInvalidArgument, uint32(h))
	}
	m.objects[h] = Object{Class: ClassDMAInMemory, Notifier: true, Word: word}
	return nil
}

// Object looks up a registered object.
func (m *Machine) Object(h drm.Handle) (Object, bool) {
	o, ok := m.objects[h]
	return o, ok
}

// Execute decodes words and applies every method to e. Decoding stops at
// the first error; methods before it have already taken effect.
func (m *Machine) Execute(words []uint32, e Engine) error {
	for i := 0; i < len(words); {
		h := words[i]
		i++
		if h == 0 {
			continue
		}
		subc, mthd, size, ok := DecodeHeader(h)
		if !ok {
			return fmt.Errorf("%w: %#08x at word %d", ErrBadHeader, h, i-1)
		}
		if i+size > len(words) {
			return fmt.Errorf("%w: header %#08x wants %d words, %d left", ErrTruncated, h, size, len(words)-i)
		}
		for j := 0; j < size; j++ {
			if err := m.method(subc, mthd+uint32(4*j), words[i+j], e); err != nil {
				return err
			}
		}
		i += size
	}
	return nil
}

func (m *Machine) method(subc int, mthd, data uint32, e Engine) error {
	switch mthd {
	case MethodObject:
		h := drm.Handle(data)
		if _, ok := m.objects[h]; !ok {
			return fmt.Errorf("%w: bind %#x", ErrUnknownObject, data)
		}
		m.bound[subc] = h
		m.isBound[subc] = true
		return nil
	case MethodRefCnt:
		e.RefCnt(data)
		return nil
	}

	if !m.isBound[subc] {
		return fmt.Errorf("%w: subchannel %d method %#x", ErrUnboundSubc, subc, mthd)
	}
	obj := m.objects[m.bound[subc]]
	switch obj.Class {
	case ClassNull:
		return nil
	case ClassM2MF, ClassM2MFNV50:
		return m.m2mfMethod(mthd, data, e)
	}
	return fmt.Errorf("%w: class %#x method %#x", ErrBadMethod, obj.Class, mthd)
}

func (m *Machine) m2mfMethod(mthd, data uint32, e Engine) error {
	s := &m.m2mf
	switch mthd {
	case MethodNOP:
		if m.pending {
			m.pending = false
			n, ok := m.objects[s.notify]
			if !ok || !n.Notifier {
				return fmt.Errorf("%w: notify through %#x", ErrUnknownObject, uint32(s.notify))
			}
			e.Notify(n.Word)
		}
	case MethodNotify:
		m.pending = true
	case M2MFDmaNotify:
		s.notify = drm.Handle(data)
	case M2MFDmaBufferIn:
		s.dmaIn = drm.Handle(data)
	case M2MFDmaBufferOut:
		s.dmaOut = drm.Handle(data)
	case M2MFOffsetInHigh:
		s.in = uint64(data)<<32 | s.in&0xffffffff
	case M2MFOffsetOutHigh:
		s.out = uint64(data)<<32 | s.out&0xffffffff
	case M2MFOffsetIn:
		s.in = s.in&^0xffffffff | uint64(data)
	case M2MFOffsetOut:
		s.out = s.out&^0xffffffff | uint64(data)
	case M2MFPitchIn:
		s.pitchIn = data
	case M2MFPitchOut:
		s.pitchOut = data
	case M2MFLineLengthIn:
		s.lineLength = data
	case M2MFLineCount:
		s.lineCount = data
	case M2MFFormat:
		s.format = data
	case M2MFBufferNotify:
		c := Copy{
			SrcDMA:     s.dmaIn,
			DstDMA:     s.dmaOut,
			Src:        s.in,
			Dst:        s.out,
			SrcPitch:   s.pitchIn,
			DstPitch:   s.pitchOut,
			LineLength: s.lineLength,
			LineCount:  s.lineCount,
			Format:     s.format,
		}
		if err := e.Copy(c); err != nil {
			return err
		}
		// The high offset words latch for a single transfer.
		s.in &= 0xffffffff
		s.out &= 0xffffffff
	default:
		return fmt.Errorf("%w: m2mf method %#x", ErrBadMethod, mthd)
	}
	return nil
}
