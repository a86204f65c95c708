package nvhw

import (
	"errors"
	"testing"

	"github.com/gogpu/nouveau/drm"
)

type recordingEngine struct {
	copies  []Copy
	serials []uint32
	notify  []int
}

func (e *recordingEngine) Copy(c Copy) error { e.copies = append(e.copies, c); return nil }
func (e *recordingEngine) RefCnt(s uint32)   { e.serials = append(e.serials, s) }
func (e *recordingEngine) Notify(word int)   { e.notify = append(e.notify, word) }

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine()
	for _, o := range []struct {
		h     drm.Handle
		class uint32
	}{
		{HandleDmaFB, ClassDMAInMemory},
		{HandleDmaTT, ClassDMAInMemory},
		{HandleNull, ClassNull},
		{HandleM2MF, ClassM2MF},
	} {
		if err := m.AddObject(o.h, o.class); err != nil {
			t.Fatalf("AddObject(%#x) error = %v", uint32(o.h), err)
		}
	}
	if err := m.AddNotifier(HandleM2MFNotify, 16); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		subc int
		mthd uint32
		size int
	}{
		{0, MethodObject, 1},
		{1, M2MFOffsetIn, 8},
		{7, 0x1ffc, MaxMethodWords},
	}
	for _, tt := range tests {
		h := Header(tt.subc, tt.mthd, tt.size)
		subc, mthd, size, ok := DecodeHeader(h)
		if !ok || subc != tt.subc || mthd != tt.mthd || size != tt.size {
			t.Errorf("DecodeHeader(Header(%d, %#x, %d)) = %d, %#x, %d, %v",
				tt.subc, tt.mthd, tt.size, subc, mthd, size, ok)
		}
	}
	if _, _, _, ok := DecodeHeader(0x20000000); ok {
		t.Error("DecodeHeader accepted a jump header")
	}
}

func TestM2MFClass(t *testing.T) {
	tests := []struct {
		chipset int
		want    uint32
	}{
		{0x04, ClassM2MF},
		{0x10, ClassM2MF},
		{0x40, ClassM2MF},
		{0x50, ClassM2MFNV50},
		{0x84, ClassM2MFNV50},
		{0x92, ClassM2MFNV50},
	}
	for _, tt := range tests {
		if got := M2MFClass(tt.chipset); got != tt.want {
			t.Errorf("M2MFClass(%#x) = %#x, want %#x", tt.chipset, got, tt.want)
		}
	}
}

func TestExecuteCopyAndFence(t *testing.T) {
	m := newTestMachine(t)
	e := &recordingEngine{}

	words := []uint32{
		Header(0, MethodObject, 1), uint32(HandleM2MF),
		Header(0, M2MFDmaNotify, 1), uint32(HandleM2MFNotify),
		Header(0, M2MFDmaBufferIn, 2), uint32(HandleDmaTT), uint32(HandleDmaFB),
		Header(0, M2MFOffsetIn, 8), 0x1000, 0x2000, 64, 128, 32, 4, M2MFFormatLinear, 0,
		Header(0, MethodNotify, 1), 0,
		Header(0, MethodNOP, 1), 0,
		Header(0, MethodRefCnt, 1), 7,
	}
	if err := m.Execute(words, e); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := Copy{
		SrcDMA: HandleDmaTT, DstDMA: HandleDmaFB,
		Src: 0x1000, Dst: 0x2000,
		SrcPitch: 64, DstPitch: 128,
		LineLength: 32, LineCount: 4,
		Format: M2MFFormatLinear,
	}
	if len(e.copies) != 1 || e.copies[0] != want {
		t.Errorf("copies = %+v, want [%+v]", e.copies, want)
	}
	if len(e.serials) != 1 || e.serials[0] != 7 {
		t.Errorf("serials = %v, want [7]", e.serials)
	}
	if len(e.notify) != 1 || e.notify[0] != 16 {
		t.Errorf("notify = %v, want [16]", e.notify)
	}
}

func TestExecuteHighOffsetsLatch(t *testing.T) {
	m := newTestMachine(t)
	e := &recordingEngine{}
	words := []uint32{
		Header(2, MethodObject, 1), uint32(HandleM2MF),
		Header(2, M2MFOffsetInHigh, 2), 1, 2,
		Header(2, M2MFOffsetIn, 8), 0x10, 0x20, 0, 0, 4, 1, M2MFFormatLinear, 0,
		Header(2, M2MFBufferNotify, 1), 0,
	}
	if err := m.Execute(words, e); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(e.copies) != 2 {
		t.Fatalf("copies = %d, want 2", len(e.copies))
	}
	if e.copies[0].Src != 1<<32|0x10 || e.copies[0].Dst != 2<<32|0x20 {
		t.Errorf("first copy offsets = %#x -> %#x", e.copies[0].Src, e.copies[0].Dst)
	}
	if e.copies[1].Src != 0x10 || e.copies[1].Dst != 0x20 {
		t.Errorf("second copy offsets = %#x -> %#x, want high words cleared", e.copies[1].Src, e.copies[1].Dst)
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name  string
		words []uint32
		want  error
	}{
		{"bad header", []uint32{0x40000001}, ErrBadHeader},
		{"truncated", []uint32{Header(0, MethodObject, 2), uint32(HandleM2MF)}, ErrTruncated},
		{"unbound", []uint32{Header(3, M2MFOffsetIn, 1), 0}, ErrUnboundSubc},
		{"unknown object", []uint32{Header(0, MethodObject, 1), 0x1234}, ErrUnknownObject},
		{"dma object method", []uint32{Header(0, MethodObject, 1), uint32(HandleDmaFB), Header(0, 0x200, 1), 0}, ErrBadMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(t)
			err := m.Execute(tt.words, &recordingEngine{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAddObjectDuplicate(t *testing.T) {
	m := newTestMachine(t)
	if err := m.AddObject(HandleM2MF, ClassM2MF); !errors.Is(err, drm.ErrInvalidArgument) {
		t.Errorf("AddObject(duplicate) error = %v, want ErrInvalidArgument", err)
	}
}
