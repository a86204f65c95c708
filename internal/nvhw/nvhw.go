// Package nvhw holds the command stream encoding shared by the core and the
// kernels: method headers, object classes, well-known handles, and a
// decoder that drives an [Engine] from a submitted batch.
package nvhw

import "github.com/gogpu/nouveau/drm"

// Header layout.
const (
	SubchannelCount = 8

	// MaxMethodWords is the largest data count a single header can carry.
	MaxMethodWords = 0x7ff

	headerMethodMask = 0x1ffc
	headerSubcShift  = 13
	headerSizeShift  = 18
	headerReserved   = 0xe0000003
)

// Header encodes a method header for size data words on subchannel subc.
func Header(subc int, mthd uint32, size int) uint32 {
	return uint32(size)<<headerSizeShift | uint32(subc)<<headerSubcShift | mthd&headerMethodMask
}

// DecodeHeader splits a method header.
func DecodeHeader(h uint32) (subc int, mthd uint32, size int, ok bool) {
	if h&headerReserved != 0 {
		return 0, 0, 0, false
	}
	return int(h>>headerSubcShift) & 7, h & headerMethodMask, int(h>>headerSizeShift) & MaxMethodWords, true
}

// Object classes.
const (
	ClassNull        = 0x0030
	ClassDMAInMemory = 0x003d
	ClassM2MF        = 0x0039
	ClassM2MFNV50    = 0x5039
)

// M2MFClass returns the memory-to-memory copy class for a chipset.
func M2MFClass(chipset int) uint32 {
	switch chipset & 0xf0 {
	case 0x50, 0x80, 0x90, 0xa0:
		return ClassM2MFNV50
	}
	return ClassM2MF
}

// IsNV50 reports whether the chipset uses the NV50 method layout.
func IsNV50(chipset int) bool {
	return M2MFClass(chipset) == ClassM2MFNV50
}

// Well-known object handles.
const (
	HandleDmaFB      drm.Handle = 0xd8000001
	HandleDmaTT      drm.Handle = 0xd8000002
	HandleNull       drm.Handle = 0xbeef0030
	HandleM2MF       drm.Handle = 0xbeef3901
	HandleM2MFNotify drm.Handle = 0xbeef3902
)

// Channel methods, valid on every subchannel.
const (
	MethodObject = 0x0000
	MethodRefCnt = 0x0050
)

// Methods common to graphics objects.
const (
	MethodNOP    = 0x0100
	MethodNotify = 0x0104
)

// M2MF methods.
const (
	M2MFDmaNotify     = 0x0180
	M2MFDmaBufferIn   = 0x0184
	M2MFDmaBufferOut  = 0x0188
	M2MFOffsetInHigh  = 0x0238
	M2MFOffsetOutHigh = 0x023c
	M2MFOffsetIn      = 0x030c
	M2MFOffsetOut     = 0x0310
	M2MFPitchIn       = 0x0314
	M2MFPitchOut      = 0x0318
	M2MFLineLengthIn  = 0x031c
	M2MFLineCount     = 0x0320
	M2MFFormat        = 0x0324
	M2MFBufferNotify  = 0x0328

	// M2MFFormatLinear selects 1-byte input and output increments.
	M2MFFormatLinear = 0x101
)
