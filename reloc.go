package nouveau

import "fmt"

// RelocMode selects which part of a buffer's placement a relocation
// writes into its command word.
type RelocMode uint8

const (
	// RelocData writes the raw data word unchanged.
	RelocData RelocMode = iota

	// RelocLow writes the low 32 bits of offset+data.
	RelocLow

	// RelocHigh writes the high 32 bits of offset+data.
	RelocHigh
)

// String returns the mode name.
func (m RelocMode) String() string {
	switch m {
	case RelocData:
		return "data"
	case RelocLow:
		return "low"
	case RelocHigh:
		return "high"
	default:
		return fmt.Sprintf("RelocMode(%d)", uint8(m))
	}
}

// Reloc is a deferred patch of one pushbuffer word. The word's final value
// depends on where the buffer resides when the batch is flushed, so it is
// computed by Value at flush time rather than when the command is encoded.
type Reloc struct {
	// Slot is the word index inside the pushbuffer.
	Slot int

	BO   *BO
	Data uint32

	// Flags carries FlagLow, FlagHigh and FlagOR plus the access bits.
	Flags Flags

	// Vor is ORed in when the buffer is in video memory, Tor when it is
	// reached through the GART. Both need FlagOR.
	Vor uint32
	Tor uint32
}

// Mode returns the word selection encoded in the flags. FlagLow wins over
// FlagHigh.
func (r Reloc) Mode() RelocMode {
	switch {
	case r.Flags&FlagLow != 0:
		return RelocLow
	case r.Flags&FlagHigh != 0:
		return RelocHigh
	default:
		return RelocData
	}
}

// Value computes the patched word for a buffer resident in d at offset.
// It is a pure function of its inputs.
func (r Reloc) Value(d Domain, offset uint64) uint32 {
	var v uint32
	switch r.Mode() {
	case RelocLow:
		v = uint32(offset + uint64(r.Data))
	case RelocHigh:
		v = uint32((offset + uint64(r.Data)) >> 32)
	default:
		v = r.Data
	}
	if r.Flags&FlagOR != 0 {
		if d.Kind == DeviceLocal {
			v |= r.Vor
		} else {
			v |= r.Tor
		}
	}
	return v
}
