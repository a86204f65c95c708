package nouveau

import (
	"strings"

	"github.com/gogpu/nouveau/drm"
)

// DomainKind names a placement class for a buffer's backing storage.
type DomainKind uint8

const (
	// Unallocated means no storage exists yet.
	Unallocated DomainKind = iota

	// System is plain host memory, invisible to the GPU.
	System

	// HostMapped is GPU-visible host memory reached through the GART.
	HostMapped

	// DeviceLocal is video memory.
	DeviceLocal
)

// String returns the domain kind name.
func (k DomainKind) String() string {
	switch k {
	case Unallocated:
		return "Unallocated"
	case System:
		return "System"
	case HostMapped:
		return "HostMapped"
	case DeviceLocal:
		return "DeviceLocal"
	default:
		return "Unknown"
	}
}

// Domain is where a buffer's storage lives. Tiled is meaningful only for
// DeviceLocal.
type Domain struct {
	Kind  DomainKind
	Tiled bool
}

// String implements fmt.Stringer.
func (d Domain) String() string {
	if d.Kind == DeviceLocal && d.Tiled {
		return "DeviceLocal(tiled)"
	}
	return d.Kind.String()
}

// GPUVisible reports whether the GPU can address the storage.
func (d Domain) GPUVisible() bool {
	return d.Kind == HostMapped || d.Kind == DeviceLocal
}

// Flags describe placement requests, access modes and relocation behavior.
type Flags uint32

// Placement and access flags.
const (
	FlagVRAM Flags = 1 << iota
	FlagGART
	FlagRD
	FlagWR
	FlagMap
	FlagPin

	// FlagLow and FlagHigh select the low or high 32 bits of offset+data
	// when patching a relocation.
	FlagLow
	FlagHigh

	// FlagOR ORs the domain-dependent value into the patched word.
	FlagOR

	FlagTile
	FlagZTile
)

// Flag groups.
const (
	FlagRDWR    = FlagRD | FlagWR
	FlagMem     = FlagVRAM | FlagGART
	FlagTiling  = FlagTile | FlagZTile
	FlagDomains = FlagMem | FlagTiling
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagVRAM, "VRAM"}, {FlagGART, "GART"}, {FlagRD, "RD"}, {FlagWR, "WR"},
		{FlagMap, "MAP"}, {FlagPin, "PIN"}, {FlagLow, "LOW"}, {FlagHigh, "HIGH"},
		{FlagOR, "OR"}, {FlagTile, "TILE"}, {FlagZTile, "ZTILE"},
	}
	var parts []string
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// placement returns the placement part of f. Tiled storage only exists in
// video memory, so tiling bits select VRAM whatever memory bits f carries.
func placement(f Flags) Flags {
	f &= FlagDomains
	if f&FlagTiling != 0 {
		f = f&^FlagGART | FlagVRAM
	}
	return f
}

// Satisfies reports whether storage in d meets the placement part of f.
// Without VRAM or GART bits the request names host memory. Tiling bits
// imply VRAM.
func (d Domain) Satisfies(f Flags) bool {
	f = placement(f)
	if f&FlagTiling != 0 && !(d.Kind == DeviceLocal && d.Tiled) {
		return false
	}
	switch f & FlagMem {
	case 0:
		return d.Kind == System
	case FlagVRAM:
		return d.Kind == DeviceLocal
	case FlagGART:
		return d.Kind == HostMapped
	default:
		return d.GPUVisible()
	}
}

// kernelDomain converts placement flags to the kernel bitmask.
func kernelDomain(f Flags) drm.Domain {
	var d drm.Domain
	if f&FlagVRAM != 0 {
		d |= drm.DomainVRAM
	}
	if f&FlagGART != 0 {
		d |= drm.DomainGART
	}
	if f&FlagTile != 0 {
		d |= drm.DomainTile
	}
	if f&FlagZTile != 0 {
		d |= drm.DomainZTile
	}
	return d
}

// domainFromKernel converts a resident kernel domain to a Domain.
func domainFromKernel(d drm.Domain) Domain {
	switch {
	case d&drm.DomainVRAM != 0:
		return Domain{Kind: DeviceLocal, Tiled: d&(drm.DomainTile|drm.DomainZTile) != 0}
	case d&drm.DomainGART != 0:
		return Domain{Kind: HostMapped}
	case d&drm.DomainCPU != 0:
		return Domain{Kind: System}
	default:
		return Domain{Kind: Unallocated}
	}
}

// kernelDomainOf converts a Domain back to a single-pool kernel bitmask.
func kernelDomainOf(d Domain) drm.Domain {
	switch d.Kind {
	case DeviceLocal:
		if d.Tiled {
			return drm.DomainVRAM | drm.DomainTile
		}
		return drm.DomainVRAM
	case HostMapped:
		return drm.DomainGART
	case System:
		return drm.DomainCPU
	default:
		return 0
	}
}
