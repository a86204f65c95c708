// Package drm defines the request/response interface between the buffer
// object core and the execution substrate that owns GPU memory and
// channels.
//
// The core never talks to hardware directly. Every allocation, mapping,
// pin and submission goes through a [Kernel], which may be a real device
// driver, a wgpu HAL device (backend/native), or the in-process software
// executor (backend/soft).
//
// # Domains
//
// Placement is expressed with the [Domain] bitmask. The bitmask is a
// transport detail: the core converts it to and from its own tagged
// domain type at the boundary only.
//
// # Completion
//
// Submissions return before the work runs. A kernel reports progress by
// storing the last executed reference serial into the channel's user area
// (word [UserRefCnt]) and by writing notifier blocks. Kernels that need the
// caller to drive completion implement [Poller].
package drm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Handle names a kernel object (buffer, channel object, DMA object).
type Handle uint32

// ChannelID identifies an execution channel.
type ChannelID int

// Domain is the kernel placement bitmask.
type Domain uint32

// Placement bits.
const (
	DomainCPU      Domain = 1 << 0
	DomainVRAM     Domain = 1 << 1
	DomainGART     Domain = 1 << 2
	DomainMappable Domain = 1 << 3

	// DomainTile and DomainZTile request a tiled VRAM layout.
	DomainTile  Domain = 1 << 8
	DomainZTile Domain = 1 << 9

	// DomainMemMask selects the placement bits that name a memory pool.
	DomainMemMask = DomainVRAM | DomainGART
)

// String returns a compact representation such as "VRAM|GART".
func (d Domain) String() string {
	if d == 0 {
		return "none"
	}
	names := []struct {
		bit  Domain
		name string
	}{
		{DomainCPU, "CPU"},
		{DomainVRAM, "VRAM"},
		{DomainGART, "GART"},
		{DomainMappable, "MAPPABLE"},
		{DomainTile, "TILE"},
		{DomainZTile, "ZTILE"},
	}
	s := ""
	for _, n := range names {
		if d&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
		d &^= n.bit
	}
	if d != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", uint32(d))
	}
	return s
}

// Kernel errors.
var (
	// ErrNoMemory is returned when no requested domain can hold a buffer.
	ErrNoMemory = errors.New("drm: out of memory")

	// ErrInvalidHandle is returned for unknown buffer, object or channel handles.
	ErrInvalidHandle = errors.New("drm: invalid handle")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("drm: invalid argument")

	// ErrBusy is returned when a request conflicts with the object's state.
	ErrBusy = errors.New("drm: object busy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("drm: kernel closed")
)

// BufferRequest describes a buffer allocation.
type BufferRequest struct {
	// Size in bytes. Zero is allowed.
	Size uint64

	// Align is the placement alignment in bytes. Zero selects the kernel default.
	Align uint64

	// Domain lists acceptable pools. The kernel prefers VRAM when both
	// VRAM and GART are acceptable.
	Domain Domain
}

// BufferInfo is the kernel's answer to an allocation or an import.
type BufferInfo struct {
	Handle Handle
	Size   uint64
	Domain Domain
}

// Placement is where a pinned buffer resides.
type Placement struct {
	Domain Domain
	Offset uint64
}

// SubmitBuffer is one entry of the buffer table that accompanies a batch.
type SubmitBuffer struct {
	Handle Handle

	// ReadDomains and WriteDomains record how the batch accesses the buffer.
	ReadDomains  Domain
	WriteDomains Domain

	// Presumed is the placement the command words were patched against.
	Presumed Placement
}

// ChannelInfo is returned by AllocChannel.
type ChannelInfo struct {
	ID ChannelID

	// User is the channel control area. The kernel stores the last executed
	// reference serial at word UserRefCnt.
	User *Shared

	// Notifiers is the notifier memory block. AllocNotifier hands out
	// offsets into it.
	Notifiers *Shared

	// VRAMHandle and GARTHandle are the context DMA objects that address
	// video memory and host-mapped memory on this channel.
	VRAMHandle Handle
	GARTHandle Handle
}

// Kernel is the execution substrate.
//
// Implementations must be safe for concurrent use: the core calls them from
// the thread that owns a channel while their own executors complete work in
// the background.
type Kernel interface {
	// CreateBuffer allocates a buffer in one of the requested domains.
	CreateBuffer(req BufferRequest) (BufferInfo, error)

	// MapBuffer returns a CPU view of the whole buffer. The view stays valid
	// until CloseBuffer.
	MapBuffer(h Handle) ([]byte, error)

	// PinBuffer fixes the buffer at a GPU-visible offset inside a domain.
	PinBuffer(h Handle, domain Domain) (Placement, error)

	// UnpinBuffer releases one pin.
	UnpinBuffer(h Handle) error

	// CloseBuffer drops the handle. Storage is released when the last
	// handle referencing it is closed.
	CloseBuffer(h Handle) error

	// FlinkBuffer publishes a global name for the buffer.
	FlinkBuffer(h Handle) (uint32, error)

	// OpenBuffer imports a buffer by global name and returns a new handle.
	OpenBuffer(name uint32) (BufferInfo, error)

	// AllocChannel creates an execution channel whose VRAM and GART context
	// DMA objects use the given handles.
	AllocChannel(vram, gart Handle) (*ChannelInfo, error)

	// FreeChannel destroys a channel. Queued work is abandoned.
	FreeChannel(id ChannelID) error

	// CreateObject instantiates a graphics object of the given class.
	CreateObject(id ChannelID, h Handle, class uint32) error

	// AllocNotifier reserves count notifier blocks and returns their byte
	// offset inside the channel's notifier memory.
	AllocNotifier(id ChannelID, h Handle, count int) (uint32, error)

	// Submit queues a batch of command words. It returns once the batch is
	// queued; completion is observed through the channel's user area.
	Submit(id ChannelID, words []uint32, buffers []SubmitBuffer) error

	// Close releases every channel and buffer.
	Close() error
}

// Poller is implemented by kernels that publish completion only when asked.
type Poller interface {
	// Poll updates the channel's user area and notifiers with completed work.
	Poll(id ChannelID) error
}

// Channel user area layout, in 32-bit words.
const (
	// UserRefCnt holds the last reference serial executed by the channel.
	UserRefCnt = 0x48 / 4

	// UserWords is the size of the user area.
	UserWords = 0x100 / 4
)

// Notifier block layout, in 32-bit words. Each block is NotifierStride bytes.
const (
	NotifyTime0       = 0
	NotifyTime1       = 1
	NotifyReturnValue = 2
	NotifyState       = 3

	NotifierStride = 32

	// NotifyStatusShift positions the status byte within NotifyState.
	NotifyStatusShift = 24

	NotifyStatusCompleted  = 0x00
	NotifyStatusInProcess  = 0x01
	NotifyStatusErrorParam = 0x02
)

// Shared is a block of 32-bit words shared between the CPU and the
// executor. Every access is atomic.
type Shared struct {
	words []uint32
}

// NewShared allocates a zeroed block of n words.
func NewShared(n int) *Shared {
	return &Shared{words: make([]uint32, n)}
}

// Len returns the number of words.
func (s *Shared) Len() int { return len(s.words) }

// Load reads word i.
func (s *Shared) Load(i int) uint32 { return atomic.LoadUint32(&s.words[i]) }

// Store writes word i.
func (s *Shared) Store(i int, v uint32) { atomic.StoreUint32(&s.words[i], v) }
