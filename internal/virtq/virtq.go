// Package virtq declares the transport capabilities a para-virtualized
// filesystem driver consumes: submission queues, DMA-visible staging
// buffers, device configuration and the device lifecycle handshake. The
// package contains contracts only; ring layouts, notification mechanics and
// memory coherency are owned by whichever environment provides the
// implementations.
package virtq

import (
	"errors"
	"io"
)

// TagSize is the width of the tag field in the device configuration space.
// Shorter tags are NUL padded on the wire.
const TagSize = 36

// Device feature bits relevant to the filesystem device class.
const (
	// FeatureNotification indicates the device offers a notification queue.
	FeatureNotification = uint64(1) << 0
)

var (
	// ErrQueueFull is returned by Add when no descriptors are free.
	ErrQueueFull = errors.New("virtq: queue full")

	// ErrChainTooLong is returned by Add when the combined extents exceed
	// what one descriptor chain can carry.
	ErrChainTooLong = errors.New("virtq: descriptor chain too long")

	// ErrBufferBounds is returned when an extent falls outside the queue's
	// staging buffer.
	ErrBufferBounds = errors.New("virtq: extent out of buffer bounds")
)

// Range is a byte extent within a staging buffer. A Range carries its
// buffer so a descriptor chain is self-describing.
type Range struct {
	Buf Buffer
	Off uint32
	Len uint32
}

// End returns the first byte past the extent.
func (r Range) End() uint32 { return r.Off + r.Len }

// Queue is one submission/completion ring of the device.
//
// Add submits a single request as a descriptor chain: the readable extents
// are visible to the device, the writable extents receive its reply. The
// returned token identifies the chain until PopCompleted reports it back.
//
// ShouldNotify and Notify implement the doorbell protocol: after Add, the
// driver rings only if the device asked for it.
//
// PopCompleted returns one finished chain: its token and the number of
// bytes the device wrote into the writable extents. ok is false when
// nothing has completed, which a driver must tolerate (interrupts may be
// spurious or batched).
type Queue interface {
	Add(readable, writable []Range) (token uint16, err error)
	ShouldNotify() bool
	Notify() error
	PopCompleted() (token uint16, written uint32, ok bool, err error)
}

// Buffer is a DMA-visible staging region paired with one queue. Reads and
// writes move bytes between driver memory and the shared region; Sync makes
// an extent coherent with the device's view. The driver must Sync a written
// extent before handing it to Add and Sync a completed extent before
// parsing it.
type Buffer interface {
	io.ReaderAt
	io.WriterAt
	Sync(off, n int) error
	Size() int
}

// DeviceConfig is the filesystem device's configuration space.
type DeviceConfig struct {
	// Tag names the export; it is how the guest mounts the filesystem.
	Tag string

	// NumRequestQueues is the number of request queues the device exposes
	// in addition to the priority queue.
	NumRequestQueues uint32
}

// Transport is the device lifecycle surface: feature negotiation, config
// access, queue and buffer provisioning, interrupt wiring and the final
// driver-ready handshake.
type Transport interface {
	// Features returns the feature bits the device offers.
	Features() uint64

	// AcceptFeatures records the subset of offered bits the driver takes.
	AcceptFeatures(bits uint64) error

	// Config reads the device configuration space.
	Config() (DeviceConfig, error)

	// NewQueue materializes the ring at the given device queue index.
	NewQueue(index, depth uint16) (Queue, error)

	// NewBuffer allocates a DMA-capable staging buffer of at least size
	// bytes.
	NewBuffer(size int) (Buffer, error)

	// HandleQueueInterrupt registers fn to run when the queue at index
	// completes work. fn runs outside the caller's goroutine.
	HandleQueueInterrupt(index uint16, fn func()) error

	// HandleConfigChange registers fn to run when the device mutates its
	// configuration space.
	HandleConfigChange(fn func()) error

	// FinishInit signals the device that the driver is ready.
	FinishInit() error
}
