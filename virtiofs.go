// Package virtiofs implements the guest driver for a para-virtualized
// shared filesystem device. It speaks the FUSE protocol over the device's
// descriptor queues: requests are framed into DMA-visible staging buffers,
// submitted as descriptor chains and matched back to waiting callers when
// the device raises a completion interrupt.
//
// The driver owns no ring layouts, interrupt controller or DMA allocator;
// those arrive through the Transport contract, so the same driver runs on
// any environment that can provide one. An in-memory transport and a
// synthetic filesystem backend live in internal/virtq/virtqtest for tests
// and for cmd/fsprobe.
package virtiofs

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinyrange/virtiofs/internal/driver"
	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Device is a live filesystem device. It exposes one typed method per FUSE
// operation; all of them are safe for concurrent use.
type Device = driver.Device

// Pending is an in-flight request, returned by the asynchronous layer and
// resolved by the completion dispatcher.
type Pending = driver.Pending

// Session is a snapshot of what the Init handshake negotiated.
type Session = driver.Session

// Stats are the device's cumulative request counters.
type Stats = driver.Stats

// State is the device lifecycle state.
type State = driver.State

// Error is the structured failure returned by every operation. It carries
// the operation name and wraps the underlying cause.
type Error = driver.Error

// ProtocolError reports a reply that violated the wire contract: a damaged
// request echo, a length that disagrees with what the device wrote, or a
// malformed dirent stream.
type ProtocolError = driver.ProtocolError

// Errno is a FUSE backend status, surfaced as the positive errno value.
type Errno = fuse.Errno

// Opcode identifies a FUSE operation on the wire.
type Opcode = fuse.Opcode

// Transport is the environment contract the driver runs on: feature
// negotiation, config space access, queue and staging buffer provisioning,
// interrupt wiring and the driver-ready handshake.
type Transport = virtq.Transport

// Queue is one submission/completion ring of the device.
type Queue = virtq.Queue

// Buffer is a DMA-visible staging region paired with one queue.
type Buffer = virtq.Buffer

// DeviceConfig is the filesystem device's configuration space.
type DeviceConfig = virtq.DeviceConfig

// Range is a byte extent within a staging buffer.
type Range = virtq.Range

// Wire-level types exposed by the operation surface.
type (
	Attr      = fuse.Attr
	EntryOut  = fuse.EntryOut
	AttrOut   = fuse.AttrOut
	InitOut   = fuse.InitOut
	OpenOut   = fuse.OpenOut
	CreateOut = fuse.CreateOut
	StatfsOut = fuse.StatfsOut
	OutHeader = fuse.OutHeader
	SetattrIn = fuse.SetattrIn
	ForgetOne = fuse.ForgetOne
	DirEntry  = fuse.DirEntry
)

// RootID is the node id of the filesystem root.
const RootID = fuse.RootID

// TagSize is the width of the tag field in the device configuration space.
const TagSize = virtq.TagSize

// FeatureNotification is the device feature bit for the notification queue.
const FeatureNotification = virtq.FeatureNotification

// Defaults applied by New when the matching option is absent.
const (
	DefaultBufferSize     = driver.DefaultBufferSize
	DefaultRequestTimeout = driver.DefaultRequestTimeout
)

// Device lifecycle states.
const (
	StateNew    = driver.StateNew
	StateReady  = driver.StateReady
	StateClosed = driver.StateClosed
	StateFailed = driver.StateFailed
)

// SetattrIn.Valid bits, selecting which attributes a Setattr updates.
const (
	FATTR_MODE      = fuse.FATTR_MODE
	FATTR_UID       = fuse.FATTR_UID
	FATTR_GID       = fuse.FATTR_GID
	FATTR_SIZE      = fuse.FATTR_SIZE
	FATTR_ATIME     = fuse.FATTR_ATIME
	FATTR_MTIME     = fuse.FATTR_MTIME
	FATTR_FH        = fuse.FATTR_FH
	FATTR_ATIME_NOW = fuse.FATTR_ATIME_NOW
	FATTR_MTIME_NOW = fuse.FATTR_MTIME_NOW
	FATTR_LOCKOWNER = fuse.FATTR_LOCKOWNER
	FATTR_CTIME     = fuse.FATTR_CTIME
)

// GETATTR_FH makes Getattr consult the file handle instead of the node.
const GETATTR_FH = fuse.FUSE_GETATTR_FH

// Common sentinel errors.
var (
	// ErrNotReady is returned for operations before bring-up completed.
	ErrNotReady = driver.ErrNotReady

	// ErrClosed is returned for operations on a closed device and to
	// waiters whose device closed underneath them.
	ErrClosed = driver.ErrClosed

	// ErrAlreadyClosed is returned by Close when the device was already
	// closed.
	ErrAlreadyClosed = driver.ErrAlreadyClosed

	// ErrTimeout is returned to waiters whose request exceeded the
	// configured deadline. Use errors.Is(err, virtiofs.ErrTimeout).
	ErrTimeout = driver.ErrTimeout

	// ErrFrameTooLarge is returned when a request cannot fit a staging
	// slot; see Device.MaxWriteSize and Device.MaxReadSize.
	ErrFrameTooLarge = driver.ErrFrameTooLarge

	// ErrFeatures is returned by New when the device does not offer a
	// feature passed to WithRequiredFeatures.
	ErrFeatures = driver.ErrFeatures

	// Queue-level sentinels, surfaced wrapped for transport implementors.
	ErrQueueFull    = virtq.ErrQueueFull
	ErrChainTooLong = virtq.ErrChainTooLong
	ErrBufferBounds = virtq.ErrBufferBounds
)

// -----------------------------------------------------------------------------
// Device Options
// -----------------------------------------------------------------------------

// Option configures a Device.
type Option interface{ IsOption() }

// WithLogger directs structured driver logs to log. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) Option {
	return &loggerOption{log: log}
}

type loggerOption struct{ log *slog.Logger }

func (*loggerOption) IsOption() {}

func (o *loggerOption) Logger() *slog.Logger { return o.log }

// WithClock substitutes the clock driving request deadlines. Tests pass a
// mock to walk time by hand.
func WithClock(clk clock.Clock) Option {
	return &clockOption{clk: clk}
}

type clockOption struct{ clk clock.Clock }

func (*clockOption) IsOption() {}

func (o *clockOption) Clock() clock.Clock { return o.clk }

// WithRequestTimeout bounds how long a request may stay unanswered before
// its waiter fails with ErrTimeout. A negative duration disables deadlines.
func WithRequestTimeout(d time.Duration) Option {
	return &requestTimeoutOption{d: d}
}

type requestTimeoutOption struct{ d time.Duration }

func (*requestTimeoutOption) IsOption() {}

func (o *requestTimeoutOption) RequestTimeout() time.Duration { return o.d }

// WithMaxQueues caps how many of the device's request queues the driver
// uses. Zero means all of them.
func WithMaxQueues(n uint32) Option {
	return &maxQueuesOption{n: n}
}

type maxQueuesOption struct{ n uint32 }

func (*maxQueuesOption) IsOption() {}

func (o *maxQueuesOption) MaxQueues() uint32 { return o.n }

// WithBufferSize sets the per-queue staging buffer size. The buffer is
// split evenly across the queue's ring entries, so this bounds the largest
// single request frame.
func WithBufferSize(n int) Option {
	return &bufferSizeOption{n: n}
}

type bufferSizeOption struct{ n int }

func (*bufferSizeOption) IsOption() {}

func (o *bufferSizeOption) BufferSize() int { return o.n }

// WithRequiredFeatures makes New fail with ErrFeatures unless the device
// offers every given bit. The accepted set is readable afterwards through
// Device.NegotiatedFeatures.
func WithRequiredFeatures(bits uint64) Option {
	return &requiredFeaturesOption{bits: bits}
}

type requiredFeaturesOption struct{ bits uint64 }

func (*requiredFeaturesOption) IsOption() {}

func (o *requiredFeaturesOption) RequiredFeatures() uint64 { return o.bits }

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

// New brings a device up on the given transport: feature negotiation,
// config validation, queue and staging buffer provisioning, interrupt
// wiring and the driver-ready handshake. The returned device is ready for
// traffic; call Init to establish the FUSE session and Close when finished.
func New(tr Transport, opts ...Option) (*Device, error) {
	var cfg driver.Options
	for _, opt := range opts {
		switch o := opt.(type) {
		case interface{ Logger() *slog.Logger }:
			cfg.Logger = o.Logger()
		case interface{ Clock() clock.Clock }:
			cfg.Clock = o.Clock()
		case interface{ RequestTimeout() time.Duration }:
			cfg.RequestTimeout = o.RequestTimeout()
		case interface{ MaxQueues() uint32 }:
			cfg.MaxQueues = o.MaxQueues()
		case interface{ BufferSize() int }:
			cfg.BufferSize = o.BufferSize()
		case interface{ RequiredFeatures() uint64 }:
			cfg.RequiredFeatures = o.RequiredFeatures()
		}
	}
	return driver.New(tr, cfg)
}
