// Package driver implements the guest-side driver for a para-virtualized
// filesystem device. It assembles FUSE request frames into per-queue
// staging buffers, submits them as descriptor chains, and matches
// interrupt-driven completions back to waiting callers.
//
// The driver is written entirely against the virtq contracts: it owns no
// ring layouts, no interrupt controller and no DMA allocator.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq"
)

// Queue topology: the priority queue sits at device index 0, request queues
// follow from index 1. Depths follow the device class defaults.
const (
	priorityQueueIndex = 0
	requestQueueBase   = 1

	priorityQueueDepth = 2
	requestQueueDepth  = 4
)

// DefaultBufferSize is the per-queue staging buffer size. Each queue's
// buffer is split into one slot per ring entry, so the slot size bounds the
// largest single request frame.
const DefaultBufferSize = 64 << 10

// DefaultRequestTimeout bounds how long a submitted request may stay
// unanswered before its waiter fails with ErrTimeout.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrNotReady is returned for operations before bring-up completed.
	ErrNotReady = errors.New("virtiofs: device not ready")

	// ErrClosed is returned for operations on a closed device and to
	// waiters whose device closed underneath them.
	ErrClosed = errors.New("virtiofs: device closed")

	// ErrAlreadyClosed is returned by Close when the device was closed
	// before.
	ErrAlreadyClosed = errors.New("virtiofs: device already closed")

	// ErrTimeout is returned to waiters whose request exceeded the
	// configured deadline. The staging slot stays reserved until the
	// device completes the chain; only the waiter is released.
	ErrTimeout = errors.New("virtiofs: request timed out")

	// ErrFrameTooLarge is returned when a request frame does not fit the
	// queue's staging slot.
	ErrFrameTooLarge = errors.New("virtiofs: request exceeds staging slot")

	// ErrFeatures is returned when the device does not offer a feature the
	// driver was told to require.
	ErrFeatures = errors.New("virtiofs: feature negotiation failed")
)

// Error is the structured failure returned by every exported operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "virtiofs: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// ProtocolError reports a reply that violated the wire contract. Protocol
// errors are hard failures: the driver never guesses at malformed frames.
type ProtocolError struct {
	Op     fuse.Opcode
	Unique uint64
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("virtiofs: protocol error on %s (unique %d): %s", e.Op, e.Unique, e.Reason)
}

// State is the device lifecycle state.
type State int32

const (
	StateNew State = iota
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Device.
type Options struct {
	// Logger receives structured driver logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives request deadlines. Defaults to the wall clock; tests
	// inject a mock.
	Clock clock.Clock

	// RequestTimeout is the per-request deadline. Zero selects
	// DefaultRequestTimeout; negative disables deadlines.
	RequestTimeout time.Duration

	// MaxQueues caps how many of the device's request queues are used.
	// Zero means all of them.
	MaxQueues uint32

	// BufferSize is the staging buffer size per queue. Zero selects
	// DefaultBufferSize.
	BufferSize int

	// RequiredFeatures must all be offered by the device or bring-up
	// fails with ErrFeatures.
	RequiredFeatures uint64
}

// Stats are cumulative request counters.
type Stats struct {
	Submitted      uint64
	Completed      uint64
	BackendErrors  uint64 // replies carrying an errno
	ProtocolErrors uint64
	Timeouts       uint64
}

type stats struct {
	submitted      atomic.Uint64
	completed      atomic.Uint64
	backendErrors  atomic.Uint64
	protocolErrors atomic.Uint64
	timeouts       atomic.Uint64
}

// session holds what the FUSE_INIT handshake negotiated.
type session struct {
	mu       sync.Mutex
	inited   bool
	minor    uint32
	flags    uint32
	flags2   uint32
	maxWrite uint32
	maxPages uint16
}

// Session is a snapshot of the negotiated FUSE session.
type Session struct {
	Inited   bool
	Minor    uint32
	Flags    uint32
	Flags2   uint32
	MaxWrite uint32
	MaxPages uint16
}

// ioQueue pairs one device queue with its staging buffer. The buffer is
// partitioned into depth equal slots; a slot is owned by exactly one
// in-flight request from assembly until its completion is popped.
type ioQueue struct {
	index    uint16
	depth    int
	slotSize int

	mu     sync.Mutex // guards q and tokens
	q      virtq.Queue
	tokens map[uint16]*Pending

	buf   virtq.Buffer
	slots chan int // free slot indexes
}

func (q *ioQueue) slotOffset(slot int) int { return slot * q.slotSize }

// acquireSlot blocks until a staging slot frees up, the device closes or ctx
// is done.
func (q *ioQueue) acquireSlot(ctx context.Context, closed <-chan struct{}) (int, error) {
	select {
	case slot := <-q.slots:
		return slot, nil
	default:
	}
	select {
	case slot := <-q.slots:
		return slot, nil
	case <-closed:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *ioQueue) releaseSlot(slot int) {
	q.slots <- slot
}

// Device is a live para-virtualized filesystem device.
type Device struct {
	log  *slog.Logger
	clk  clock.Clock
	opts Options

	tr   virtq.Transport
	cfg  virtq.DeviceConfig
	feat uint64

	priority *ioQueue
	request  []*ioQueue
	rr       atomic.Uint32

	unique atomic.Uint64

	pmu     sync.Mutex
	pending map[uint64]*Pending

	framePool sync.Pool

	state  atomic.Int32
	closed chan struct{}
	wg     sync.WaitGroup

	session session
	stats   stats
}

// New brings the device up: feature negotiation, config validation, queue
// and staging buffer provisioning, interrupt wiring and the driver-ready
// handshake. The returned device is in StateReady; the FUSE session still
// needs Init before filesystem operations mean anything to the backend.
func New(tr virtq.Transport, opts Options) (*Device, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	d := &Device{
		log:     opts.Logger,
		clk:     opts.Clock,
		opts:    opts,
		tr:      tr,
		pending: make(map[uint64]*Pending),
		closed:  make(chan struct{}),
	}
	d.framePool.New = func() any {
		return make([]byte, 0, opts.BufferSize)
	}

	if err := d.bringUp(); err != nil {
		d.state.Store(int32(StateFailed))
		return nil, err
	}

	if opts.RequestTimeout > 0 {
		d.wg.Add(1)
		go d.sweep()
	}

	d.state.Store(int32(StateReady))
	d.log.Debug("virtiofs: device ready",
		"tag", d.cfg.Tag,
		"request_queues", len(d.request),
		"features", fmt.Sprintf("%#x", d.feat))
	return d, nil
}

func (d *Device) bringUp() error {
	offered := d.tr.Features()
	if missing := d.opts.RequiredFeatures &^ offered; missing != 0 {
		return fmt.Errorf("%w: device does not offer %#x", ErrFeatures, missing)
	}
	// The driver recognizes the notification feature but does not drive a
	// notification queue, so it only accepts bits it was told to require.
	d.feat = offered & d.opts.RequiredFeatures
	if err := d.tr.AcceptFeatures(d.feat); err != nil {
		return fmt.Errorf("virtiofs: accept features: %w", err)
	}

	cfg, err := d.tr.Config()
	if err != nil {
		return fmt.Errorf("virtiofs: read config: %w", err)
	}
	if cfg.Tag == "" {
		return fmt.Errorf("virtiofs: device config has empty tag")
	}
	if len(cfg.Tag) > virtq.TagSize {
		return fmt.Errorf("virtiofs: device tag %q exceeds %d bytes", cfg.Tag, virtq.TagSize)
	}
	if cfg.NumRequestQueues == 0 {
		return fmt.Errorf("virtiofs: device config reports zero request queues")
	}
	d.cfg = cfg

	numQueues := cfg.NumRequestQueues
	if d.opts.MaxQueues > 0 && numQueues > d.opts.MaxQueues {
		numQueues = d.opts.MaxQueues
	}

	d.priority, err = d.newIOQueue(priorityQueueIndex, priorityQueueDepth)
	if err != nil {
		return err
	}
	for i := uint32(0); i < numQueues; i++ {
		q, err := d.newIOQueue(uint16(requestQueueBase+i), requestQueueDepth)
		if err != nil {
			return err
		}
		d.request = append(d.request, q)
	}

	for _, q := range append([]*ioQueue{d.priority}, d.request...) {
		if err := d.tr.HandleQueueInterrupt(q.index, func() { d.onQueueInterrupt(q) }); err != nil {
			return fmt.Errorf("virtiofs: register interrupt for queue %d: %w", q.index, err)
		}
	}
	if err := d.tr.HandleConfigChange(func() { d.onConfigChange() }); err != nil {
		return fmt.Errorf("virtiofs: register config callback: %w", err)
	}

	if err := d.tr.FinishInit(); err != nil {
		return fmt.Errorf("virtiofs: finish init: %w", err)
	}
	return nil
}

func (d *Device) newIOQueue(index uint16, depth int) (*ioQueue, error) {
	vq, err := d.tr.NewQueue(index, uint16(depth))
	if err != nil {
		return nil, fmt.Errorf("virtiofs: create queue %d: %w", index, err)
	}
	buf, err := d.tr.NewBuffer(d.opts.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("virtiofs: allocate staging buffer for queue %d: %w", index, err)
	}
	slotSize := (buf.Size() / depth) &^ 7
	if slotSize < fuse.InHeaderSize+fuse.OutHeaderSize {
		return nil, fmt.Errorf("virtiofs: staging buffer too small for queue %d", index)
	}
	q := &ioQueue{
		index:    index,
		depth:    depth,
		slotSize: slotSize,
		q:        vq,
		tokens:   make(map[uint16]*Pending),
		buf:      buf,
		slots:    make(chan int, depth),
	}
	for i := 0; i < depth; i++ {
		q.slots <- i
	}
	return q, nil
}

func (d *Device) onConfigChange() {
	cfg, err := d.tr.Config()
	if err != nil {
		d.log.Warn("virtiofs: config change callback could not re-read config", "err", err)
		return
	}
	// Tag and queue count are fixed after bring-up; a change is only
	// reported.
	d.log.Info("virtiofs: device config changed", "tag", cfg.Tag,
		"request_queues", cfg.NumRequestQueues)
}

// Tag returns the export name from the device configuration space.
func (d *Device) Tag() string { return d.cfg.Tag }

// NegotiatedFeatures returns the feature bits accepted at bring-up.
func (d *Device) NegotiatedFeatures() uint64 { return d.feat }

// NumRequestQueues returns how many request queues the driver operates.
func (d *Device) NumRequestQueues() int { return len(d.request) }

// State returns the lifecycle state.
func (d *Device) State() State { return State(d.state.Load()) }

// MaxWriteSize returns the largest payload Write accepts given the staging
// slot layout.
func (d *Device) MaxWriteSize() int {
	q := d.request[0]
	n := q.slotSize - fuse.InHeaderSize - fuse.WriteInSize - fuse.OutHeaderSize - fuse.WriteOutSize
	return n &^ 7
}

// MaxReadSize returns the largest size Read accepts given the staging slot
// layout.
func (d *Device) MaxReadSize() int {
	q := d.request[0]
	return q.slotSize - fuse.InHeaderSize - fuse.ReadInSize - fuse.OutHeaderSize
}

// Session returns a snapshot of what Init negotiated. Inited is false
// before the handshake and after Destroy.
func (d *Device) Session() Session {
	d.session.mu.Lock()
	defer d.session.mu.Unlock()
	return Session{
		Inited:   d.session.inited,
		Minor:    d.session.minor,
		Flags:    d.session.flags,
		Flags2:   d.session.flags2,
		MaxWrite: d.session.maxWrite,
		MaxPages: d.session.maxPages,
	}
}

// Stats returns a snapshot of the request counters.
func (d *Device) Stats() Stats {
	return Stats{
		Submitted:      d.stats.submitted.Load(),
		Completed:      d.stats.completed.Load(),
		BackendErrors:  d.stats.backendErrors.Load(),
		ProtocolErrors: d.stats.protocolErrors.Load(),
		Timeouts:       d.stats.timeouts.Load(),
	}
}

// Close fails all waiters, unparks submitters blocked on slot acquisition,
// stops the deadline sweeper and marks the device closed. Transport resources
// (queues, interrupts, the staging memory) are owned by the environment and
// are not torn down here. Close does not send FUSE_DESTROY; callers that want
// an orderly session end call Destroy first.
func (d *Device) Close() error {
	if !d.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
		if State(d.state.Load()) == StateClosed {
			return ErrAlreadyClosed
		}
		d.state.Store(int32(StateClosed))
	}
	close(d.closed)
	d.wg.Wait()

	d.pmu.Lock()
	waiting := make([]*Pending, 0, len(d.pending))
	for _, p := range d.pending {
		waiting = append(waiting, p)
	}
	d.pmu.Unlock()
	for _, p := range waiting {
		p.resolve(reply{err: ErrClosed})
	}
	d.log.Debug("virtiofs: device closed", "abandoned", len(waiting))
	return nil
}

// sweep fails waiters whose deadline has passed. The staging slot of a
// timed out request stays reserved: the device may still write it, so it
// is only recycled when the completion actually arrives.
func (d *Device) sweep() {
	defer d.wg.Done()
	interval := d.opts.RequestTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := d.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
		}
		now := d.clk.Now()

		d.pmu.Lock()
		var expired []*Pending
		for _, p := range d.pending {
			if !p.deadline.IsZero() && now.After(p.deadline) && !p.resolved() {
				expired = append(expired, p)
			}
		}
		d.pmu.Unlock()

		for _, p := range expired {
			d.stats.timeouts.Add(1)
			d.log.Warn("virtiofs: request timed out",
				"op", p.op.String(), "unique", p.unique, "queue", p.queue.index)
			p.resolve(reply{err: ErrTimeout})
		}
	}
}
