package virtqtest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtiofs/internal/virtq"
)

// Reply is what a Handler returns for one served request.
type Reply struct {
	// Data is copied into the chain's writable extents; the completion
	// reports how many bytes were written.
	Data []byte

	// Drop withholds the completion entirely: the chain is consumed but
	// never reported back, leaving the request in flight forever.
	Drop bool
}

// Handler serves one request frame. req is the concatenation of the chain's
// readable extents.
type Handler func(queue uint16, req []byte) Reply

// Transport is an in-memory virtq.Transport backed by a device goroutine.
type Transport struct {
	tag       string
	numQueues uint32
	features  uint64
	handler   Handler

	mu          sync.Mutex
	accepted    uint64
	finished    bool
	queues      map[uint16]*Queue
	buffers     []*Buffer
	qCallbacks  map[uint16]func()
	cfgCallback func()
	violation   error

	suppressNotify atomic.Bool
	notifies       atomic.Uint64

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTransport creates a transport exposing the given tag and request queue
// count, serving requests through handler. The device goroutine runs until
// Close.
func NewTransport(tag string, numQueues uint32, handler Handler) *Transport {
	t := &Transport{
		tag:        tag,
		numQueues:  numQueues,
		features:   virtq.FeatureNotification,
		handler:    handler,
		queues:     make(map[uint16]*Queue),
		qCallbacks: make(map[uint16]func()),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.deviceLoop()
	return t
}

// OfferFeatures overrides the feature bits the device advertises.
func (t *Transport) OfferFeatures(bits uint64) {
	t.mu.Lock()
	t.features = bits
	t.mu.Unlock()
}

// SuppressNotify makes ShouldNotify answer false, for doorbell tests.
func (t *Transport) SuppressNotify(v bool) { t.suppressNotify.Store(v) }

// Notifies reports how many times the driver rang a doorbell.
func (t *Transport) Notifies() uint64 { return t.notifies.Load() }

// Kick wakes the device loop without a doorbell, standing in for a device
// that polls its rings.
func (t *Transport) Kick() { t.kickDevice() }

// AcceptedFeatures reports what the driver negotiated.
func (t *Transport) AcceptedFeatures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepted
}

// Violation returns the first staging-buffer discipline violation the
// device observed, if any.
func (t *Transport) Violation() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violation
}

// Close stops the device goroutine and unmaps all staging buffers.
func (t *Transport) Close() error {
	select {
	case <-t.stop:
		return nil
	default:
	}
	close(t.stop)
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buffers {
		b.Close()
	}
	t.buffers = nil
	return nil
}

func (t *Transport) Features() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

func (t *Transport) AcceptFeatures(bits uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bits&^t.features != 0 {
		return fmt.Errorf("virtqtest: accepting unoffered features %#x", bits&^t.features)
	}
	t.accepted = bits
	return nil
}

func (t *Transport) Config() (virtq.DeviceConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tag) > virtq.TagSize {
		return virtq.DeviceConfig{}, fmt.Errorf("virtqtest: tag %q exceeds %d bytes", t.tag, virtq.TagSize)
	}
	return virtq.DeviceConfig{Tag: t.tag, NumRequestQueues: t.numQueues}, nil
}

func (t *Transport) NewQueue(index, depth uint16) (virtq.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[index]; ok {
		return nil, fmt.Errorf("virtqtest: queue %d already created", index)
	}
	if depth == 0 {
		return nil, fmt.Errorf("virtqtest: queue %d with zero depth", index)
	}
	q := &Queue{tr: t, index: index, depth: int(depth)}
	t.queues[index] = q
	return q, nil
}

func (t *Transport) NewBuffer(size int) (virtq.Buffer, error) {
	b, err := NewBuffer(size)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.buffers = append(t.buffers, b)
	t.mu.Unlock()
	return b, nil
}

func (t *Transport) HandleQueueInterrupt(index uint16, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[index]; !ok {
		return fmt.Errorf("virtqtest: interrupt callback for unknown queue %d", index)
	}
	t.qCallbacks[index] = fn
	return nil
}

func (t *Transport) HandleConfigChange(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfgCallback = fn
	return nil
}

func (t *Transport) FinishInit() error {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
	t.kickDevice()
	return nil
}

// ChangeConfig mutates the advertised tag and fires the config callback,
// mimicking a device-initiated configuration change.
func (t *Transport) ChangeConfig(tag string) {
	t.mu.Lock()
	t.tag = tag
	fn := t.cfgCallback
	t.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (t *Transport) kickDevice() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Transport) deviceLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
		}
		for t.serveOne() {
		}
	}
}

// serveOne serves the oldest pending chain across all queues, lowest queue
// index first. It returns false when there was nothing to do.
func (t *Transport) serveOne() bool {
	t.mu.Lock()
	if !t.finished {
		t.mu.Unlock()
		return false
	}
	indexes := make([]int, 0, len(t.queues))
	for idx := range t.queues {
		indexes = append(indexes, int(idx))
	}
	sort.Ints(indexes)
	t.mu.Unlock()

	for _, idx := range indexes {
		t.mu.Lock()
		q := t.queues[uint16(idx)]
		cb := t.qCallbacks[uint16(idx)]
		t.mu.Unlock()

		c := q.takePending()
		if c == nil {
			continue
		}
		t.serveChain(q, c, cb)
		return true
	}
	return false
}

func (t *Transport) serveChain(q *Queue, c *chain, cb func()) {
	var req []byte
	for _, r := range c.readable {
		part := make([]byte, r.Len)
		if err := r.Buf.(*Buffer).deviceRead(part, int64(r.Off)); err != nil {
			t.recordViolation(err)
		}
		req = append(req, part...)
	}

	reply := t.handler(q.index, req)
	if reply.Drop {
		return
	}

	written := uint32(0)
	data := reply.Data
	for _, r := range c.writable {
		if len(data) == 0 {
			break
		}
		n := min(len(data), int(r.Len))
		if err := r.Buf.(*Buffer).deviceWrite(data[:n], int64(r.Off)); err != nil {
			t.recordViolation(err)
		}
		data = data[n:]
		written += uint32(n)
	}

	q.pushUsed(c.token, written)
	if cb != nil {
		cb()
	}
}

func (t *Transport) recordViolation(err error) {
	t.mu.Lock()
	if t.violation == nil {
		t.violation = err
	}
	t.mu.Unlock()
}

var _ virtq.Transport = (*Transport)(nil)
