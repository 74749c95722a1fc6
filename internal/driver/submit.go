package driver

import (
	"context"
	"fmt"

	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq"
)

// pickQueue routes a profile's traffic: the forget/interrupt class goes to
// the priority queue, everything else round-robins across request queues.
func (d *Device) pickQueue(prof opProfile) *ioQueue {
	if prof.priority {
		return d.priority
	}
	n := d.rr.Add(1) - 1
	return d.request[int(n)%len(d.request)]
}

// submit assembles one request frame in a staging slot and hands it to the
// device. It blocks only on slot acquisition, never on the device, and Close
// unparks that wait; the returned Pending resolves when the completion
// dispatcher, the deadline sweeper or Close gets to it first.
//
// The queue lock is held across Add, token registration and the doorbell
// decision. The device may complete a chain the moment it is added, so the
// token must be registered before the interrupt handler can observe it.
func (d *Device) submit(ctx context.Context, prof opProfile, nodeid uint64, in marshaler, variable []byte, outBound int) (*Pending, error) {
	switch d.State() {
	case StateReady:
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotReady
	}

	q := d.pickQueue(prof)

	lenIn, lenOut := frameExtents(prof, len(variable), outBound)
	if lenIn+lenOut > q.slotSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes, slot holds %d",
			ErrFrameTooLarge, prof.op, lenIn+lenOut, q.slotSize)
	}

	slot, err := q.acquireSlot(ctx, d.closed)
	if err != nil {
		return nil, err
	}

	p := &Pending{
		unique: d.unique.Add(1),
		op:     prof.op,
		prof:   prof,
		queue:  q,
		slot:   slot,
		lenIn:  lenIn,
		lenOut: lenOut,
		done:   make(chan struct{}),
	}
	if d.opts.RequestTimeout > 0 {
		p.deadline = d.clk.Now().Add(d.opts.RequestTimeout)
	}

	raw := d.framePool.Get().([]byte)
	frame := buildFrame(raw[:cap(raw)], prof, fuse.InHeader{Unique: p.unique, NodeID: nodeid}, in, variable, lenIn, lenOut)

	off := q.slotOffset(slot)
	_, err = q.buf.WriteAt(frame, int64(off))
	d.framePool.Put(raw)
	if err != nil {
		q.releaseSlot(slot)
		return nil, fmt.Errorf("virtiofs: stage %s frame: %w", prof.op, err)
	}
	if err := q.buf.Sync(off, lenIn+lenOut); err != nil {
		q.releaseSlot(slot)
		return nil, fmt.Errorf("virtiofs: sync %s frame: %w", prof.op, err)
	}

	readable := []virtq.Range{{Buf: q.buf, Off: uint32(off), Len: uint32(lenIn)}}
	var writable []virtq.Range
	if lenOut > 0 {
		writable = []virtq.Range{{Buf: q.buf, Off: uint32(off + lenIn), Len: uint32(lenOut)}}
	}

	q.mu.Lock()
	token, err := q.q.Add(readable, writable)
	if err != nil {
		q.mu.Unlock()
		q.releaseSlot(slot)
		return nil, fmt.Errorf("virtiofs: enqueue %s: %w", prof.op, err)
	}
	p.token = token
	if err := d.registerPending(p); err != nil {
		// The chain is already on the ring and owns its slot until the
		// device reports it complete; no doorbell for a closed device.
		q.mu.Unlock()
		return nil, err
	}
	if q.q.ShouldNotify() {
		if err := q.q.Notify(); err != nil {
			// The chain is already on the ring; leave the pending in place
			// and let the deadline sweeper bound the damage.
			d.log.Warn("virtiofs: doorbell failed", "queue", q.index, "err", err)
		}
	}
	q.mu.Unlock()

	d.stats.submitted.Add(1)
	d.log.Debug("virtiofs: submitted",
		"op", prof.op.String(), "unique", p.unique, "queue", q.index,
		"token", token, "len_in", lenIn, "len_out", lenOut)
	return p, nil
}
