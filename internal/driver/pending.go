package driver

import (
	"context"
	"sync"
	"time"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// reply is the terminal outcome of a pending request: a decoded out-header
// plus body bytes copied out of the staging slot, or an error.
type reply struct {
	hdr  fuse.OutHeader
	body []byte
	err  error
}

// Pending is an in-flight request. It resolves exactly once, from the
// completion dispatcher, the deadline sweeper or Close, whichever comes
// first. Waiters that give up (context or deadline) do not release the
// staging slot; the slot is recycled only when the device reports the
// chain complete.
type Pending struct {
	unique   uint64
	op       fuse.Opcode
	prof     opProfile
	queue    *ioQueue
	slot     int
	token    uint16
	lenIn    int // device-readable frame bytes; also the split point
	lenOut   int // device-writable placeholder bytes
	deadline time.Time

	mu   sync.Mutex
	done chan struct{}
	res  reply
}

// Unique returns the request's unique id, usable as the target of an
// Interrupt.
func (p *Pending) Unique() uint64 { return p.unique }

// Opcode returns the request's opcode.
func (p *Pending) Opcode() fuse.Opcode { return p.op }

// resolve records the outcome. Later calls are ignored: the dispatcher,
// the deadline sweeper and Close may race, and the first one wins.
func (p *Pending) resolve(r reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.res = r
	close(p.done)
}

func (p *Pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the request resolves or ctx is done. On success it
// returns the reply header and the opcode-specific body bytes.
func (p *Pending) Wait(ctx context.Context) (fuse.OutHeader, []byte, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return fuse.OutHeader{}, nil, ctx.Err()
	}
	if p.res.err != nil {
		return fuse.OutHeader{}, nil, p.res.err
	}
	return p.res.hdr, p.res.body, nil
}

// registerPending indexes p by unique (device-wide) and token (queue-local)
// while the submitter still holds the queue lock. Registration is refused on
// a closed device: Close sweeps the pending table once, and a registration
// landing after the sweep would strand its waiter. The token entry stays so
// a late completion still recycles the slot.
func (d *Device) registerPending(p *Pending) error {
	p.queue.tokens[p.token] = p
	d.pmu.Lock()
	defer d.pmu.Unlock()
	if State(d.state.Load()) == StateClosed {
		return ErrClosed
	}
	d.pending[p.unique] = p
	return nil
}

// finishPending removes p from both indexes and recycles its slot. Called
// exactly once per completion, after the reply bytes left the slot.
func (d *Device) finishPending(p *Pending) {
	d.pmu.Lock()
	delete(d.pending, p.unique)
	d.pmu.Unlock()
	p.queue.releaseSlot(p.slot)
}
