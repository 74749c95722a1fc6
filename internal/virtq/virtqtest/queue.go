package virtqtest

import (
	"sync"

	"github.com/tinyrange/virtiofs/internal/virtq"
)

type chain struct {
	token    uint16
	readable []virtq.Range
	writable []virtq.Range
}

type usedElem struct {
	token   uint16
	written uint32
}

// Queue is an in-memory virtq.Queue. Submitted chains are served by the
// transport's device goroutine in FIFO order per queue.
type Queue struct {
	tr    *Transport
	index uint16
	depth int

	mu       sync.Mutex
	nextTok  uint16
	inflight int
	pending  []*chain
	used     []usedElem
}

func checkRanges(ranges []virtq.Range) error {
	for _, r := range ranges {
		if r.Buf == nil {
			return virtq.ErrBufferBounds
		}
		if int(r.End()) > r.Buf.Size() || r.End() < r.Off {
			return virtq.ErrBufferBounds
		}
	}
	return nil
}

func (q *Queue) Add(readable, writable []virtq.Range) (uint16, error) {
	if err := checkRanges(readable); err != nil {
		return 0, err
	}
	if err := checkRanges(writable); err != nil {
		return 0, err
	}
	if len(readable)+len(writable) == 0 {
		return 0, virtq.ErrChainTooLong
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight >= q.depth {
		return 0, virtq.ErrQueueFull
	}
	tok := q.nextTok
	q.nextTok++
	q.inflight++
	q.pending = append(q.pending, &chain{
		token:    tok,
		readable: append([]virtq.Range(nil), readable...),
		writable: append([]virtq.Range(nil), writable...),
	})
	return tok, nil
}

func (q *Queue) ShouldNotify() bool {
	return !q.tr.suppressNotify.Load()
}

func (q *Queue) Notify() error {
	q.tr.notifies.Add(1)
	q.tr.kickDevice()
	return nil
}

func (q *Queue) PopCompleted() (uint16, uint32, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.used) == 0 {
		return 0, 0, false, nil
	}
	u := q.used[0]
	q.used = q.used[1:]
	q.inflight--
	return u.token, u.written, true, nil
}

// takePending removes and returns the oldest unserved chain, if any.
func (q *Queue) takePending() *chain {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c
}

func (q *Queue) pushUsed(token uint16, written uint32) {
	q.mu.Lock()
	q.used = append(q.used, usedElem{token, written})
	q.mu.Unlock()
}

var _ virtq.Queue = (*Queue)(nil)
