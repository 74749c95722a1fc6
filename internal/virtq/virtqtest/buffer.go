// Package virtqtest provides in-memory implementations of the virtq
// contracts plus a synthetic filesystem host, so driver behavior can be
// exercised end to end without a hypervisor. The fakes are strict: they
// track the synchronize-before-use discipline on staging buffers and
// report violations instead of silently reading stale bytes.
package virtqtest

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/virtq"
)

// span is a half-open dirty byte extent.
type span struct{ off, end int }

func overlaps(spans []span, off, end int) bool {
	for _, s := range spans {
		if off < s.end && s.off < end {
			return true
		}
	}
	return false
}

// remove clears [off,end) from spans, splitting spans that straddle it.
func remove(spans []span, off, end int) []span {
	out := make([]span, 0, len(spans))
	for _, s := range spans {
		if s.end <= off || end <= s.off {
			out = append(out, s)
			continue
		}
		if s.off < off {
			out = append(out, span{s.off, off})
		}
		if end < s.end {
			out = append(out, span{end, s.end})
		}
	}
	return out
}

// UnsyncedError reports an access to a staging extent that was modified on
// the other side of the bus and not yet synchronized.
type UnsyncedError struct {
	Side string // which side performed the offending access
	Off  int
	Len  int
}

func (e *UnsyncedError) Error() string {
	return fmt.Sprintf("virtqtest: %s access to unsynced extent [%d,%d)", e.Side, e.Off, e.Off+e.Len)
}

// Buffer is a page-aligned anonymous mapping implementing virtq.Buffer.
// Driver writes and device writes each mark their extent dirty; Sync clears
// dirty state. Reading an extent the other side dirtied without an
// intervening Sync fails with an UnsyncedError.
type Buffer struct {
	mu          sync.Mutex
	mem         []byte
	driverDirty []span // written by the driver, not yet synced
	deviceDirty []span // written by the device, not yet synced
}

// NewBuffer maps an anonymous region of at least size bytes, rounded up to
// the page size.
func NewBuffer(size int) (*Buffer, error) {
	page := unix.Getpagesize()
	mapped := (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("virtqtest: mmap staging buffer: %w", err)
	}
	return &Buffer{mem: mem[:size]}, nil
}

func (b *Buffer) Size() int { return len(b.mem) }

// Close unmaps the region. The buffer must not be used afterwards.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	mem := b.mem[:cap(b.mem)]
	b.mem = nil
	return unix.Munmap(mem)
}

func (b *Buffer) check(off int64, n int) error {
	if b.mem == nil {
		return fmt.Errorf("virtqtest: buffer closed")
	}
	if off < 0 || int(off)+n > len(b.mem) {
		return fmt.Errorf("virtqtest: access [%d,%d) outside buffer of %d: %w",
			off, int(off)+n, len(b.mem), virtq.ErrBufferBounds)
	}
	return nil
}

// ReadAt is the driver-side read.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(off, len(p)); err != nil {
		return 0, err
	}
	if overlaps(b.deviceDirty, int(off), int(off)+len(p)) {
		return 0, &UnsyncedError{Side: "driver", Off: int(off), Len: len(p)}
	}
	copy(p, b.mem[off:])
	return len(p), nil
}

// WriteAt is the driver-side write.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(off, len(p)); err != nil {
		return 0, err
	}
	copy(b.mem[off:], p)
	b.driverDirty = append(b.driverDirty, span{int(off), int(off) + len(p)})
	return len(p), nil
}

// Sync makes [off,off+n) coherent in both directions.
func (b *Buffer) Sync(off, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(int64(off), n); err != nil {
		return err
	}
	b.driverDirty = remove(b.driverDirty, off, off+n)
	b.deviceDirty = remove(b.deviceDirty, off, off+n)
	return nil
}

// deviceRead is the device-side read used when serving a chain.
func (b *Buffer) deviceRead(p []byte, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(off, len(p)); err != nil {
		return err
	}
	if overlaps(b.driverDirty, int(off), int(off)+len(p)) {
		return &UnsyncedError{Side: "device", Off: int(off), Len: len(p)}
	}
	copy(p, b.mem[off:])
	return nil
}

// deviceWrite is the device-side write used when serving a chain.
func (b *Buffer) deviceWrite(p []byte, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(off, len(p)); err != nil {
		return err
	}
	copy(b.mem[off:], p)
	b.deviceDirty = append(b.deviceDirty, span{int(off), int(off) + len(p)})
	return nil
}

var _ virtq.Buffer = (*Buffer)(nil)
