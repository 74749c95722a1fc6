package driver

import (
	"fmt"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// onQueueInterrupt runs for every interrupt on q. It drains the queue
// completely: interrupts may be spurious (nothing completed) or batched
// (several completions behind one interrupt), and both must be tolerated.
func (d *Device) onQueueInterrupt(q *ioQueue) {
	for {
		q.mu.Lock()
		token, written, ok, err := q.q.PopCompleted()
		var p *Pending
		if ok {
			p = q.tokens[token]
			delete(q.tokens, token)
		}
		q.mu.Unlock()

		if err != nil {
			d.log.Warn("virtiofs: pop completion", "queue", q.index, "err", err)
			return
		}
		if !ok {
			return
		}
		if p == nil {
			d.log.Warn("virtiofs: completion for unknown token",
				"queue", q.index, "token", token)
			continue
		}
		d.complete(p, written)
	}
}

// complete decodes one finished chain and resolves its pending. The staging
// slot is recycled only after the reply bytes are copied out of it, so a
// completion arriving after the waiter timed out still frees the slot.
func (d *Device) complete(p *Pending, written uint32) {
	defer d.finishPending(p)
	d.stats.completed.Add(1)

	res := d.decode(p, written)
	switch res.err.(type) {
	case *ProtocolError:
		d.stats.protocolErrors.Add(1)
	case fuse.Errno:
		d.stats.backendErrors.Add(1)
	}
	if p.resolved() {
		d.log.Debug("virtiofs: late completion",
			"op", p.op.String(), "unique", p.unique, "queue", p.queue.index)
	}
	p.resolve(res)
}

// decode parses the completed frame against the profile that built it. The
// device owns only the writable extent: the echoed InHeader must read back
// exactly as written, and the reply must agree with its own length field.
func (d *Device) decode(p *Pending, written uint32) reply {
	q := p.queue
	off := q.slotOffset(p.slot)

	if err := q.buf.Sync(off, p.lenIn+p.lenOut); err != nil {
		return reply{err: fmt.Errorf("virtiofs: sync completed frame: %w", err)}
	}

	ebuf := make([]byte, fuse.InHeaderSize)
	if _, err := q.buf.ReadAt(ebuf, int64(off)); err != nil {
		return reply{err: fmt.Errorf("virtiofs: read request echo: %w", err)}
	}
	var echo fuse.InHeader
	if err := echo.Unmarshal(ebuf); err != nil {
		return reply{err: fmt.Errorf("virtiofs: parse request echo: %w", err)}
	}
	if !echo.Opcode.Valid() {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("request echo carries unknown opcode %d", uint32(echo.Opcode))}}
	}
	if echo.Opcode != p.op || echo.Unique != p.unique {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("request echo reads back as %s unique %d", echo.Opcode, echo.Unique)}}
	}

	if p.prof.outKind == outNone {
		// Forget class: the chain completing is the entire reply.
		return reply{}
	}

	if int(written) < fuse.OutHeaderSize {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("device wrote %d bytes, out header needs %d", written, fuse.OutHeaderSize)}}
	}
	// The used length must fit the writable extent; anything larger would
	// make the reply decode read slot bytes the device never owned.
	if written > uint32(p.lenOut) {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("device claims %d written bytes, writable extent holds %d", written, p.lenOut)}}
	}
	hbuf := make([]byte, fuse.OutHeaderSize)
	if _, err := q.buf.ReadAt(hbuf, int64(off+p.lenIn)); err != nil {
		return reply{err: fmt.Errorf("virtiofs: read out header: %w", err)}
	}
	var hdr fuse.OutHeader
	if err := hdr.Unmarshal(hbuf); err != nil {
		return reply{err: fmt.Errorf("virtiofs: parse out header: %w", err)}
	}
	if hdr.Unique != p.unique {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("reply is for unique %d", hdr.Unique)}}
	}
	if int(hdr.Len) < fuse.OutHeaderSize || hdr.Len > written {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("reply claims %d bytes, device wrote %d", hdr.Len, written)}}
	}

	// The wire carries 0 or a negated errno; a positive value is damage,
	// not a backend error.
	if hdr.Error > 0 {
		return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
			Reason: fmt.Sprintf("reply carries positive error code %d", hdr.Error)}}
	}
	if err := hdr.Errno(); err != nil {
		if int(hdr.Len) != fuse.OutHeaderSize {
			return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
				Reason: fmt.Sprintf("error reply carries %d body bytes", int(hdr.Len)-fuse.OutHeaderSize)}}
		}
		return reply{hdr: hdr, err: err}
	}

	bodyLen := int(hdr.Len) - fuse.OutHeaderSize
	switch p.prof.outKind {
	case outHeaderOnly:
		if bodyLen != 0 {
			return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
				Reason: fmt.Sprintf("unexpected %d body bytes on a header-only reply", bodyLen)}}
		}
	case outFixed:
		if bodyLen != p.prof.outSize {
			return reply{err: &ProtocolError{Op: p.op, Unique: p.unique,
				Reason: fmt.Sprintf("fixed reply is %d bytes, want %d", bodyLen, p.prof.outSize)}}
		}
	}

	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		if _, err := q.buf.ReadAt(body, int64(off+p.lenIn+fuse.OutHeaderSize)); err != nil {
			return reply{err: fmt.Errorf("virtiofs: read reply body: %w", err)}
		}
	}
	return reply{hdr: hdr, body: body}
}
