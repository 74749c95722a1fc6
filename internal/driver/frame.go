package driver

import "github.com/tinyrange/virtiofs/internal/fuse"

// outKind classifies what the device writes back for an opcode.
type outKind int

const (
	// outNone means the device consumes the request and never replies
	// (the forget class). The chain carries no writable extent.
	outNone outKind = iota

	// outHeaderOnly means the reply is a bare OutHeader.
	outHeaderOnly

	// outFixed means the reply is an OutHeader plus one fixed-size struct.
	outFixed

	// outPayload means the reply is an OutHeader plus a variable payload
	// bounded by the request's size argument.
	outPayload

	// outDirents is outPayload carrying a directory entry stream.
	outDirents
)

// opProfile describes the frame shape of one opcode: its fixed input size,
// its reply kind and which queue carries it. The assembler, the submission
// path and the completion dispatcher are all driven by this table.
type opProfile struct {
	op       fuse.Opcode
	inSize   int // fixed op-specific input struct, 0 when absent
	outKind  outKind
	outSize  int  // fixed reply struct, only meaningful for outFixed
	priority bool // rides the priority queue instead of a request queue
}

var profiles = map[fuse.Opcode]opProfile{
	fuse.FUSE_INIT:         {op: fuse.FUSE_INIT, inSize: fuse.InitInSize, outKind: outFixed, outSize: fuse.InitOutSize},
	fuse.FUSE_DESTROY:      {op: fuse.FUSE_DESTROY, outKind: outHeaderOnly},
	fuse.FUSE_LOOKUP:       {op: fuse.FUSE_LOOKUP, outKind: outFixed, outSize: fuse.EntryOutSize},
	fuse.FUSE_FORGET:       {op: fuse.FUSE_FORGET, inSize: fuse.ForgetInSize, outKind: outNone, priority: true},
	fuse.FUSE_BATCH_FORGET: {op: fuse.FUSE_BATCH_FORGET, inSize: fuse.BatchForgetInSize, outKind: outNone, priority: true},
	fuse.FUSE_GETATTR:      {op: fuse.FUSE_GETATTR, inSize: fuse.GetattrInSize, outKind: outFixed, outSize: fuse.AttrOutSize},
	fuse.FUSE_SETATTR:      {op: fuse.FUSE_SETATTR, inSize: fuse.SetattrInSize, outKind: outFixed, outSize: fuse.AttrOutSize},
	fuse.FUSE_OPEN:         {op: fuse.FUSE_OPEN, inSize: fuse.OpenInSize, outKind: outFixed, outSize: fuse.OpenOutSize},
	fuse.FUSE_OPENDIR:      {op: fuse.FUSE_OPENDIR, inSize: fuse.OpenInSize, outKind: outFixed, outSize: fuse.OpenOutSize},
	fuse.FUSE_READ:         {op: fuse.FUSE_READ, inSize: fuse.ReadInSize, outKind: outPayload},
	fuse.FUSE_READDIR:      {op: fuse.FUSE_READDIR, inSize: fuse.ReadInSize, outKind: outDirents},
	fuse.FUSE_WRITE:        {op: fuse.FUSE_WRITE, inSize: fuse.WriteInSize, outKind: outFixed, outSize: fuse.WriteOutSize},
	fuse.FUSE_CREATE:       {op: fuse.FUSE_CREATE, inSize: fuse.CreateInSize, outKind: outFixed, outSize: fuse.CreateOutSize},
	fuse.FUSE_MKDIR:        {op: fuse.FUSE_MKDIR, inSize: fuse.MkdirInSize, outKind: outFixed, outSize: fuse.EntryOutSize},
	fuse.FUSE_UNLINK:       {op: fuse.FUSE_UNLINK, outKind: outHeaderOnly},
	fuse.FUSE_RMDIR:        {op: fuse.FUSE_RMDIR, outKind: outHeaderOnly},
	fuse.FUSE_RENAME:       {op: fuse.FUSE_RENAME, inSize: fuse.RenameInSize, outKind: outHeaderOnly},
	fuse.FUSE_RENAME2:      {op: fuse.FUSE_RENAME2, inSize: fuse.Rename2InSize, outKind: outHeaderOnly},
	fuse.FUSE_LINK:         {op: fuse.FUSE_LINK, inSize: fuse.LinkInSize, outKind: outFixed, outSize: fuse.EntryOutSize},
	fuse.FUSE_ACCESS:       {op: fuse.FUSE_ACCESS, inSize: fuse.AccessInSize, outKind: outHeaderOnly},
	fuse.FUSE_STATFS:       {op: fuse.FUSE_STATFS, outKind: outFixed, outSize: fuse.StatfsOutSize},
	fuse.FUSE_FLUSH:        {op: fuse.FUSE_FLUSH, inSize: fuse.FlushInSize, outKind: outHeaderOnly},
	fuse.FUSE_RELEASE:      {op: fuse.FUSE_RELEASE, inSize: fuse.ReleaseInSize, outKind: outHeaderOnly},
	fuse.FUSE_RELEASEDIR:   {op: fuse.FUSE_RELEASEDIR, inSize: fuse.ReleaseInSize, outKind: outHeaderOnly},
	fuse.FUSE_INTERRUPT:    {op: fuse.FUSE_INTERRUPT, inSize: fuse.InterruptInSize, outKind: outHeaderOnly, priority: true},
}

// marshaler is the fixed-layout half of a request body.
type marshaler interface {
	Marshal(dst []byte)
}

// frameExtents computes the device-readable and device-writable byte counts
// of a frame before it is assembled. lenIn is also what InHeader.Len
// carries and where the descriptor chain splits.
func frameExtents(prof opProfile, variableLen, outBound int) (lenIn, lenOut int) {
	lenIn = fuse.InHeaderSize + prof.inSize + variableLen
	switch prof.outKind {
	case outHeaderOnly:
		lenOut = fuse.OutHeaderSize
	case outFixed:
		lenOut = fuse.OutHeaderSize + prof.outSize
	case outPayload, outDirents:
		lenOut = fuse.OutHeaderSize + outBound
	}
	return lenIn, lenOut
}

// buildFrame assembles one request frame into dst, which must have room for
// lenIn+lenOut bytes. Layout: InHeader, the fixed input struct, the
// variable bytes, then a zeroed reply placeholder. hdr.Len and hdr.Opcode
// are filled here; everything else in hdr is the caller's.
func buildFrame(dst []byte, prof opProfile, hdr fuse.InHeader, in marshaler, variable []byte, lenIn, lenOut int) []byte {
	hdr.Len = uint32(lenIn)
	hdr.Opcode = prof.op

	frame := dst[:lenIn+lenOut]
	clear(frame[lenIn:])
	hdr.Marshal(frame)
	if prof.inSize > 0 {
		in.Marshal(frame[fuse.InHeaderSize:])
	}
	copy(frame[fuse.InHeaderSize+prof.inSize:], variable)
	return frame
}
