package fuse

import (
	"encoding/binary"
)

// Wire sizes of the fixed-layout messages, in bytes.
const (
	InHeaderSize      = 40
	OutHeaderSize     = 16
	AttrSize          = 88
	EntryOutSize      = 128
	AttrOutSize       = 104
	InitInSize        = 64
	InitOutSize       = 64
	GetattrInSize     = 16
	SetattrInSize     = 88
	OpenInSize        = 8
	OpenOutSize       = 16
	ReadInSize        = 40
	WriteInSize       = 40
	WriteOutSize      = 8
	ReleaseInSize     = 24
	FlushInSize       = 24
	MkdirInSize       = 8
	CreateInSize      = 16
	CreateOutSize     = EntryOutSize + OpenOutSize
	RenameInSize      = 8
	Rename2InSize     = 16
	LinkInSize        = 8
	AccessInSize      = 8
	InterruptInSize   = 8
	ForgetInSize      = 8
	BatchForgetInSize = 8
	ForgetOneSize     = 16
	StatfsOutSize     = 80
	DirentSize        = 24
)

// InHeader prefixes every request sent to the device.
type InHeader struct {
	Len         uint32 // total request length: header + fixed input + variable bytes
	Opcode      Opcode
	Unique      uint64
	NodeID      uint64
	UID         uint32
	GID         uint32
	PID         uint32
	TotalExtlen uint16
	Padding     uint16
}

// Marshal writes the header into dst, which must hold at least InHeaderSize
// bytes.
func (h *InHeader) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], h.Len)
	binary.LittleEndian.PutUint32(dst[4:], uint32(h.Opcode))
	binary.LittleEndian.PutUint64(dst[8:], h.Unique)
	binary.LittleEndian.PutUint64(dst[16:], h.NodeID)
	binary.LittleEndian.PutUint32(dst[24:], h.UID)
	binary.LittleEndian.PutUint32(dst[28:], h.GID)
	binary.LittleEndian.PutUint32(dst[32:], h.PID)
	binary.LittleEndian.PutUint16(dst[36:], h.TotalExtlen)
	binary.LittleEndian.PutUint16(dst[38:], h.Padding)
}

func (h *InHeader) Unmarshal(src []byte) error {
	if len(src) < InHeaderSize {
		return ErrShortBuffer
	}
	h.Len = binary.LittleEndian.Uint32(src[0:])
	h.Opcode = Opcode(binary.LittleEndian.Uint32(src[4:]))
	h.Unique = binary.LittleEndian.Uint64(src[8:])
	h.NodeID = binary.LittleEndian.Uint64(src[16:])
	h.UID = binary.LittleEndian.Uint32(src[24:])
	h.GID = binary.LittleEndian.Uint32(src[28:])
	h.PID = binary.LittleEndian.Uint32(src[32:])
	h.TotalExtlen = binary.LittleEndian.Uint16(src[36:])
	h.Padding = binary.LittleEndian.Uint16(src[38:])
	return nil
}

// OutHeader prefixes every reply. Error carries a negated errno on failure
// and Len the total reply length including the header itself.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

func (h *OutHeader) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], h.Len)
	binary.LittleEndian.PutUint32(dst[4:], uint32(h.Error))
	binary.LittleEndian.PutUint64(dst[8:], h.Unique)
}

func (h *OutHeader) Unmarshal(src []byte) error {
	if len(src) < OutHeaderSize {
		return ErrShortBuffer
	}
	h.Len = binary.LittleEndian.Uint32(src[0:])
	h.Error = int32(binary.LittleEndian.Uint32(src[4:]))
	h.Unique = binary.LittleEndian.Uint64(src[8:])
	return nil
}

// Errno converts the header's status into an error. The wire carries 0 or a
// negated errno; zero and positive values map to nil, the caller decides
// whether a positive value is damage.
func (h *OutHeader) Errno() error {
	if h.Error >= 0 {
		return nil
	}
	return Errno(uint32(-h.Error))
}

// Attr is the file attribute block embedded in EntryOut and AttrOut.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Flags     uint32
}

func (a *Attr) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], a.Ino)
	binary.LittleEndian.PutUint64(dst[8:], a.Size)
	binary.LittleEndian.PutUint64(dst[16:], a.Blocks)
	binary.LittleEndian.PutUint64(dst[24:], a.Atime)
	binary.LittleEndian.PutUint64(dst[32:], a.Mtime)
	binary.LittleEndian.PutUint64(dst[40:], a.Ctime)
	binary.LittleEndian.PutUint32(dst[48:], a.AtimeNsec)
	binary.LittleEndian.PutUint32(dst[52:], a.MtimeNsec)
	binary.LittleEndian.PutUint32(dst[56:], a.CtimeNsec)
	binary.LittleEndian.PutUint32(dst[60:], a.Mode)
	binary.LittleEndian.PutUint32(dst[64:], a.Nlink)
	binary.LittleEndian.PutUint32(dst[68:], a.UID)
	binary.LittleEndian.PutUint32(dst[72:], a.GID)
	binary.LittleEndian.PutUint32(dst[76:], a.Rdev)
	binary.LittleEndian.PutUint32(dst[80:], a.Blksize)
	binary.LittleEndian.PutUint32(dst[84:], a.Flags)
}

func (a *Attr) Unmarshal(src []byte) error {
	if len(src) < AttrSize {
		return ErrShortBuffer
	}
	a.Ino = binary.LittleEndian.Uint64(src[0:])
	a.Size = binary.LittleEndian.Uint64(src[8:])
	a.Blocks = binary.LittleEndian.Uint64(src[16:])
	a.Atime = binary.LittleEndian.Uint64(src[24:])
	a.Mtime = binary.LittleEndian.Uint64(src[32:])
	a.Ctime = binary.LittleEndian.Uint64(src[40:])
	a.AtimeNsec = binary.LittleEndian.Uint32(src[48:])
	a.MtimeNsec = binary.LittleEndian.Uint32(src[52:])
	a.CtimeNsec = binary.LittleEndian.Uint32(src[56:])
	a.Mode = binary.LittleEndian.Uint32(src[60:])
	a.Nlink = binary.LittleEndian.Uint32(src[64:])
	a.UID = binary.LittleEndian.Uint32(src[68:])
	a.GID = binary.LittleEndian.Uint32(src[72:])
	a.Rdev = binary.LittleEndian.Uint32(src[76:])
	a.Blksize = binary.LittleEndian.Uint32(src[80:])
	a.Flags = binary.LittleEndian.Uint32(src[84:])
	return nil
}

// EntryOut is the reply body of lookup, mkdir, link and the first half of a
// create reply.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

func (e *EntryOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], e.NodeID)
	binary.LittleEndian.PutUint64(dst[8:], e.Generation)
	binary.LittleEndian.PutUint64(dst[16:], e.EntryValid)
	binary.LittleEndian.PutUint64(dst[24:], e.AttrValid)
	binary.LittleEndian.PutUint32(dst[32:], e.EntryValidNsec)
	binary.LittleEndian.PutUint32(dst[36:], e.AttrValidNsec)
	e.Attr.Marshal(dst[40:])
}

func (e *EntryOut) Unmarshal(src []byte) error {
	if len(src) < EntryOutSize {
		return ErrShortBuffer
	}
	e.NodeID = binary.LittleEndian.Uint64(src[0:])
	e.Generation = binary.LittleEndian.Uint64(src[8:])
	e.EntryValid = binary.LittleEndian.Uint64(src[16:])
	e.AttrValid = binary.LittleEndian.Uint64(src[24:])
	e.EntryValidNsec = binary.LittleEndian.Uint32(src[32:])
	e.AttrValidNsec = binary.LittleEndian.Uint32(src[36:])
	return e.Attr.Unmarshal(src[40:])
}

// AttrOut is the reply body of getattr and setattr.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

func (a *AttrOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], a.AttrValid)
	binary.LittleEndian.PutUint32(dst[8:], a.AttrValidNsec)
	binary.LittleEndian.PutUint32(dst[12:], a.Dummy)
	a.Attr.Marshal(dst[16:])
}

func (a *AttrOut) Unmarshal(src []byte) error {
	if len(src) < AttrOutSize {
		return ErrShortBuffer
	}
	a.AttrValid = binary.LittleEndian.Uint64(src[0:])
	a.AttrValidNsec = binary.LittleEndian.Uint32(src[8:])
	a.Dummy = binary.LittleEndian.Uint32(src[12:])
	return a.Attr.Unmarshal(src[16:])
}

// InitIn is the session handshake request body.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	Flags2       uint32
	Unused       [11]uint32
}

func (i *InitIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], i.Major)
	binary.LittleEndian.PutUint32(dst[4:], i.Minor)
	binary.LittleEndian.PutUint32(dst[8:], i.MaxReadahead)
	binary.LittleEndian.PutUint32(dst[12:], i.Flags)
	binary.LittleEndian.PutUint32(dst[16:], i.Flags2)
	for n, v := range i.Unused {
		binary.LittleEndian.PutUint32(dst[20+4*n:], v)
	}
}

func (i *InitIn) Unmarshal(src []byte) error {
	if len(src) < InitInSize {
		return ErrShortBuffer
	}
	i.Major = binary.LittleEndian.Uint32(src[0:])
	i.Minor = binary.LittleEndian.Uint32(src[4:])
	i.MaxReadahead = binary.LittleEndian.Uint32(src[8:])
	i.Flags = binary.LittleEndian.Uint32(src[12:])
	i.Flags2 = binary.LittleEndian.Uint32(src[16:])
	for n := range i.Unused {
		i.Unused[n] = binary.LittleEndian.Uint32(src[20+4*n:])
	}
	return nil
}

// InitOut is the session handshake reply body.
type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	Flags2              uint32
	MaxStackDepth       uint32
	Unused              [6]uint32
}

func (i *InitOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], i.Major)
	binary.LittleEndian.PutUint32(dst[4:], i.Minor)
	binary.LittleEndian.PutUint32(dst[8:], i.MaxReadahead)
	binary.LittleEndian.PutUint32(dst[12:], i.Flags)
	binary.LittleEndian.PutUint16(dst[16:], i.MaxBackground)
	binary.LittleEndian.PutUint16(dst[18:], i.CongestionThreshold)
	binary.LittleEndian.PutUint32(dst[20:], i.MaxWrite)
	binary.LittleEndian.PutUint32(dst[24:], i.TimeGran)
	binary.LittleEndian.PutUint16(dst[28:], i.MaxPages)
	binary.LittleEndian.PutUint16(dst[30:], i.MapAlignment)
	binary.LittleEndian.PutUint32(dst[32:], i.Flags2)
	binary.LittleEndian.PutUint32(dst[36:], i.MaxStackDepth)
	for n, v := range i.Unused {
		binary.LittleEndian.PutUint32(dst[40+4*n:], v)
	}
}

func (i *InitOut) Unmarshal(src []byte) error {
	if len(src) < InitOutSize {
		return ErrShortBuffer
	}
	i.Major = binary.LittleEndian.Uint32(src[0:])
	i.Minor = binary.LittleEndian.Uint32(src[4:])
	i.MaxReadahead = binary.LittleEndian.Uint32(src[8:])
	i.Flags = binary.LittleEndian.Uint32(src[12:])
	i.MaxBackground = binary.LittleEndian.Uint16(src[16:])
	i.CongestionThreshold = binary.LittleEndian.Uint16(src[18:])
	i.MaxWrite = binary.LittleEndian.Uint32(src[20:])
	i.TimeGran = binary.LittleEndian.Uint32(src[24:])
	i.MaxPages = binary.LittleEndian.Uint16(src[28:])
	i.MapAlignment = binary.LittleEndian.Uint16(src[30:])
	i.Flags2 = binary.LittleEndian.Uint32(src[32:])
	i.MaxStackDepth = binary.LittleEndian.Uint32(src[36:])
	for n := range i.Unused {
		i.Unused[n] = binary.LittleEndian.Uint32(src[40+4*n:])
	}
	return nil
}

// GetattrIn selects which handle (if any) the attributes are for.
type GetattrIn struct {
	Flags uint32
	Dummy uint32
	Fh    uint64
}

func (g *GetattrIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], g.Flags)
	binary.LittleEndian.PutUint32(dst[4:], g.Dummy)
	binary.LittleEndian.PutUint64(dst[8:], g.Fh)
}

func (g *GetattrIn) Unmarshal(src []byte) error {
	if len(src) < GetattrInSize {
		return ErrShortBuffer
	}
	g.Flags = binary.LittleEndian.Uint32(src[0:])
	g.Dummy = binary.LittleEndian.Uint32(src[4:])
	g.Fh = binary.LittleEndian.Uint64(src[8:])
	return nil
}

// SetattrIn carries the attributes to change; Valid holds FATTR_* bits
// selecting which fields apply.
type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

func (s *SetattrIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], s.Valid)
	binary.LittleEndian.PutUint32(dst[4:], s.Padding)
	binary.LittleEndian.PutUint64(dst[8:], s.Fh)
	binary.LittleEndian.PutUint64(dst[16:], s.Size)
	binary.LittleEndian.PutUint64(dst[24:], s.LockOwner)
	binary.LittleEndian.PutUint64(dst[32:], s.Atime)
	binary.LittleEndian.PutUint64(dst[40:], s.Mtime)
	binary.LittleEndian.PutUint64(dst[48:], s.Ctime)
	binary.LittleEndian.PutUint32(dst[56:], s.AtimeNsec)
	binary.LittleEndian.PutUint32(dst[60:], s.MtimeNsec)
	binary.LittleEndian.PutUint32(dst[64:], s.CtimeNsec)
	binary.LittleEndian.PutUint32(dst[68:], s.Mode)
	binary.LittleEndian.PutUint32(dst[72:], s.Unused4)
	binary.LittleEndian.PutUint32(dst[76:], s.UID)
	binary.LittleEndian.PutUint32(dst[80:], s.GID)
	binary.LittleEndian.PutUint32(dst[84:], s.Unused5)
}

func (s *SetattrIn) Unmarshal(src []byte) error {
	if len(src) < SetattrInSize {
		return ErrShortBuffer
	}
	s.Valid = binary.LittleEndian.Uint32(src[0:])
	s.Padding = binary.LittleEndian.Uint32(src[4:])
	s.Fh = binary.LittleEndian.Uint64(src[8:])
	s.Size = binary.LittleEndian.Uint64(src[16:])
	s.LockOwner = binary.LittleEndian.Uint64(src[24:])
	s.Atime = binary.LittleEndian.Uint64(src[32:])
	s.Mtime = binary.LittleEndian.Uint64(src[40:])
	s.Ctime = binary.LittleEndian.Uint64(src[48:])
	s.AtimeNsec = binary.LittleEndian.Uint32(src[56:])
	s.MtimeNsec = binary.LittleEndian.Uint32(src[60:])
	s.CtimeNsec = binary.LittleEndian.Uint32(src[64:])
	s.Mode = binary.LittleEndian.Uint32(src[68:])
	s.Unused4 = binary.LittleEndian.Uint32(src[72:])
	s.UID = binary.LittleEndian.Uint32(src[76:])
	s.GID = binary.LittleEndian.Uint32(src[80:])
	s.Unused5 = binary.LittleEndian.Uint32(src[84:])
	return nil
}

// OpenIn is shared by open and opendir.
type OpenIn struct {
	Flags     uint32
	OpenFlags uint32
}

func (o *OpenIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], o.Flags)
	binary.LittleEndian.PutUint32(dst[4:], o.OpenFlags)
}

func (o *OpenIn) Unmarshal(src []byte) error {
	if len(src) < OpenInSize {
		return ErrShortBuffer
	}
	o.Flags = binary.LittleEndian.Uint32(src[0:])
	o.OpenFlags = binary.LittleEndian.Uint32(src[4:])
	return nil
}

// OpenOut is the reply body of open and opendir, and the second half of a
// create reply.
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	BackingID int32
}

func (o *OpenOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], o.Fh)
	binary.LittleEndian.PutUint32(dst[8:], o.OpenFlags)
	binary.LittleEndian.PutUint32(dst[12:], uint32(o.BackingID))
}

func (o *OpenOut) Unmarshal(src []byte) error {
	if len(src) < OpenOutSize {
		return ErrShortBuffer
	}
	o.Fh = binary.LittleEndian.Uint64(src[0:])
	o.OpenFlags = binary.LittleEndian.Uint32(src[8:])
	o.BackingID = int32(binary.LittleEndian.Uint32(src[12:]))
	return nil
}

// ReadIn is shared by read and readdir; Size bounds the reply payload.
type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

func (r *ReadIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], r.Fh)
	binary.LittleEndian.PutUint64(dst[8:], r.Offset)
	binary.LittleEndian.PutUint32(dst[16:], r.Size)
	binary.LittleEndian.PutUint32(dst[20:], r.ReadFlags)
	binary.LittleEndian.PutUint64(dst[24:], r.LockOwner)
	binary.LittleEndian.PutUint32(dst[32:], r.Flags)
	binary.LittleEndian.PutUint32(dst[36:], r.Padding)
}

func (r *ReadIn) Unmarshal(src []byte) error {
	if len(src) < ReadInSize {
		return ErrShortBuffer
	}
	r.Fh = binary.LittleEndian.Uint64(src[0:])
	r.Offset = binary.LittleEndian.Uint64(src[8:])
	r.Size = binary.LittleEndian.Uint32(src[16:])
	r.ReadFlags = binary.LittleEndian.Uint32(src[20:])
	r.LockOwner = binary.LittleEndian.Uint64(src[24:])
	r.Flags = binary.LittleEndian.Uint32(src[32:])
	r.Padding = binary.LittleEndian.Uint32(src[36:])
	return nil
}

// WriteIn precedes the write payload. Size is the unpadded payload length
// even though the bytes that follow are padded to an 8 byte boundary.
type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

func (w *WriteIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], w.Fh)
	binary.LittleEndian.PutUint64(dst[8:], w.Offset)
	binary.LittleEndian.PutUint32(dst[16:], w.Size)
	binary.LittleEndian.PutUint32(dst[20:], w.WriteFlags)
	binary.LittleEndian.PutUint64(dst[24:], w.LockOwner)
	binary.LittleEndian.PutUint32(dst[32:], w.Flags)
	binary.LittleEndian.PutUint32(dst[36:], w.Padding)
}

func (w *WriteIn) Unmarshal(src []byte) error {
	if len(src) < WriteInSize {
		return ErrShortBuffer
	}
	w.Fh = binary.LittleEndian.Uint64(src[0:])
	w.Offset = binary.LittleEndian.Uint64(src[8:])
	w.Size = binary.LittleEndian.Uint32(src[16:])
	w.WriteFlags = binary.LittleEndian.Uint32(src[20:])
	w.LockOwner = binary.LittleEndian.Uint64(src[24:])
	w.Flags = binary.LittleEndian.Uint32(src[32:])
	w.Padding = binary.LittleEndian.Uint32(src[36:])
	return nil
}

// WriteOut reports how many bytes the backend accepted.
type WriteOut struct {
	Size    uint32
	Padding uint32
}

func (w *WriteOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], w.Size)
	binary.LittleEndian.PutUint32(dst[4:], w.Padding)
}

func (w *WriteOut) Unmarshal(src []byte) error {
	if len(src) < WriteOutSize {
		return ErrShortBuffer
	}
	w.Size = binary.LittleEndian.Uint32(src[0:])
	w.Padding = binary.LittleEndian.Uint32(src[4:])
	return nil
}

// ReleaseIn is shared by release and releasedir.
type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

func (r *ReleaseIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], r.Fh)
	binary.LittleEndian.PutUint32(dst[8:], r.Flags)
	binary.LittleEndian.PutUint32(dst[12:], r.ReleaseFlags)
	binary.LittleEndian.PutUint64(dst[16:], r.LockOwner)
}

func (r *ReleaseIn) Unmarshal(src []byte) error {
	if len(src) < ReleaseInSize {
		return ErrShortBuffer
	}
	r.Fh = binary.LittleEndian.Uint64(src[0:])
	r.Flags = binary.LittleEndian.Uint32(src[8:])
	r.ReleaseFlags = binary.LittleEndian.Uint32(src[12:])
	r.LockOwner = binary.LittleEndian.Uint64(src[16:])
	return nil
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

func (f *FlushIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], f.Fh)
	binary.LittleEndian.PutUint32(dst[8:], f.Unused)
	binary.LittleEndian.PutUint32(dst[12:], f.Padding)
	binary.LittleEndian.PutUint64(dst[16:], f.LockOwner)
}

func (f *FlushIn) Unmarshal(src []byte) error {
	if len(src) < FlushInSize {
		return ErrShortBuffer
	}
	f.Fh = binary.LittleEndian.Uint64(src[0:])
	f.Unused = binary.LittleEndian.Uint32(src[8:])
	f.Padding = binary.LittleEndian.Uint32(src[12:])
	f.LockOwner = binary.LittleEndian.Uint64(src[16:])
	return nil
}

// MkdirIn precedes the padded directory name.
type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

func (m *MkdirIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], m.Mode)
	binary.LittleEndian.PutUint32(dst[4:], m.Umask)
}

func (m *MkdirIn) Unmarshal(src []byte) error {
	if len(src) < MkdirInSize {
		return ErrShortBuffer
	}
	m.Mode = binary.LittleEndian.Uint32(src[0:])
	m.Umask = binary.LittleEndian.Uint32(src[4:])
	return nil
}

// CreateIn precedes the padded file name.
type CreateIn struct {
	Flags     uint32
	Mode      uint32
	Umask     uint32
	OpenFlags uint32
}

func (c *CreateIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], c.Flags)
	binary.LittleEndian.PutUint32(dst[4:], c.Mode)
	binary.LittleEndian.PutUint32(dst[8:], c.Umask)
	binary.LittleEndian.PutUint32(dst[12:], c.OpenFlags)
}

func (c *CreateIn) Unmarshal(src []byte) error {
	if len(src) < CreateInSize {
		return ErrShortBuffer
	}
	c.Flags = binary.LittleEndian.Uint32(src[0:])
	c.Mode = binary.LittleEndian.Uint32(src[4:])
	c.Umask = binary.LittleEndian.Uint32(src[8:])
	c.OpenFlags = binary.LittleEndian.Uint32(src[12:])
	return nil
}

// CreateOut is the combined create reply: the new entry followed by the open
// handle for it.
type CreateOut struct {
	Entry EntryOut
	Open  OpenOut
}

func (c *CreateOut) Marshal(dst []byte) {
	c.Entry.Marshal(dst[0:])
	c.Open.Marshal(dst[EntryOutSize:])
}

func (c *CreateOut) Unmarshal(src []byte) error {
	if len(src) < CreateOutSize {
		return ErrShortBuffer
	}
	if err := c.Entry.Unmarshal(src[0:]); err != nil {
		return err
	}
	return c.Open.Unmarshal(src[EntryOutSize:])
}

// RenameIn precedes the two padded names (old then new).
type RenameIn struct {
	Newdir uint64
}

func (r *RenameIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], r.Newdir)
}

func (r *RenameIn) Unmarshal(src []byte) error {
	if len(src) < RenameInSize {
		return ErrShortBuffer
	}
	r.Newdir = binary.LittleEndian.Uint64(src[0:])
	return nil
}

// Rename2In is the flagged variant of RenameIn.
type Rename2In struct {
	Newdir  uint64
	Flags   uint32
	Padding uint32
}

func (r *Rename2In) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], r.Newdir)
	binary.LittleEndian.PutUint32(dst[8:], r.Flags)
	binary.LittleEndian.PutUint32(dst[12:], r.Padding)
}

func (r *Rename2In) Unmarshal(src []byte) error {
	if len(src) < Rename2InSize {
		return ErrShortBuffer
	}
	r.Newdir = binary.LittleEndian.Uint64(src[0:])
	r.Flags = binary.LittleEndian.Uint32(src[8:])
	r.Padding = binary.LittleEndian.Uint32(src[12:])
	return nil
}

// LinkIn precedes the padded new name.
type LinkIn struct {
	OldNodeID uint64
}

func (l *LinkIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], l.OldNodeID)
}

func (l *LinkIn) Unmarshal(src []byte) error {
	if len(src) < LinkInSize {
		return ErrShortBuffer
	}
	l.OldNodeID = binary.LittleEndian.Uint64(src[0:])
	return nil
}

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

func (a *AccessIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], a.Mask)
	binary.LittleEndian.PutUint32(dst[4:], a.Padding)
}

func (a *AccessIn) Unmarshal(src []byte) error {
	if len(src) < AccessInSize {
		return ErrShortBuffer
	}
	a.Mask = binary.LittleEndian.Uint32(src[0:])
	a.Padding = binary.LittleEndian.Uint32(src[4:])
	return nil
}

// InterruptIn names the in-flight request to cancel. The same unique id also
// appears in the interrupt's own InHeader.
type InterruptIn struct {
	Unique uint64
}

func (i *InterruptIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], i.Unique)
}

func (i *InterruptIn) Unmarshal(src []byte) error {
	if len(src) < InterruptInSize {
		return ErrShortBuffer
	}
	i.Unique = binary.LittleEndian.Uint64(src[0:])
	return nil
}

// ForgetIn drops nlookup references from the node in the InHeader. No reply
// body is ever sent for a forget.
type ForgetIn struct {
	Nlookup uint64
}

func (f *ForgetIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], f.Nlookup)
}

func (f *ForgetIn) Unmarshal(src []byte) error {
	if len(src) < ForgetInSize {
		return ErrShortBuffer
	}
	f.Nlookup = binary.LittleEndian.Uint64(src[0:])
	return nil
}

// BatchForgetIn is followed by Count ForgetOne records.
type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

func (b *BatchForgetIn) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], b.Count)
	binary.LittleEndian.PutUint32(dst[4:], b.Dummy)
}

func (b *BatchForgetIn) Unmarshal(src []byte) error {
	if len(src) < BatchForgetInSize {
		return ErrShortBuffer
	}
	b.Count = binary.LittleEndian.Uint32(src[0:])
	b.Dummy = binary.LittleEndian.Uint32(src[4:])
	return nil
}

// ForgetOne is a single batch-forget record. Its wire size is already a
// multiple of 8, so records pack back to back with no padding.
type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

func (f *ForgetOne) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], f.NodeID)
	binary.LittleEndian.PutUint64(dst[8:], f.Nlookup)
}

func (f *ForgetOne) Unmarshal(src []byte) error {
	if len(src) < ForgetOneSize {
		return ErrShortBuffer
	}
	f.NodeID = binary.LittleEndian.Uint64(src[0:])
	f.Nlookup = binary.LittleEndian.Uint64(src[8:])
	return nil
}

// StatfsOut is the kstatfs block returned by statfs.
type StatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

func (s *StatfsOut) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], s.Blocks)
	binary.LittleEndian.PutUint64(dst[8:], s.Bfree)
	binary.LittleEndian.PutUint64(dst[16:], s.Bavail)
	binary.LittleEndian.PutUint64(dst[24:], s.Files)
	binary.LittleEndian.PutUint64(dst[32:], s.Ffree)
	binary.LittleEndian.PutUint32(dst[40:], s.Bsize)
	binary.LittleEndian.PutUint32(dst[44:], s.Namelen)
	binary.LittleEndian.PutUint32(dst[48:], s.Frsize)
	binary.LittleEndian.PutUint32(dst[52:], s.Padding)
	for n, v := range s.Spare {
		binary.LittleEndian.PutUint32(dst[56+4*n:], v)
	}
}

func (s *StatfsOut) Unmarshal(src []byte) error {
	if len(src) < StatfsOutSize {
		return ErrShortBuffer
	}
	s.Blocks = binary.LittleEndian.Uint64(src[0:])
	s.Bfree = binary.LittleEndian.Uint64(src[8:])
	s.Bavail = binary.LittleEndian.Uint64(src[16:])
	s.Files = binary.LittleEndian.Uint64(src[24:])
	s.Ffree = binary.LittleEndian.Uint64(src[32:])
	s.Bsize = binary.LittleEndian.Uint32(src[40:])
	s.Namelen = binary.LittleEndian.Uint32(src[44:])
	s.Frsize = binary.LittleEndian.Uint32(src[48:])
	s.Padding = binary.LittleEndian.Uint32(src[52:])
	for n := range s.Spare {
		s.Spare[n] = binary.LittleEndian.Uint32(src[56+4*n:])
	}
	return nil
}
