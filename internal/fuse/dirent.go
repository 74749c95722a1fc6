package fuse

import (
	"encoding/binary"
	"fmt"
)

// Dirent is the fixed head of one directory entry in a readdir reply. The
// name follows immediately, then zero padding up to the next 8 byte boundary.
type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

func (d *Dirent) Marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], d.Ino)
	binary.LittleEndian.PutUint64(dst[8:], d.Off)
	binary.LittleEndian.PutUint32(dst[16:], d.Namelen)
	binary.LittleEndian.PutUint32(dst[20:], d.Type)
}

func (d *Dirent) Unmarshal(src []byte) error {
	if len(src) < DirentSize {
		return ErrShortBuffer
	}
	d.Ino = binary.LittleEndian.Uint64(src[0:])
	d.Off = binary.LittleEndian.Uint64(src[8:])
	d.Namelen = binary.LittleEndian.Uint32(src[16:])
	d.Type = binary.LittleEndian.Uint32(src[20:])
	return nil
}

// DirEntry is a decoded directory entry.
type DirEntry struct {
	Ino  uint64
	Off  uint64 // opaque resume offset for the next readdir
	Type uint32
	Name string
}

// DirentError reports a malformed directory entry stream.
type DirentError struct {
	Offset int // byte offset of the bad record within the payload
	Reason string
}

func (e *DirentError) Error() string {
	return fmt.Sprintf("fuse: bad dirent at %d: %s", e.Offset, e.Reason)
}

// ParseDirents decodes a readdir payload. The stream must consume the
// payload exactly: each record is a Dirent head, Namelen name bytes and
// padding to the next 8 byte boundary, and the final record's padding ends
// at the final payload byte.
func ParseDirents(payload []byte) ([]DirEntry, error) {
	var entries []DirEntry
	off := 0
	for off < len(payload) {
		var head Dirent
		if err := head.Unmarshal(payload[off:]); err != nil {
			return nil, &DirentError{Offset: off, Reason: "truncated record head"}
		}
		if head.Namelen == 0 {
			return nil, &DirentError{Offset: off, Reason: "zero-length name"}
		}
		total := Align(DirentSize + int(head.Namelen))
		if off+total > len(payload) {
			return nil, &DirentError{Offset: off, Reason: "record overruns payload"}
		}
		name := payload[off+DirentSize : off+DirentSize+int(head.Namelen)]
		entries = append(entries, DirEntry{
			Ino:  head.Ino,
			Off:  head.Off,
			Type: head.Type,
			Name: string(name),
		})
		off += total
	}
	return entries, nil
}

// AppendDirent appends one directory entry record in wire form.
func AppendDirent(dst []byte, ino, off uint64, typ uint32, name string) []byte {
	head := Dirent{
		Ino:     ino,
		Off:     off,
		Namelen: uint32(len(name)),
		Type:    typ,
	}
	var buf [DirentSize]byte
	head.Marshal(buf[:])
	dst = append(dst, buf[:]...)
	dst = append(dst, name...)
	for n := DirentSize + len(name); n < Align(DirentSize+len(name)); n++ {
		dst = append(dst, 0)
	}
	return dst
}
