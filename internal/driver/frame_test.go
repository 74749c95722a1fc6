package driver

import (
	"bytes"
	"testing"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

func TestProfiles(t *testing.T) {
	for op, prof := range profiles {
		if prof.op != op {
			t.Errorf("profile for %s carries opcode %s", op, prof.op)
		}
		wantPriority := op == fuse.FUSE_FORGET || op == fuse.FUSE_BATCH_FORGET || op == fuse.FUSE_INTERRUPT
		if prof.priority != wantPriority {
			t.Errorf("profile for %s: priority = %v, want %v", op, prof.priority, wantPriority)
		}
		if prof.outKind == outFixed && prof.outSize == 0 {
			t.Errorf("profile for %s: fixed reply with zero size", op)
		}
		if prof.outKind != outFixed && prof.outSize != 0 {
			t.Errorf("profile for %s: outSize on a non-fixed reply", op)
		}
		if prof.outKind == outNone && !prof.priority {
			t.Errorf("profile for %s: reply-less opcode off the priority queue", op)
		}
	}
}

func TestFrameExtents(t *testing.T) {
	tests := []struct {
		name     string
		op       fuse.Opcode
		variable int
		outBound int
		lenIn    int
		lenOut   int
	}{
		{"lookup", fuse.FUSE_LOOKUP, 8, 0, 48, 144},
		{"forget", fuse.FUSE_FORGET, 0, 0, 48, 0},
		{"batch forget", fuse.FUSE_BATCH_FORGET, 32, 0, 80, 0},
		{"write", fuse.FUSE_WRITE, 16, 0, 96, 24},
		{"read", fuse.FUSE_READ, 0, 4096, 80, 4112},
		{"readdir", fuse.FUSE_READDIR, 0, 512, 80, 528},
		{"statfs", fuse.FUSE_STATFS, 0, 0, 40, 96},
		{"flush", fuse.FUSE_FLUSH, 0, 0, 64, 16},
		{"init", fuse.FUSE_INIT, 0, 0, 104, 80},
		{"interrupt", fuse.FUSE_INTERRUPT, 0, 0, 48, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lenIn, lenOut := frameExtents(profiles[tt.op], tt.variable, tt.outBound)
			if lenIn != tt.lenIn || lenOut != tt.lenOut {
				t.Fatalf("frameExtents(%s) = (%d, %d), want (%d, %d)",
					tt.op, lenIn, lenOut, tt.lenIn, tt.lenOut)
			}
		})
	}
}

func TestBuildFrame(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		prof := profiles[fuse.FUSE_LOOKUP]
		name := fuse.AppendName(nil, "testf01")
		lenIn, lenOut := frameExtents(prof, len(name), 0)

		// Fill dst with junk so the zeroed reply placeholder is observable.
		dst := bytes.Repeat([]byte{0xaa}, 512)
		frame := buildFrame(dst, prof, fuse.InHeader{Unique: 7, NodeID: fuse.RootID}, nil, name, lenIn, lenOut)

		if len(frame) != lenIn+lenOut {
			t.Fatalf("frame is %d bytes, want %d", len(frame), lenIn+lenOut)
		}
		var hdr fuse.InHeader
		if err := hdr.Unmarshal(frame); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if hdr.Len != uint32(lenIn) || hdr.Opcode != fuse.FUSE_LOOKUP || hdr.Unique != 7 || hdr.NodeID != fuse.RootID {
			t.Fatalf("header = %+v", hdr)
		}
		if got := string(frame[fuse.InHeaderSize : fuse.InHeaderSize+7]); got != "testf01" {
			t.Fatalf("name bytes = %q, want %q", got, "testf01")
		}
		if frame[fuse.InHeaderSize+7] != 0 {
			t.Fatal("name is not NUL terminated")
		}
		for i := lenIn; i < len(frame); i++ {
			if frame[i] != 0 {
				t.Fatalf("reply placeholder byte %d not zeroed", i)
			}
		}
	})

	t.Run("write payload padding", func(t *testing.T) {
		prof := profiles[fuse.FUSE_WRITE]
		data := []byte("Hello world 123") // 15 bytes, pads to 16 on the wire
		in := fuse.WriteIn{Fh: 3, Offset: 7, Size: uint32(len(data))}
		variable := fuse.AppendPadded(nil, data)
		if len(variable) != 16 {
			t.Fatalf("padded payload is %d bytes, want 16", len(variable))
		}

		lenIn, lenOut := frameExtents(prof, len(variable), 0)
		if lenIn != fuse.InHeaderSize+fuse.WriteInSize+16 {
			t.Fatalf("lenIn = %d, want %d", lenIn, fuse.InHeaderSize+fuse.WriteInSize+16)
		}
		frame := buildFrame(make([]byte, 256), prof, fuse.InHeader{Unique: 9, NodeID: 2}, &in, variable, lenIn, lenOut)

		var got fuse.WriteIn
		if err := got.Unmarshal(frame[fuse.InHeaderSize:]); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if got.Size != 15 {
			t.Fatalf("WriteIn.Size = %d, want the unpadded 15", got.Size)
		}
		payload := frame[fuse.InHeaderSize+fuse.WriteInSize : lenIn]
		if !bytes.Equal(payload[:15], data) {
			t.Fatalf("payload = %q, want %q", payload[:15], data)
		}
		if payload[15] != 0 {
			t.Fatal("payload padding byte not zero")
		}
	})
}
