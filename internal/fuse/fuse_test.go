package fuse

import (
	"bytes"
	"errors"
	"testing"
)

func TestAlign(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 0}, {1, 8}, {7, 8}, {8, 8}, {9, 16}, {15, 16}, {16, 16}, {24, 24},
	}
	for _, c := range cases {
		if got := Align(c.in); got != c.want {
			t.Fatalf("Align(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNamePadding(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"", 8},        // NUL alone still pads to 8
		{"a", 8},       // 1+1 -> 8
		{"testf01", 8}, // 7+1 -> 8
		{"testf012", 16},
		{"exactly15bytes!", 16},
		{"sixteen-bytes-xx", 24},
	}
	for _, c := range cases {
		got := AppendName(nil, c.name)
		if len(got) != c.want {
			t.Fatalf("AppendName(%q) length = %d, want %d", c.name, len(got), c.want)
		}
		if len(got)%8 != 0 {
			t.Fatalf("AppendName(%q) length %d not a multiple of 8", c.name, len(got))
		}
		if !bytes.Equal(got[:len(c.name)], []byte(c.name)) {
			t.Fatalf("AppendName(%q) mangled the name: %q", c.name, got)
		}
		for i := len(c.name); i < len(got); i++ {
			if got[i] != 0 {
				t.Fatalf("AppendName(%q) byte %d = %#x, want 0", c.name, i, got[i])
			}
		}
	}
}

func TestPayloadPadding(t *testing.T) {
	got := AppendPadded(nil, bytes.Repeat([]byte{0xaa}, 15))
	if len(got) != 16 {
		t.Fatalf("padded length = %d, want 16", len(got))
	}
	if got[15] != 0 {
		t.Fatalf("padding byte = %#x, want 0", got[15])
	}

	// Already aligned payloads must not grow.
	got = AppendPadded(nil, bytes.Repeat([]byte{0xbb}, 24))
	if len(got) != 24 {
		t.Fatalf("aligned payload grew to %d", len(got))
	}
}

func TestInHeaderRoundTrip(t *testing.T) {
	in := InHeader{
		Len:    uint32(InHeaderSize + 8),
		Opcode: FUSE_LOOKUP,
		Unique: 0xdeadbeefcafe,
		NodeID: 1,
		UID:    1000,
		GID:    1000,
		PID:    4321,
	}
	var buf [InHeaderSize]byte
	in.Marshal(buf[:])

	var out InHeader
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	if err := out.Unmarshal(buf[:InHeaderSize-1]); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("short unmarshal error = %v, want ErrShortBuffer", err)
	}
}

func TestEntryOutRoundTrip(t *testing.T) {
	in := EntryOut{
		NodeID:     42,
		Generation: 7,
		EntryValid: 1, AttrValid: 2,
		EntryValidNsec: 3, AttrValidNsec: 4,
		Attr: Attr{
			Ino: 42, Size: 4096, Blocks: 8,
			Atime: 100, Mtime: 200, Ctime: 300,
			AtimeNsec: 1, MtimeNsec: 2, CtimeNsec: 3,
			Mode: 0o100644, Nlink: 1, UID: 1000, GID: 1000,
			Blksize: 4096,
		},
	}
	var buf [EntryOutSize]byte
	in.Marshal(buf[:])

	var out EntryOut
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestInitOutRoundTrip(t *testing.T) {
	in := InitOut{
		Major: FUSE_KERNEL_VERSION, Minor: FUSE_KERNEL_MINOR_VERSION,
		MaxReadahead:  65536,
		Flags:         FUSE_BIG_WRITES | FUSE_INIT_EXT,
		MaxBackground: 12, CongestionThreshold: 9,
		MaxWrite: 131072, TimeGran: 1,
		MaxPages: 32, MapAlignment: 12,
		Flags2: 1,
	}
	var buf [InitOutSize]byte
	in.Marshal(buf[:])

	var out InitOut
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestStatfsOutRoundTrip(t *testing.T) {
	in := StatfsOut{
		Blocks: 1 << 20, Bfree: 1 << 19, Bavail: 1 << 18,
		Files: 1024, Ffree: 512,
		Bsize: 4096, Namelen: 255, Frsize: 4096,
		Spare: [6]uint32{9, 8, 7, 6, 5, 4},
	}
	var buf [StatfsOutSize]byte
	in.Marshal(buf[:])

	var out StatfsOut
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestCreateOutRoundTrip(t *testing.T) {
	in := CreateOut{
		Entry: EntryOut{NodeID: 9, Attr: Attr{Ino: 9, Mode: 0o100600, Nlink: 1}},
		Open:  OpenOut{Fh: 77, OpenFlags: 1},
	}
	var buf [CreateOutSize]byte
	in.Marshal(buf[:])

	var out CreateOut
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}

	// The open half must land right after the entry half.
	var open OpenOut
	if err := open.Unmarshal(buf[EntryOutSize:]); err != nil {
		t.Fatalf("Unmarshal open half: %v", err)
	}
	if open.Fh != 77 {
		t.Fatalf("open half Fh = %d, want 77", open.Fh)
	}
}

func TestOutHeaderErrno(t *testing.T) {
	h := OutHeader{Len: OutHeaderSize, Error: -2, Unique: 5} // -ENOENT
	err := h.Errno()
	var errno Errno
	if !errors.As(err, &errno) || errno != 2 {
		t.Fatalf("Errno() = %v, want ENOENT", err)
	}
	if got := err.Error(); got != "fuse: ENOENT" {
		t.Fatalf("Errno string = %q", got)
	}

	h.Error = 0
	if err := h.Errno(); err != nil {
		t.Fatalf("zero status produced error %v", err)
	}

	// Only negated errnos are status values; a positive number is not ours
	// to interpret.
	h.Error = 2
	if err := h.Errno(); err != nil {
		t.Fatalf("positive status produced errno %v", err)
	}
}

func TestOpcodeString(t *testing.T) {
	if got := FUSE_BATCH_FORGET.String(); got != "FUSE_BATCH_FORGET" {
		t.Fatalf("String() = %q", got)
	}
	if Opcode(9999).Valid() {
		t.Fatalf("Opcode(9999) reported valid")
	}
	if !FUSE_LOOKUP.Valid() {
		t.Fatalf("FUSE_LOOKUP reported invalid")
	}
}
