package fuse

import (
	"testing"
)

func TestParseDirents(t *testing.T) {
	var payload []byte
	payload = AppendDirent(payload, 1, 1, 4, ".")
	payload = AppendDirent(payload, 1, 2, 4, "..")
	payload = AppendDirent(payload, 42, 3, 8, "testf01")
	payload = AppendDirent(payload, 43, 4, 8, "a-much-longer-file-name.txt")

	entries, err := ParseDirents(payload)
	if err != nil {
		t.Fatalf("ParseDirents failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	want := []DirEntry{
		{Ino: 1, Off: 1, Type: 4, Name: "."},
		{Ino: 1, Off: 2, Type: 4, Name: ".."},
		{Ino: 42, Off: 3, Type: 8, Name: "testf01"},
		{Ino: 43, Off: 4, Type: 8, Name: "a-much-longer-file-name.txt"},
	}
	for i, e := range entries {
		if e != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, e, want[i])
		}
	}

	// Per-record consumption is Align(DirentSize+Namelen) and the records
	// must account for the payload exactly.
	sum := 0
	for _, e := range want {
		sum += Align(DirentSize + len(e.Name))
	}
	if sum != len(payload) {
		t.Fatalf("record sizes sum to %d, payload is %d", sum, len(payload))
	}
}

func TestParseDirentsEmpty(t *testing.T) {
	entries, err := ParseDirents(nil)
	if err != nil {
		t.Fatalf("ParseDirents(nil) failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestParseDirentsErrors(t *testing.T) {
	good := AppendDirent(nil, 42, 1, 8, "testf01")

	t.Run("TruncatedHead", func(t *testing.T) {
		if _, err := ParseDirents(good[:DirentSize-4]); err == nil {
			t.Fatalf("expected error for truncated head")
		}
	})

	t.Run("NameOverrun", func(t *testing.T) {
		// Chop the record so the declared name no longer fits.
		if _, err := ParseDirents(good[:DirentSize+2]); err == nil {
			t.Fatalf("expected error for overrunning name")
		}
	})

	t.Run("TrailingGarbage", func(t *testing.T) {
		bad := append(append([]byte{}, good...), make([]byte, DirentSize)...)
		if _, err := ParseDirents(bad); err == nil {
			t.Fatalf("expected error for trailing zero record")
		}
	})
}
