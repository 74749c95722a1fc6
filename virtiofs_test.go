package virtiofs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	virtiofs "github.com/tinyrange/virtiofs"
	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq/virtqtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDevice(t *testing.T, opts ...virtiofs.Option) (*virtiofs.Device, *virtqtest.Host) {
	t.Helper()
	host := virtqtest.NewHost()
	tr := virtqtest.NewTransport("shared", 2, host.Handle)
	t.Cleanup(func() { tr.Close() })

	opts = append([]virtiofs.Option{virtiofs.WithLogger(quietLogger())}, opts...)
	dev, err := virtiofs.New(tr, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, host
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dev, host := newDevice(t, virtiofs.WithRequestTimeout(10*time.Second))

	if got := dev.Tag(); got != "shared" {
		t.Fatalf("Tag() = %q, want %q", got, "shared")
	}

	// Establish the FUSE session.
	init, err := dev.Init(ctx)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if init.Major != 7 || init.Minor != 38 {
		t.Fatalf("Init() negotiated %d.%d, want 7.38", init.Major, init.Minor)
	}
	if !dev.Session().Inited {
		t.Fatal("Session() not marked inited")
	}

	// Resolve and read the seeded file.
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	open, err := dev.Open(ctx, entry.NodeID, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := dev.Read(ctx, entry.NodeID, open.Fh, 0, 4096)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if want := host.FileData(entry.NodeID); !bytes.Equal(data, want) {
		t.Fatalf("Read() = %q, want %q", data, want)
	}

	// Create a file, write through it, read it back.
	created, err := dev.Create(ctx, virtiofs.RootID, "notes.txt", 0, 0o644, 0o022)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	payload := []byte("Hello world 123")
	n, err := dev.Write(ctx, created.Entry.NodeID, created.Open.Fh, 0, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != uint32(len(payload)) {
		t.Fatalf("Write() = %d, want %d", n, len(payload))
	}
	back, err := dev.Read(ctx, created.Entry.NodeID, created.Open.Fh, 0, 64)
	if err != nil {
		t.Fatalf("Read() back error = %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("Read() back = %q, want %q", back, payload)
	}

	// List the root directory.
	dirOpen, err := dev.Opendir(ctx, virtiofs.RootID, 0)
	if err != nil {
		t.Fatalf("Opendir() error = %v", err)
	}
	entries, err := dev.Readdir(ctx, virtiofs.RootID, dirOpen.Fh, 0, 4096)
	if err != nil {
		t.Fatalf("Readdir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if len(names) != 4 || names[2] != "notes.txt" || names[3] != "testf01" {
		t.Fatalf("Readdir() names = %v", names)
	}

	// Drop references and end the session.
	if err := dev.Forget(ctx, created.Entry.NodeID, 1); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := dev.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if !host.Destroyed() {
		t.Fatal("host never saw DESTROY")
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := dev.Close(); !errors.Is(err, virtiofs.ErrAlreadyClosed) {
		t.Fatalf("second Close() = %v, want ErrAlreadyClosed", err)
	}
	if _, err := dev.Statfs(ctx, virtiofs.RootID); !errors.Is(err, virtiofs.ErrClosed) {
		t.Fatalf("Statfs() after Close = %v, want ErrClosed", err)
	}

	stats := dev.Stats()
	if stats.Submitted == 0 || stats.Submitted != stats.Completed {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestOptions(t *testing.T) {
	t.Run("max queues", func(t *testing.T) {
		dev, _ := newDevice(t, virtiofs.WithMaxQueues(1))
		if got := dev.NumRequestQueues(); got != 1 {
			t.Fatalf("NumRequestQueues() = %d, want 1", got)
		}
	})

	t.Run("buffer size bounds frames", func(t *testing.T) {
		small, _ := newDevice(t, virtiofs.WithBufferSize(16<<10))
		large, _ := newDevice(t, virtiofs.WithBufferSize(64<<10))
		if small.MaxWriteSize() >= large.MaxWriteSize() {
			t.Fatalf("MaxWriteSize() = %d and %d, want the small buffer smaller",
				small.MaxWriteSize(), large.MaxWriteSize())
		}
		ctx := context.Background()
		big := make([]byte, small.MaxWriteSize()+8)
		if _, err := small.Write(ctx, 2, 1, 0, big); !errors.Is(err, virtiofs.ErrFrameTooLarge) {
			t.Fatalf("Write() error = %v, want ErrFrameTooLarge", err)
		}
	})

	t.Run("required features", func(t *testing.T) {
		host := virtqtest.NewHost()
		tr := virtqtest.NewTransport("shared", 1, host.Handle)
		defer tr.Close()
		_, err := virtiofs.New(tr,
			virtiofs.WithLogger(quietLogger()),
			virtiofs.WithRequiredFeatures(1<<33))
		if !errors.Is(err, virtiofs.ErrFeatures) {
			t.Fatalf("New() error = %v, want ErrFeatures", err)
		}

		dev, err := virtiofs.New(tr,
			virtiofs.WithLogger(quietLogger()),
			virtiofs.WithRequiredFeatures(virtiofs.FeatureNotification))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer dev.Close()
		if got := dev.NegotiatedFeatures(); got != virtiofs.FeatureNotification {
			t.Fatalf("NegotiatedFeatures() = %#x, want %#x", got, virtiofs.FeatureNotification)
		}
	})
}

func TestErrorTaxonomy(t *testing.T) {
	dev, host := newDevice(t)
	ctx := context.Background()

	// Backend failures surface as typed errnos wrapped in *Error.
	host.FailOp[fuse.FUSE_OPEN] = virtiofs.Errno(unix.EACCES)
	_, err := dev.Open(ctx, 2, 0)
	var errno virtiofs.Errno
	if !errors.As(err, &errno) || errno != virtiofs.Errno(unix.EACCES) {
		t.Fatalf("Open() error = %v, want EACCES", err)
	}
	var opErr *virtiofs.Error
	if !errors.As(err, &opErr) || opErr.Op != "open" {
		t.Fatalf("Open() error = %v, want an *Error for op open", err)
	}

	// Wire damage surfaces as *ProtocolError, never as a guessed result.
	host.BadUniqueOp[fuse.FUSE_GETATTR] = true
	if _, err := dev.Getattr(ctx, virtiofs.RootID, 0, 0); err == nil {
		t.Fatal("Getattr() accepted a corrupted reply")
	} else {
		var perr *virtiofs.ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Getattr() error = %v, want a *ProtocolError", err)
		}
	}
}
