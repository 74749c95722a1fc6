//go:build ignore

// This file demonstrates every public API in the virtiofs package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	virtiofs "github.com/tinyrange/virtiofs"
	"github.com/tinyrange/virtiofs/internal/virtq/virtqtest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Transport - the environment contract the driver runs on
	// =========================================================================
	// A real deployment hands New whatever Transport its platform provides
	// (MMIO, PCI, a VMM's in-process device). The in-memory test transport
	// with its synthetic filesystem host stands in here.
	host := virtqtest.NewHost()
	transport := virtqtest.NewTransport("shared", 2, host.Handle)
	defer transport.Close()

	// =========================================================================
	// New - bring-up with options
	// =========================================================================
	dev, err := virtiofs.New(transport,
		virtiofs.WithLogger(slog.Default()),
		virtiofs.WithClock(clock.New()),
		virtiofs.WithRequestTimeout(30*time.Second),
		virtiofs.WithMaxQueues(2),
		virtiofs.WithBufferSize(virtiofs.DefaultBufferSize),
		virtiofs.WithRequiredFeatures(virtiofs.FeatureNotification),
	)
	if err != nil {
		return fmt.Errorf("new device: %w", err)
	}
	defer dev.Close()

	// Device accessors
	_ = dev.Tag()                // export name from the config space
	_ = dev.NumRequestQueues()   // how many request queues are in use
	_ = dev.NegotiatedFeatures() // accepted feature bits
	_ = dev.State()              // StateReady until Close
	_ = dev.MaxWriteSize()       // largest Write payload a slot can hold
	_ = dev.MaxReadSize()        // largest Read size a slot can hold

	// =========================================================================
	// Init / Session - the FUSE handshake
	// =========================================================================
	initOut, err := dev.Init(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Printf("session: 7.%d, max write %d\n", initOut.Minor, initOut.MaxWrite)
	_ = dev.Session() // negotiated snapshot, Inited true from here

	// =========================================================================
	// Path resolution and attributes
	// =========================================================================
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if _, err := dev.Getattr(ctx, entry.NodeID, 0, 0); err != nil {
		return fmt.Errorf("getattr: %w", err)
	}
	if _, err := dev.Setattr(ctx, entry.NodeID, &virtiofs.SetattrIn{
		Valid: virtiofs.FATTR_MODE,
		Mode:  0o600,
	}); err != nil {
		return fmt.Errorf("setattr: %w", err)
	}
	if err := dev.Access(ctx, entry.NodeID, 4); err != nil {
		return fmt.Errorf("access: %w", err)
	}

	// =========================================================================
	// File I/O
	// =========================================================================
	open, err := dev.Open(ctx, entry.NodeID, 0)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	data, err := dev.Read(ctx, entry.NodeID, open.Fh, 0, 4096)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf("read %d bytes\n", len(data))
	if _, err := dev.Write(ctx, entry.NodeID, open.Fh, 0, []byte("hello")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := dev.Flush(ctx, entry.NodeID, open.Fh, 0); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := dev.Release(ctx, entry.NodeID, open.Fh, 0, true); err != nil {
		return fmt.Errorf("release: %w", err)
	}

	// =========================================================================
	// Directories
	// =========================================================================
	dirOpen, err := dev.Opendir(ctx, virtiofs.RootID, 0)
	if err != nil {
		return fmt.Errorf("opendir: %w", err)
	}
	entries, err := dev.Readdir(ctx, virtiofs.RootID, dirOpen.Fh, 0, 4096)
	if err != nil {
		return fmt.Errorf("readdir: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("  %s (node %d)\n", e.Name, e.Ino)
	}
	if err := dev.Releasedir(ctx, virtiofs.RootID, dirOpen.Fh, 0); err != nil {
		return fmt.Errorf("releasedir: %w", err)
	}

	// =========================================================================
	// Tree mutation
	// =========================================================================
	created, err := dev.Create(ctx, virtiofs.RootID, "scratch.txt", 0, 0o644, 0o022)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	dir, err := dev.Mkdir(ctx, virtiofs.RootID, "workdir", 0o755, 0o022)
	if err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := dev.Link(ctx, created.Entry.NodeID, dir.NodeID, "alias"); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := dev.Rename(ctx, virtiofs.RootID, "scratch.txt", dir.NodeID, "scratch.txt"); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if err := dev.Rename2(ctx, dir.NodeID, "scratch.txt", virtiofs.RootID, "scratch.txt", 0); err != nil {
		return fmt.Errorf("rename2: %w", err)
	}
	if err := dev.Unlink(ctx, virtiofs.RootID, "scratch.txt"); err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	if err := dev.Unlink(ctx, dir.NodeID, "alias"); err != nil {
		return fmt.Errorf("unlink alias: %w", err)
	}
	if err := dev.Rmdir(ctx, virtiofs.RootID, "workdir"); err != nil {
		return fmt.Errorf("rmdir: %w", err)
	}

	// =========================================================================
	// Filesystem statistics
	// =========================================================================
	statfs, err := dev.Statfs(ctx, virtiofs.RootID)
	if err != nil {
		return fmt.Errorf("statfs: %w", err)
	}
	fmt.Printf("blocks: %d free of %d\n", statfs.Bfree, statfs.Blocks)

	// =========================================================================
	// Reference management - priority queue traffic
	// =========================================================================
	if err := dev.Forget(ctx, entry.NodeID, 1); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	if err := dev.BatchForget(ctx, []virtiofs.ForgetOne{
		{NodeID: dir.NodeID, Nlookup: 1},
		{NodeID: created.Entry.NodeID, Nlookup: 1},
	}); err != nil {
		return fmt.Errorf("batch forget: %w", err)
	}
	// Interrupt chases an in-flight request by its unique id.
	if err := dev.Interrupt(ctx, 42); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}

	// =========================================================================
	// Error taxonomy
	// =========================================================================
	if _, err := dev.Lookup(ctx, virtiofs.RootID, "no-such-name"); err != nil {
		var errno virtiofs.Errno
		if errors.As(err, &errno) {
			fmt.Printf("backend said: %v\n", errno) // an ordinary errno result
		}
		var perr *virtiofs.ProtocolError
		if errors.As(err, &perr) {
			fmt.Printf("wire damage: %v\n", perr) // never guessed around
		}
		if errors.Is(err, virtiofs.ErrTimeout) {
			fmt.Println("request timed out; its slot recycles on completion")
		}
	}

	// =========================================================================
	// Stats and teardown
	// =========================================================================
	stats := dev.Stats()
	fmt.Printf("submitted %d, completed %d, backend errors %d\n",
		stats.Submitted, stats.Completed, stats.BackendErrors)

	if err := dev.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	if err := dev.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := dev.Close(); !errors.Is(err, virtiofs.ErrAlreadyClosed) {
		return fmt.Errorf("second close: %w", err)
	}
	return nil
}
