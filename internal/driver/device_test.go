package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq"
	"github.com/tinyrange/virtiofs/internal/virtq/virtqtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDevice(t *testing.T, host *virtqtest.Host, opts Options) (*Device, *virtqtest.Transport) {
	t.Helper()
	tr := virtqtest.NewTransport("testfs", 2, host.Handle)
	t.Cleanup(func() { tr.Close() })
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	d, err := New(tr, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBringUp(t *testing.T) {
	d, tr := newTestDevice(t, virtqtest.NewHost(), Options{})

	if got := d.Tag(); got != "testfs" {
		t.Fatalf("Tag() = %q, want %q", got, "testfs")
	}
	if got := d.NumRequestQueues(); got != 2 {
		t.Fatalf("NumRequestQueues() = %d, want 2", got)
	}
	if got := d.State(); got != StateReady {
		t.Fatalf("State() = %v, want %v", got, StateReady)
	}
	if d.Session().Inited {
		t.Fatal("session marked inited before Init")
	}
	if d.MaxWriteSize() <= 0 || d.MaxReadSize() <= 0 {
		t.Fatalf("size limits = (%d, %d)", d.MaxWriteSize(), d.MaxReadSize())
	}
	// Nothing was required, so nothing is negotiated.
	if got := d.NegotiatedFeatures(); got != 0 {
		t.Fatalf("NegotiatedFeatures() = %#x, want 0", got)
	}
	if got := tr.AcceptedFeatures(); got != 0 {
		t.Fatalf("AcceptedFeatures() = %#x, want 0", got)
	}
}

func TestBringUpRejects(t *testing.T) {
	host := virtqtest.NewHost()

	t.Run("empty tag", func(t *testing.T) {
		tr := virtqtest.NewTransport("", 1, host.Handle)
		defer tr.Close()
		if _, err := New(tr, Options{Logger: testLogger()}); err == nil {
			t.Fatal("New() accepted an empty tag")
		}
	})

	t.Run("zero request queues", func(t *testing.T) {
		tr := virtqtest.NewTransport("testfs", 0, host.Handle)
		defer tr.Close()
		if _, err := New(tr, Options{Logger: testLogger()}); err == nil {
			t.Fatal("New() accepted zero request queues")
		}
	})

	t.Run("missing required feature", func(t *testing.T) {
		tr := virtqtest.NewTransport("testfs", 1, host.Handle)
		defer tr.Close()
		_, err := New(tr, Options{Logger: testLogger(), RequiredFeatures: 1 << 40})
		if !errors.Is(err, ErrFeatures) {
			t.Fatalf("New() error = %v, want ErrFeatures", err)
		}
	})

	t.Run("required feature negotiated", func(t *testing.T) {
		tr := virtqtest.NewTransport("testfs", 1, host.Handle)
		defer tr.Close()
		d, err := New(tr, Options{Logger: testLogger(), RequiredFeatures: virtq.FeatureNotification})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer d.Close()
		if got := d.NegotiatedFeatures(); got != virtq.FeatureNotification {
			t.Fatalf("NegotiatedFeatures() = %#x, want %#x", got, virtq.FeatureNotification)
		}
		if got := tr.AcceptedFeatures(); got != virtq.FeatureNotification {
			t.Fatalf("AcceptedFeatures() = %#x, want %#x", got, virtq.FeatureNotification)
		}
	})
}

func TestInitDestroy(t *testing.T) {
	host := virtqtest.NewHost()
	d, tr := newTestDevice(t, host, Options{})
	ctx := context.Background()

	out, err := d.Init(ctx)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if out.Major != 7 || out.Minor != 38 {
		t.Fatalf("Init() negotiated %d.%d, want 7.38", out.Major, out.Minor)
	}
	if out.MaxWrite != 1<<17 {
		t.Fatalf("Init() MaxWrite = %d, want %d", out.MaxWrite, 1<<17)
	}
	sess := d.Session()
	if !sess.Inited || sess.Minor != 38 || sess.MaxWrite != 1<<17 || sess.MaxPages != 32 {
		t.Fatalf("Session() = %+v", sess)
	}

	// First request on the device: unique starts at 1, and the frame is the
	// 40 byte header plus the 64 byte InitIn.
	recs := host.RequestsFor(fuse.FUSE_INIT)
	if len(recs) != 1 {
		t.Fatalf("host saw %d INIT frames, want 1", len(recs))
	}
	if recs[0].Header.Unique != 1 {
		t.Fatalf("INIT unique = %d, want 1", recs[0].Header.Unique)
	}
	if recs[0].Header.Len != fuse.InHeaderSize+fuse.InitInSize {
		t.Fatalf("INIT header len = %d, want %d", recs[0].Header.Len, fuse.InHeaderSize+fuse.InitInSize)
	}

	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if !host.Destroyed() {
		t.Fatal("host never saw DESTROY")
	}
	if d.Session().Inited {
		t.Fatal("session still inited after Destroy")
	}
	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}

func TestLookup(t *testing.T) {
	host := virtqtest.NewHost()
	d, _ := newTestDevice(t, host, Options{})
	ctx := context.Background()

	entry, err := d.Lookup(ctx, fuse.RootID, "testf01")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if entry.NodeID != 2 || entry.Attr.Ino != 2 {
		t.Fatalf("Lookup() entry = %+v, want node 2", entry)
	}
	if entry.Attr.Mode&unix.S_IFMT != unix.S_IFREG {
		t.Fatalf("Lookup() mode = %#o, want a regular file", entry.Attr.Mode)
	}

	// "testf01" plus its NUL pads to 8 bytes.
	recs := host.RequestsFor(fuse.FUSE_LOOKUP)
	if len(recs) != 1 {
		t.Fatalf("host saw %d LOOKUP frames, want 1", len(recs))
	}
	if recs[0].Header.Len != fuse.InHeaderSize+8 {
		t.Fatalf("LOOKUP header len = %d, want %d", recs[0].Header.Len, fuse.InHeaderSize+8)
	}
	if !bytes.Equal(recs[0].Body, []byte("testf01\x00")) {
		t.Fatalf("LOOKUP body = %q", recs[0].Body)
	}
	if recs[0].Queue == 0 {
		t.Fatal("LOOKUP rode the priority queue")
	}

	if _, err := d.Lookup(ctx, fuse.RootID, "absent"); err == nil {
		t.Fatal("Lookup() of a missing name succeeded")
	} else {
		var errno fuse.Errno
		if !errors.As(err, &errno) || errno != fuse.Errno(unix.ENOENT) {
			t.Fatalf("Lookup() error = %v, want ENOENT", err)
		}
	}
	if got := d.Stats().BackendErrors; got != 1 {
		t.Fatalf("Stats().BackendErrors = %d, want 1", got)
	}
}

func TestReadWrite(t *testing.T) {
	host := virtqtest.NewHost()
	d, tr := newTestDevice(t, host, Options{})
	ctx := context.Background()

	open, err := d.Open(ctx, 2, uint32(unix.O_RDWR))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// 15 bytes of payload travel padded to 16 but count as 15.
	data := []byte("Hello world 123")
	n, err := d.Write(ctx, 2, open.Fh, 7, data)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 15 {
		t.Fatalf("Write() = %d, want 15", n)
	}
	recs := host.RequestsFor(fuse.FUSE_WRITE)
	if len(recs) != 1 {
		t.Fatalf("host saw %d WRITE frames, want 1", len(recs))
	}
	if want := uint32(fuse.InHeaderSize + fuse.WriteInSize + 16); recs[0].Header.Len != want {
		t.Fatalf("WRITE header len = %d, want %d", recs[0].Header.Len, want)
	}
	if got := host.FileData(2)[7 : 7+15]; !bytes.Equal(got, data) {
		t.Fatalf("file data = %q, want %q", got, data)
	}

	back, err := d.Read(ctx, 2, open.Fh, 7, 15)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatalf("Read() = %q, want %q", back, data)
	}

	// Reads past the end come back short, not failed.
	tail, err := d.Read(ctx, 2, open.Fh, 0, 4096)
	if err != nil {
		t.Fatalf("Read() of whole file error = %v", err)
	}
	if len(tail) != len(host.FileData(2)) {
		t.Fatalf("Read() returned %d bytes, file has %d", len(tail), len(host.FileData(2)))
	}

	if err := d.Flush(ctx, 2, open.Fh, 0); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := d.Release(ctx, 2, open.Fh, uint32(unix.O_RDWR), true); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}

func TestReaddir(t *testing.T) {
	host := virtqtest.NewHost()
	host.SeedDir("sub")
	d, _ := newTestDevice(t, host, Options{})
	ctx := context.Background()

	open, err := d.Opendir(ctx, fuse.RootID, 0)
	if err != nil {
		t.Fatalf("Opendir() error = %v", err)
	}
	entries, err := d.Readdir(ctx, fuse.RootID, open.Fh, 0, 4096)
	if err != nil {
		t.Fatalf("Readdir() error = %v", err)
	}
	want := []string{".", "..", "sub", "testf01"}
	if len(entries) != len(want) {
		t.Fatalf("Readdir() returned %d entries, want %d", len(entries), len(want))
	}
	for i, name := range want {
		if entries[i].Name != name {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].Name, name)
		}
		if entries[i].Off != uint64(i+1) {
			t.Fatalf("entry %d cookie = %d, want %d", i, entries[i].Off, i+1)
		}
	}
	if entries[2].Type != unix.DT_DIR || entries[3].Type != unix.DT_REG {
		t.Fatalf("entry types = %d, %d", entries[2].Type, entries[3].Type)
	}

	// Resume from a cookie.
	rest, err := d.Readdir(ctx, fuse.RootID, open.Fh, 2, 4096)
	if err != nil {
		t.Fatalf("Readdir() resume error = %v", err)
	}
	if len(rest) != 2 || rest[0].Name != "sub" {
		t.Fatalf("Readdir() resume = %+v", rest)
	}

	if err := d.Releasedir(ctx, fuse.RootID, open.Fh, 0); err != nil {
		t.Fatalf("Releasedir() error = %v", err)
	}
}

func TestForgetClass(t *testing.T) {
	host := virtqtest.NewHost()
	d, _ := newTestDevice(t, host, Options{})
	ctx := context.Background()

	if err := d.Forget(ctx, 2, 1); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := d.BatchForget(ctx, []fuse.ForgetOne{{NodeID: 10, Nlookup: 1}, {NodeID: 11, Nlookup: 2}}); err != nil {
		t.Fatalf("BatchForget() error = %v", err)
	}

	got := host.Forgotten()
	want := []fuse.ForgetOne{{NodeID: 2, Nlookup: 1}, {NodeID: 10, Nlookup: 1}, {NodeID: 11, Nlookup: 2}}
	if len(got) != len(want) {
		t.Fatalf("Forgotten() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Forgotten()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Forget-class traffic rides the priority queue, and the batch frame is
	// the fixed struct plus two records with an honest count.
	for _, rec := range host.Requests() {
		if rec.Queue != 0 {
			t.Fatalf("%s rode queue %d, want the priority queue", rec.Header.Opcode, rec.Queue)
		}
	}
	batch := host.RequestsFor(fuse.FUSE_BATCH_FORGET)
	if len(batch) != 1 {
		t.Fatalf("host saw %d BATCH_FORGET frames, want 1", len(batch))
	}
	wantLen := uint32(fuse.InHeaderSize + fuse.BatchForgetInSize + 2*fuse.ForgetOneSize)
	if batch[0].Header.Len != wantLen {
		t.Fatalf("BATCH_FORGET header len = %d, want %d", batch[0].Header.Len, wantLen)
	}
	var in fuse.BatchForgetIn
	if err := in.Unmarshal(batch[0].Body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if in.Count != 2 {
		t.Fatalf("BatchForgetIn.Count = %d, want 2", in.Count)
	}

	if err := d.Interrupt(ctx, 42); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	ints := host.RequestsFor(fuse.FUSE_INTERRUPT)
	if len(ints) != 1 || ints[0].Queue != 0 {
		t.Fatalf("INTERRUPT frames = %+v, want one on the priority queue", ints)
	}
	var iin fuse.InterruptIn
	if err := iin.Unmarshal(ints[0].Body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if iin.Unique != 42 {
		t.Fatalf("InterruptIn.Unique = %d, want 42", iin.Unique)
	}
}

func TestTreeOps(t *testing.T) {
	host := virtqtest.NewHost()
	d, tr := newTestDevice(t, host, Options{})
	ctx := context.Background()

	created, err := d.Create(ctx, fuse.RootID, "new.txt", uint32(unix.O_RDWR|unix.O_CREAT), 0o644, 0o022)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Entry.NodeID == 0 || created.Open.Fh == 0 {
		t.Fatalf("Create() = %+v", created)
	}

	dir, err := d.Mkdir(ctx, fuse.RootID, "sub", 0o755, 0o022)
	if err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if dir.Attr.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Fatalf("Mkdir() mode = %#o, want a directory", dir.Attr.Mode)
	}

	linked, err := d.Link(ctx, created.Entry.NodeID, dir.NodeID, "alias")
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if linked.NodeID != created.Entry.NodeID {
		t.Fatalf("Link() node = %d, want %d", linked.NodeID, created.Entry.NodeID)
	}

	if err := d.Rename(ctx, fuse.RootID, "new.txt", dir.NodeID, "moved.txt"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := d.Lookup(ctx, dir.NodeID, "moved.txt"); err != nil {
		t.Fatalf("Lookup() after rename error = %v", err)
	}

	if err := d.Rename2(ctx, dir.NodeID, "moved.txt", fuse.RootID, "back.txt", 0); err != nil {
		t.Fatalf("Rename2() error = %v", err)
	}
	if _, err := d.Lookup(ctx, fuse.RootID, "back.txt"); err != nil {
		t.Fatalf("Lookup() after rename2 error = %v", err)
	}

	// Truncate through Setattr and read the new size back through Getattr.
	attr, err := d.Setattr(ctx, created.Entry.NodeID, &fuse.SetattrIn{Valid: fuse.FATTR_SIZE, Size: 5})
	if err != nil {
		t.Fatalf("Setattr() error = %v", err)
	}
	if attr.Attr.Size != 5 {
		t.Fatalf("Setattr() size = %d, want 5", attr.Attr.Size)
	}
	got, err := d.Getattr(ctx, created.Entry.NodeID, 0, 0)
	if err != nil {
		t.Fatalf("Getattr() error = %v", err)
	}
	if got.Attr.Size != 5 {
		t.Fatalf("Getattr() size = %d, want 5", got.Attr.Size)
	}

	if err := d.Access(ctx, fuse.RootID, uint32(unix.R_OK)); err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	statfs, err := d.Statfs(ctx, fuse.RootID)
	if err != nil {
		t.Fatalf("Statfs() error = %v", err)
	}
	if statfs.Bsize != 4096 || statfs.Namelen != 255 {
		t.Fatalf("Statfs() = %+v", statfs)
	}

	if err := d.Unlink(ctx, fuse.RootID, "back.txt"); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if err := d.Unlink(ctx, dir.NodeID, "alias"); err != nil {
		t.Fatalf("Unlink() of link error = %v", err)
	}
	if err := d.Rmdir(ctx, fuse.RootID, "sub"); err != nil {
		t.Fatalf("Rmdir() error = %v", err)
	}
	if _, err := d.Lookup(ctx, fuse.RootID, "sub"); err == nil {
		t.Fatal("Lookup() found a removed directory")
	}

	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}

func TestBackendErrno(t *testing.T) {
	host := virtqtest.NewHost()
	host.FailOp[fuse.FUSE_OPEN] = fuse.Errno(unix.EACCES)
	d, _ := newTestDevice(t, host, Options{})

	_, err := d.Open(context.Background(), 2, uint32(unix.O_RDWR))
	var errno fuse.Errno
	if !errors.As(err, &errno) || errno != fuse.Errno(unix.EACCES) {
		t.Fatalf("Open() error = %v, want EACCES", err)
	}
	var opError *Error
	if !errors.As(err, &opError) || opError.Op != "open" {
		t.Fatalf("Open() error = %v, want an *Error for op open", err)
	}
	st := d.Stats()
	if st.BackendErrors != 1 || st.ProtocolErrors != 0 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestProtocolErrors(t *testing.T) {
	t.Run("reply unique mismatch", func(t *testing.T) {
		host := virtqtest.NewHost()
		host.BadUniqueOp[fuse.FUSE_GETATTR] = true
		d, _ := newTestDevice(t, host, Options{})

		_, err := d.Getattr(context.Background(), fuse.RootID, 0, 0)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Getattr() error = %v, want a *ProtocolError", err)
		}
		if perr.Op != fuse.FUSE_GETATTR {
			t.Fatalf("ProtocolError.Op = %s", perr.Op)
		}
		if got := d.Stats().ProtocolErrors; got != 1 {
			t.Fatalf("Stats().ProtocolErrors = %d, want 1", got)
		}
	})

	t.Run("reply longer than written", func(t *testing.T) {
		host := virtqtest.NewHost()
		host.TruncateOp[fuse.FUSE_GETATTR] = 20 // out header survives, body does not
		d, _ := newTestDevice(t, host, Options{})

		_, err := d.Getattr(context.Background(), fuse.RootID, 0, 0)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Getattr() error = %v, want a *ProtocolError", err)
		}
	})

	t.Run("reply shorter than out header", func(t *testing.T) {
		host := virtqtest.NewHost()
		host.TruncateOp[fuse.FUSE_STATFS] = 8
		d, _ := newTestDevice(t, host, Options{})

		_, err := d.Statfs(context.Background(), fuse.RootID)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Statfs() error = %v, want a *ProtocolError", err)
		}
	})
}

func TestFrameTooLarge(t *testing.T) {
	host := virtqtest.NewHost()
	d, _ := newTestDevice(t, host, Options{})
	ctx := context.Background()

	if _, err := d.Read(ctx, 2, 1, 0, uint32(d.MaxReadSize()+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Read() error = %v, want ErrFrameTooLarge", err)
	}
	big := make([]byte, d.MaxWriteSize()+8)
	if _, err := d.Write(ctx, 2, 1, 0, big); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Write() error = %v, want ErrFrameTooLarge", err)
	}
	// Nothing oversized was submitted.
	if got := d.Stats().Submitted; got != 0 {
		t.Fatalf("Stats().Submitted = %d, want 0", got)
	}
}

func TestRequestTimeout(t *testing.T) {
	host := virtqtest.NewHost()
	host.DropOp[fuse.FUSE_GETATTR] = true
	mock := clock.NewMock()
	d, _ := newTestDevice(t, host, Options{Clock: mock, RequestTimeout: 5 * time.Second})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Getattr(context.Background(), fuse.RootID, 0, 0)
		errc <- err
	}()

	// Let the device swallow the request, then walk the mock clock past the
	// deadline until the sweeper fires.
	waitFor(t, "the host to swallow GETATTR", func() bool {
		return len(host.RequestsFor(fuse.FUSE_GETATTR)) == 1
	})
	var err error
	giveUp := time.After(5 * time.Second)
	for err == nil {
		mock.Add(2 * time.Second)
		select {
		case err = <-errc:
		case <-giveUp:
			t.Fatal("request never timed out")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Getattr() error = %v, want ErrTimeout", err)
	}
	st := d.Stats()
	if st.Timeouts != 1 || st.Completed != 0 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestSlotExhaustionAndLateCompletion(t *testing.T) {
	// Hold INTERRUPT requests inside the device until released; everything
	// else is served by the host as usual.
	release := make(chan struct{})
	host := virtqtest.NewHost()
	handler := func(queue uint16, req []byte) virtqtest.Reply {
		var hdr fuse.InHeader
		if err := hdr.Unmarshal(req); err == nil && hdr.Opcode == fuse.FUSE_INTERRUPT {
			rep := host.Handle(queue, req)
			<-release
			return rep
		}
		return host.Handle(queue, req)
	}
	tr := virtqtest.NewTransport("testfs", 1, handler)
	defer tr.Close()

	mock := clock.NewMock()
	d, err := New(tr, Options{Logger: testLogger(), Clock: mock, RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	// Fill both priority queue slots with interrupts the device sits on.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Interrupt(context.Background(), uint64(100+i))
		}(i)
	}
	waitFor(t, "both interrupts to be in flight", func() bool {
		d.pmu.Lock()
		defer d.pmu.Unlock()
		return len(d.pending) == 2
	})

	// With no free slot, a third submission blocks until its context dies.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Interrupt(ctx, 999); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Interrupt() with a full queue = %v, want context.DeadlineExceeded", err)
	}

	// Time both held requests out. Their waiters fail but the slots stay
	// reserved; the device still owns the staging memory.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	giveUp := time.After(5 * time.Second)
waiting:
	for {
		mock.Add(time.Second)
		select {
		case <-done:
			break waiting
		case <-giveUp:
			t.Fatal("interrupts never timed out")
		case <-time.After(2 * time.Millisecond):
		}
	}
	for i, err := range errs {
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("interrupt %d error = %v, want ErrTimeout", i, err)
		}
	}
	if got := d.Stats().Timeouts; got != 2 {
		t.Fatalf("Stats().Timeouts = %d, want 2", got)
	}

	// Releasing the device lets the late completions land, which is what
	// recycles the slots: the next interrupt must find one.
	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := d.Interrupt(ctx2, 1000); err != nil {
		t.Fatalf("Interrupt() after release = %v", err)
	}
	if got := d.Stats().Completed; got != 3 {
		t.Fatalf("Stats().Completed = %d, want 3", got)
	}
	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	host := virtqtest.NewHost()
	host.DropOp[fuse.FUSE_STATFS] = true
	d, _ := newTestDevice(t, host, Options{RequestTimeout: -1})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Statfs(context.Background(), fuse.RootID)
		errc <- err
	}()
	waitFor(t, "the host to swallow STATFS", func() bool {
		return len(host.RequestsFor(fuse.FUSE_STATFS)) == 1
	})

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("waiter error = %v, want ErrClosed", err)
	}
	if err := d.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second Close() = %v, want ErrAlreadyClosed", err)
	}
	if _, err := d.Statfs(context.Background(), fuse.RootID); !errors.Is(err, ErrClosed) {
		t.Fatalf("Statfs() after Close = %v, want ErrClosed", err)
	}
	if got := d.State(); got != StateClosed {
		t.Fatalf("State() = %v, want %v", got, StateClosed)
	}
}

func TestCloseUnblocksParkedSubmitter(t *testing.T) {
	// Hold INTERRUPT completions so both priority queue slots stay busy,
	// then close the device under a submitter parked on the full queue.
	release := make(chan struct{})
	host := virtqtest.NewHost()
	handler := func(queue uint16, req []byte) virtqtest.Reply {
		var hdr fuse.InHeader
		if err := hdr.Unmarshal(req); err == nil && hdr.Opcode == fuse.FUSE_INTERRUPT {
			rep := host.Handle(queue, req)
			<-release
			return rep
		}
		return host.Handle(queue, req)
	}
	tr := virtqtest.NewTransport("testfs", 1, handler)
	defer tr.Close()

	d, err := New(tr, Options{Logger: testLogger(), RequestTimeout: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	var wg sync.WaitGroup
	heldErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			heldErrs[i] = d.Interrupt(context.Background(), uint64(200+i))
		}(i)
	}
	waitFor(t, "both interrupts to be in flight", func() bool {
		d.pmu.Lock()
		defer d.pmu.Unlock()
		return len(d.pending) == 2
	})

	// Neither slot can free before the device is released, so the third
	// submitter parks. Close must fail it instead of leaving it to enqueue
	// on a dead device.
	parked := make(chan error, 1)
	go func() {
		parked <- d.Interrupt(context.Background(), 999)
	}()

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-parked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("parked Interrupt() = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("parked submitter never unblocked")
	}
	wg.Wait()
	for i, err := range heldErrs {
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("held interrupt %d error = %v, want ErrClosed", i, err)
		}
	}

	// The held completions land on the closed device without tripping the
	// staging discipline.
	close(release)
	waitFor(t, "the held completions to land", func() bool {
		return d.Stats().Completed == 2
	})
	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}

func TestDoorbellSuppression(t *testing.T) {
	host := virtqtest.NewHost()
	d, tr := newTestDevice(t, host, Options{})
	base := tr.Notifies()

	tr.SuppressNotify(true)
	errc := make(chan error, 1)
	go func() {
		_, err := d.Statfs(context.Background(), fuse.RootID)
		errc <- err
	}()
	waitFor(t, "the request to be queued", func() bool {
		d.pmu.Lock()
		defer d.pmu.Unlock()
		return len(d.pending) == 1
	})

	// The chain is on the ring but the doorbell stayed silent.
	if got := tr.Notifies(); got != base {
		t.Fatalf("Notifies() = %d, want %d", got, base)
	}
	select {
	case err := <-errc:
		t.Fatalf("Statfs() returned %v before the device was woken", err)
	default:
	}

	// A polling device finds the chain without a doorbell.
	tr.Kick()
	if err := <-errc; err != nil {
		t.Fatalf("Statfs() error = %v", err)
	}
	tr.SuppressNotify(false)

	if _, err := d.Statfs(context.Background(), fuse.RootID); err != nil {
		t.Fatalf("Statfs() error = %v", err)
	}
	if got := tr.Notifies(); got != base+1 {
		t.Fatalf("Notifies() = %d, want %d", got, base+1)
	}
}

func TestQueueSpread(t *testing.T) {
	host := virtqtest.NewHost()
	d, _ := newTestDevice(t, host, Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := d.Statfs(ctx, fuse.RootID); err != nil {
			t.Fatalf("Statfs() %d error = %v", i, err)
		}
	}
	seen := make(map[uint16]int)
	for _, rec := range host.RequestsFor(fuse.FUSE_STATFS) {
		seen[rec.Queue]++
	}
	if seen[1] != 2 || seen[2] != 2 {
		t.Fatalf("queue spread = %v, want two on each request queue", seen)
	}
}

func TestConcurrentTraffic(t *testing.T) {
	host := virtqtest.NewHost()
	d, tr := newTestDevice(t, host, Options{})
	ctx := context.Background()

	if _, err := d.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				if _, err := d.Getattr(gctx, fuse.RootID, 0, 0); err != nil {
					return err
				}
				if _, err := d.Lookup(gctx, fuse.RootID, "testf01"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent traffic error = %v", err)
	}

	st := d.Stats()
	if st.Submitted != 401 || st.Completed != 401 {
		t.Fatalf("Stats() = %+v, want 401 submitted and completed", st)
	}
	if st.ProtocolErrors != 0 || st.BackendErrors != 0 || st.Timeouts != 0 {
		t.Fatalf("Stats() carries failures: %+v", st)
	}
	if err := tr.Violation(); err != nil {
		t.Fatalf("staging discipline violated: %v", err)
	}
}
