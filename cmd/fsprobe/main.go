// fsprobe exercises the filesystem driver end to end against the in-memory
// transport and its synthetic host. It walks a named sequence of wire-level
// checks (framing, queue routing, error surfacing, timeouts, lifecycle) and
// can follow up with a concurrent throughput benchmark.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtiofs"
	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/virtq/virtqtest"
)

// duration lets the YAML config carry values like "500ms" or "10s".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Config is the optional YAML configuration. Explicit command line flags
// win over file values.
type Config struct {
	Tag            string   `yaml:"tag"`
	Queues         uint32   `yaml:"queues"`
	BufferSize     int      `yaml:"buffer_size"`
	RequestTimeout duration `yaml:"request_timeout"`

	Bench struct {
		Ops     int `yaml:"ops"`
		Workers int `yaml:"workers"`
		Payload int `yaml:"payload"`
	} `yaml:"bench"`
}

func defaultConfig() Config {
	cfg := Config{
		Tag:            "probe",
		Queues:         2,
		BufferSize:     virtiofs.DefaultBufferSize,
		RequestTimeout: duration(10 * time.Second),
	}
	cfg.Bench.Ops = 5000
	cfg.Bench.Workers = 8
	cfg.Bench.Payload = 4096
	return cfg
}

func loadConfig(path string) Config {
	cfg := defaultConfig()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read config", "path", path, "error", err)
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("failed to parse config", "path", path, "error", err)
		return defaultConfig()
	}
	slog.Info("loaded config", "path", path)
	return cfg
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	tag := flag.String("tag", "probe", "export tag the device advertises")
	queues := flag.Uint("queues", 2, "request queues the device exposes")
	bufferSize := flag.Int("buffer", virtiofs.DefaultBufferSize, "staging buffer size per queue")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request deadline")
	verbose := flag.Bool("v", false, "enable debug logging")
	bench := flag.Bool("bench", false, "run the throughput benchmark after the checks")
	benchOps := flag.Int("n", 5000, "benchmark operations")
	benchWorkers := flag.Int("workers", 8, "benchmark worker goroutines")
	benchPayload := flag.Int("payload", 4096, "benchmark write payload size")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := loadConfig(*configPath)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tag":
			cfg.Tag = *tag
		case "queues":
			cfg.Queues = uint32(*queues)
		case "buffer":
			cfg.BufferSize = *bufferSize
		case "timeout":
			cfg.RequestTimeout = duration(*timeout)
		case "n":
			cfg.Bench.Ops = *benchOps
		case "workers":
			cfg.Bench.Workers = *benchWorkers
		case "payload":
			cfg.Bench.Payload = *benchPayload
		}
	})

	if err := run(cfg, *bench); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

var (
	passed int
	failed int
)

func check(name string, err error) {
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", name, err)
		failed++
	} else {
		fmt.Printf("  PASS  %s\n", name)
		passed++
	}
}

func run(cfg Config, bench bool) error {
	fmt.Printf("Bringing up device %q (%d request queues)...\n", cfg.Tag, cfg.Queues)
	host := virtqtest.NewHost()
	transport := virtqtest.NewTransport(cfg.Tag, cfg.Queues, host.Handle)
	defer transport.Close()

	dev, err := virtiofs.New(transport,
		virtiofs.WithRequestTimeout(time.Duration(cfg.RequestTimeout)),
		virtiofs.WithBufferSize(cfg.BufferSize),
		virtiofs.WithRequiredFeatures(virtiofs.FeatureNotification),
	)
	if err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}
	defer dev.Close()

	ctx := context.Background()
	fmt.Println("Running driver checks...")

	check("Handshake", checkHandshake(ctx, dev))
	check("LookupFraming", checkLookupFraming(ctx, dev, host))
	check("WritePadding", checkWritePadding(ctx, dev, host))
	check("ReadBack", checkReadBack(ctx, dev, host))
	check("DirentStream", checkDirentStream(ctx, dev))
	check("ForgetPriority", checkForgetPriority(ctx, dev, host))
	check("Interrupt", checkInterrupt(ctx, dev, host))
	check("Attributes", checkAttributes(ctx, dev))
	check("TreeOps", checkTreeOps(ctx, dev))
	check("ErrnoSurface", checkErrnoSurface(ctx, dev, host))
	check("ProtocolGuard", checkProtocolGuard(ctx, dev, host))
	check("Doorbell", checkDoorbell(ctx, dev, transport))
	check("SessionEnd", checkSessionEnd(ctx, dev, host))
	check("Timeout", checkTimeout())
	check("Lifecycle", checkLifecycle())
	check("StagingDiscipline", transport.Violation())

	stats := dev.Stats()
	fmt.Printf("\nDevice stats: %d submitted, %d completed, %d backend errors, %d protocol errors, %d timeouts\n",
		stats.Submitted, stats.Completed, stats.BackendErrors, stats.ProtocolErrors, stats.Timeouts)

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, passed+failed)
	}
	fmt.Printf("\nAll %d checks passed.\n", passed)

	if bench {
		return runBench(ctx, dev, cfg)
	}
	return nil
}

func checkHandshake(ctx context.Context, dev *virtiofs.Device) error {
	out, err := dev.Init(ctx)
	if err != nil {
		return err
	}
	if out.Major != 7 {
		return fmt.Errorf("negotiated major %d, want 7", out.Major)
	}
	sess := dev.Session()
	if !sess.Inited || sess.MaxWrite == 0 {
		return fmt.Errorf("session not recorded: %+v", sess)
	}
	return nil
}

func checkLookupFraming(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		return err
	}
	if entry.NodeID == 0 {
		return fmt.Errorf("entry has node id 0")
	}
	recs := host.RequestsFor(fuse.FUSE_LOOKUP)
	if len(recs) == 0 {
		return fmt.Errorf("host never saw LOOKUP")
	}
	last := recs[len(recs)-1]
	// "testf01" plus NUL pads to 8 bytes after the 40 byte header.
	if last.Header.Len != 48 {
		return fmt.Errorf("header len %d, want 48", last.Header.Len)
	}
	if !bytes.Equal(last.Body, []byte("testf01\x00")) {
		return fmt.Errorf("name bytes %q", last.Body)
	}
	if last.Queue == 0 {
		return fmt.Errorf("lookup rode the priority queue")
	}
	return nil
}

func checkWritePadding(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		return err
	}
	open, err := dev.Open(ctx, entry.NodeID, uint32(unix.O_RDWR))
	if err != nil {
		return err
	}
	defer dev.Release(ctx, entry.NodeID, open.Fh, 0, false)

	payload := []byte("Hello world 123") // 15 bytes, 16 on the wire
	n, err := dev.Write(ctx, entry.NodeID, open.Fh, 0, payload)
	if err != nil {
		return err
	}
	if n != 15 {
		return fmt.Errorf("accepted %d bytes, want 15", n)
	}
	if err := dev.Flush(ctx, entry.NodeID, open.Fh, 0); err != nil {
		return err
	}
	recs := host.RequestsFor(fuse.FUSE_WRITE)
	if len(recs) == 0 {
		return fmt.Errorf("host never saw WRITE")
	}
	last := recs[len(recs)-1]
	if want := uint32(fuse.InHeaderSize + fuse.WriteInSize + 16); last.Header.Len != want {
		return fmt.Errorf("header len %d, want %d", last.Header.Len, want)
	}
	var in fuse.WriteIn
	if err := in.Unmarshal(last.Body); err != nil {
		return err
	}
	if in.Size != 15 {
		return fmt.Errorf("WriteIn.Size %d, want the unpadded 15", in.Size)
	}
	return nil
}

func checkReadBack(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		return err
	}
	open, err := dev.Open(ctx, entry.NodeID, 0)
	if err != nil {
		return err
	}
	defer dev.Release(ctx, entry.NodeID, open.Fh, 0, false)

	data, err := dev.Read(ctx, entry.NodeID, open.Fh, 0, 4096)
	if err != nil {
		return err
	}
	if want := host.FileData(entry.NodeID); !bytes.Equal(data, want) {
		return fmt.Errorf("read %d bytes, host holds %d", len(data), len(want))
	}
	return nil
}

func checkDirentStream(ctx context.Context, dev *virtiofs.Device) error {
	open, err := dev.Opendir(ctx, virtiofs.RootID, 0)
	if err != nil {
		return err
	}
	defer dev.Releasedir(ctx, virtiofs.RootID, open.Fh, 0)

	entries, err := dev.Readdir(ctx, virtiofs.RootID, open.Fh, 0, 4096)
	if err != nil {
		return err
	}
	if len(entries) < 3 || entries[0].Name != "." || entries[1].Name != ".." {
		return fmt.Errorf("unexpected entries: %+v", entries)
	}
	for i, e := range entries {
		if e.Off != uint64(i+1) {
			return fmt.Errorf("entry %d carries cookie %d", i, e.Off)
		}
	}
	return nil
}

func checkForgetPriority(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	if err := dev.Forget(ctx, 2, 1); err != nil {
		return err
	}
	if err := dev.BatchForget(ctx, []virtiofs.ForgetOne{
		{NodeID: 10, Nlookup: 1},
		{NodeID: 11, Nlookup: 2},
	}); err != nil {
		return err
	}
	for _, op := range []fuse.Opcode{fuse.FUSE_FORGET, fuse.FUSE_BATCH_FORGET} {
		recs := host.RequestsFor(op)
		if len(recs) == 0 {
			return fmt.Errorf("host never saw %s", op)
		}
		if recs[len(recs)-1].Queue != 0 {
			return fmt.Errorf("%s rode queue %d, want the priority queue", op, recs[len(recs)-1].Queue)
		}
	}
	batch := host.RequestsFor(fuse.FUSE_BATCH_FORGET)
	var in fuse.BatchForgetIn
	if err := in.Unmarshal(batch[len(batch)-1].Body); err != nil {
		return err
	}
	if in.Count != 2 {
		return fmt.Errorf("batch count %d, want 2", in.Count)
	}
	return nil
}

func checkInterrupt(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	if err := dev.Interrupt(ctx, 999); err != nil {
		return err
	}
	recs := host.RequestsFor(fuse.FUSE_INTERRUPT)
	if len(recs) == 0 {
		return fmt.Errorf("host never saw INTERRUPT")
	}
	last := recs[len(recs)-1]
	if last.Queue != 0 {
		return fmt.Errorf("interrupt rode queue %d, want the priority queue", last.Queue)
	}
	var in fuse.InterruptIn
	if err := in.Unmarshal(last.Body); err != nil {
		return err
	}
	if in.Unique != 999 {
		return fmt.Errorf("interrupt chases unique %d, want 999", in.Unique)
	}
	return nil
}

func checkAttributes(ctx context.Context, dev *virtiofs.Device) error {
	entry, err := dev.Lookup(ctx, virtiofs.RootID, "testf01")
	if err != nil {
		return err
	}
	attr, err := dev.Setattr(ctx, entry.NodeID, &virtiofs.SetattrIn{
		Valid: virtiofs.FATTR_SIZE,
		Size:  7,
	})
	if err != nil {
		return err
	}
	if attr.Attr.Size != 7 {
		return fmt.Errorf("setattr size %d, want 7", attr.Attr.Size)
	}
	got, err := dev.Getattr(ctx, entry.NodeID, 0, 0)
	if err != nil {
		return err
	}
	if got.Attr.Size != 7 {
		return fmt.Errorf("getattr size %d, want 7", got.Attr.Size)
	}
	return nil
}

func checkTreeOps(ctx context.Context, dev *virtiofs.Device) error {
	created, err := dev.Create(ctx, virtiofs.RootID, "probe.txt", 0, 0o644, 0o022)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if err := dev.Release(ctx, created.Entry.NodeID, created.Open.Fh, 0, false); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	dir, err := dev.Mkdir(ctx, virtiofs.RootID, "probedir", 0o755, 0o022)
	if err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := dev.Link(ctx, created.Entry.NodeID, dir.NodeID, "alias"); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := dev.Rename(ctx, virtiofs.RootID, "probe.txt", dir.NodeID, "moved.txt"); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if err := dev.Rename2(ctx, dir.NodeID, "moved.txt", virtiofs.RootID, "probe.txt", 0); err != nil {
		return fmt.Errorf("rename2: %w", err)
	}
	if err := dev.Access(ctx, virtiofs.RootID, uint32(unix.R_OK)); err != nil {
		return fmt.Errorf("access: %w", err)
	}
	if _, err := dev.Statfs(ctx, virtiofs.RootID); err != nil {
		return fmt.Errorf("statfs: %w", err)
	}
	if err := dev.Unlink(ctx, virtiofs.RootID, "probe.txt"); err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	if err := dev.Unlink(ctx, dir.NodeID, "alias"); err != nil {
		return fmt.Errorf("unlink alias: %w", err)
	}
	if err := dev.Rmdir(ctx, virtiofs.RootID, "probedir"); err != nil {
		return fmt.Errorf("rmdir: %w", err)
	}
	return nil
}

func checkErrnoSurface(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	host.FailOp[fuse.FUSE_OPEN] = fuse.Errno(unix.EACCES)
	defer delete(host.FailOp, fuse.FUSE_OPEN)

	_, err := dev.Open(ctx, 2, 0)
	var errno virtiofs.Errno
	if !errors.As(err, &errno) || errno != virtiofs.Errno(unix.EACCES) {
		return fmt.Errorf("got %v, want EACCES", err)
	}
	return nil
}

func checkProtocolGuard(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	host.BadUniqueOp[fuse.FUSE_GETATTR] = true
	defer delete(host.BadUniqueOp, fuse.FUSE_GETATTR)

	_, err := dev.Getattr(ctx, virtiofs.RootID, 0, 0)
	var perr *virtiofs.ProtocolError
	if !errors.As(err, &perr) {
		return fmt.Errorf("got %v, want a protocol error", err)
	}
	return nil
}

func checkDoorbell(ctx context.Context, dev *virtiofs.Device, transport *virtqtest.Transport) error {
	before := transport.Notifies()
	transport.SuppressNotify(true)
	defer transport.SuppressNotify(false)

	done := make(chan error, 1)
	go func() {
		_, err := dev.Statfs(ctx, virtiofs.RootID)
		done <- err
	}()

	// A polling device picks the chain up on its own. Keep kicking until the
	// request lands; the submit races the first kick.
	deadline := time.After(5 * time.Second)
	for {
		transport.Kick()
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			if got := transport.Notifies(); got != before {
				return fmt.Errorf("doorbell rang %d times while suppressed", got-before)
			}
			return nil
		case <-deadline:
			return fmt.Errorf("suppressed request never completed")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// checkSessionEnd destroys the FUSE session and starts a fresh one so the
// benchmark still runs against a live session.
func checkSessionEnd(ctx context.Context, dev *virtiofs.Device, host *virtqtest.Host) error {
	if err := dev.Destroy(ctx); err != nil {
		return err
	}
	if !host.Destroyed() {
		return fmt.Errorf("host never saw DESTROY")
	}
	if dev.Session().Inited {
		return fmt.Errorf("session still marked inited after destroy")
	}
	if _, err := dev.Init(ctx); err != nil {
		return fmt.Errorf("re-init: %w", err)
	}
	return nil
}

// checkTimeout uses its own device so the mock clock and the dropped
// completion cannot disturb the shared one.
func checkTimeout() error {
	host := virtqtest.NewHost()
	host.DropOp[fuse.FUSE_STATFS] = true
	transport := virtqtest.NewTransport("probe-timeout", 1, host.Handle)
	defer transport.Close()

	mock := clock.NewMock()
	dev, err := virtiofs.New(transport,
		virtiofs.WithClock(mock),
		virtiofs.WithRequestTimeout(time.Second),
	)
	if err != nil {
		return err
	}
	defer dev.Close()

	done := make(chan error, 1)
	go func() {
		_, err := dev.Statfs(context.Background(), virtiofs.RootID)
		done <- err
	}()

	deadline := time.After(10 * time.Second)
	for {
		mock.Add(time.Second)
		select {
		case err := <-done:
			if !errors.Is(err, virtiofs.ErrTimeout) {
				return fmt.Errorf("got %v, want ErrTimeout", err)
			}
			if dev.Stats().Timeouts != 1 {
				return fmt.Errorf("timeouts counter %d, want 1", dev.Stats().Timeouts)
			}
			return nil
		case <-deadline:
			return fmt.Errorf("request never timed out")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// checkLifecycle uses its own device because it closes it.
func checkLifecycle() error {
	host := virtqtest.NewHost()
	transport := virtqtest.NewTransport("probe-close", 1, host.Handle)
	defer transport.Close()

	dev, err := virtiofs.New(transport)
	if err != nil {
		return err
	}
	if dev.State() != virtiofs.StateReady {
		return fmt.Errorf("state %v, want ready", dev.State())
	}
	if err := dev.Close(); err != nil {
		return err
	}
	if err := dev.Close(); !errors.Is(err, virtiofs.ErrAlreadyClosed) {
		return fmt.Errorf("second close: %v, want ErrAlreadyClosed", err)
	}
	if _, err := dev.Statfs(context.Background(), virtiofs.RootID); !errors.Is(err, virtiofs.ErrClosed) {
		return fmt.Errorf("op after close: %v, want ErrClosed", err)
	}
	return nil
}

func runBench(ctx context.Context, dev *virtiofs.Device, cfg Config) error {
	ops := cfg.Bench.Ops
	workers := max(cfg.Bench.Workers, 1)
	payload := cfg.Bench.Payload
	if payload > dev.MaxWriteSize() {
		payload = dev.MaxWriteSize()
	}

	fmt.Printf("\nBenchmark: %d ops, %d workers, %s payloads...\n",
		ops, workers, humanize.IBytes(uint64(payload)))

	// One file per worker keeps the host's per-node contention out of the
	// measurement's way.
	files := make([]*virtiofs.CreateOut, workers)
	for i := range files {
		out, err := dev.Create(ctx, virtiofs.RootID, fmt.Sprintf("bench%02d", i), 0, 0o644, 0o022)
		if err != nil {
			return fmt.Errorf("create bench file: %w", err)
		}
		files[i] = out
	}

	data := bytes.Repeat([]byte{'x'}, payload)
	before := dev.Stats()
	start := time.Now()

	pb := progressbar.Default(int64(ops))
	defer pb.Close()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		share := ops / workers
		if w == 0 {
			share += ops % workers
		}
		f := files[w]
		g.Go(func() error {
			for i := 0; i < share; i++ {
				if _, err := dev.Write(gctx, f.Entry.NodeID, f.Open.Fh, 0, data); err != nil {
					return err
				}
				if _, err := dev.Read(gctx, f.Entry.NodeID, f.Open.Fh, 0, uint32(payload)); err != nil {
					return err
				}
				pb.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("benchmark: %w", err)
	}
	elapsed := time.Since(start)
	after := dev.Stats()

	roundTrips := after.Completed - before.Completed
	moved := uint64(ops) * uint64(payload) * 2
	fmt.Printf("\n%d round trips in %v (%.0f/s), %s moved (%s/s)\n",
		roundTrips, elapsed.Round(time.Millisecond),
		float64(roundTrips)/elapsed.Seconds(),
		humanize.IBytes(moved),
		humanize.IBytes(uint64(float64(moved)/elapsed.Seconds())))
	return nil
}
