package driver

import (
	"context"
	"fmt"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// roundTrip submits one request and waits for the decoded reply body. All
// typed operations are thin shells around it; errors come back wrapped in
// *Error carrying the operation name.
func (d *Device) roundTrip(ctx context.Context, op string, prof opProfile, nodeid uint64, in marshaler, variable []byte, outBound int) ([]byte, error) {
	p, err := d.submit(ctx, prof, nodeid, in, variable, outBound)
	if err != nil {
		return nil, opErr(op, err)
	}
	_, body, err := p.Wait(ctx)
	if err != nil {
		return nil, opErr(op, err)
	}
	return body, nil
}

func decodeEntryOut(op string, body []byte) (*fuse.EntryOut, error) {
	var out fuse.EntryOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr(op, err)
	}
	return &out, nil
}

func decodeAttrOut(op string, body []byte) (*fuse.AttrOut, error) {
	var out fuse.AttrOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr(op, err)
	}
	return &out, nil
}

func decodeOpenOut(op string, body []byte) (*fuse.OpenOut, error) {
	var out fuse.OpenOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr(op, err)
	}
	return &out, nil
}

// Init performs the FUSE session handshake. It must be the first request a
// fresh backend sees; the negotiated limits are recorded on the device and
// returned. The driver speaks protocol 7.38 and refuses a backend whose
// major version differs.
func (d *Device) Init(ctx context.Context) (*fuse.InitOut, error) {
	in := fuse.InitIn{
		Major:        fuse.FUSE_KERNEL_VERSION,
		Minor:        fuse.FUSE_KERNEL_MINOR_VERSION,
		MaxReadahead: 1 << 16,
		Flags:        fuse.FUSE_BIG_WRITES | fuse.FUSE_MAX_PAGES | fuse.FUSE_INIT_EXT,
	}
	body, err := d.roundTrip(ctx, "init", profiles[fuse.FUSE_INIT], 0, &in, nil, 0)
	if err != nil {
		return nil, err
	}
	var out fuse.InitOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr("init", err)
	}
	if out.Major != fuse.FUSE_KERNEL_VERSION {
		return nil, opErr("init", fmt.Errorf("backend speaks FUSE %d.%d, need major %d",
			out.Major, out.Minor, fuse.FUSE_KERNEL_VERSION))
	}

	d.session.mu.Lock()
	d.session.inited = true
	d.session.minor = min(out.Minor, fuse.FUSE_KERNEL_MINOR_VERSION)
	d.session.flags = out.Flags
	d.session.flags2 = out.Flags2
	d.session.maxWrite = out.MaxWrite
	d.session.maxPages = out.MaxPages
	d.session.mu.Unlock()

	d.log.Info("virtiofs: session established",
		"minor", out.Minor, "max_write", out.MaxWrite, "max_pages", out.MaxPages,
		"flags", fmt.Sprintf("%#x", out.Flags))
	return &out, nil
}

// Destroy tells the backend the session is over. The device stays usable at
// the transport level; callers wanting a full teardown follow with Close.
func (d *Device) Destroy(ctx context.Context) error {
	_, err := d.roundTrip(ctx, "destroy", profiles[fuse.FUSE_DESTROY], 0, nil, nil, 0)
	if err != nil {
		return err
	}
	d.session.mu.Lock()
	d.session.inited = false
	d.session.mu.Unlock()
	return nil
}

// Lookup resolves name under the parent node.
func (d *Device) Lookup(ctx context.Context, parent uint64, name string) (*fuse.EntryOut, error) {
	body, err := d.roundTrip(ctx, "lookup", profiles[fuse.FUSE_LOOKUP], parent, nil, fuse.AppendName(nil, name), 0)
	if err != nil {
		return nil, err
	}
	return decodeEntryOut("lookup", body)
}

// Forget drops nlookup references to a node. Forgets ride the priority
// queue and the backend never sends a reply frame; a nil return means the
// device consumed the chain, nothing more.
func (d *Device) Forget(ctx context.Context, nodeid, nlookup uint64) error {
	in := fuse.ForgetIn{Nlookup: nlookup}
	_, err := d.roundTrip(ctx, "forget", profiles[fuse.FUSE_FORGET], nodeid, &in, nil, 0)
	return err
}

// BatchForget drops references to many nodes in one priority-queue request.
// The count in the fixed struct is the number of records actually appended,
// never a padded figure.
func (d *Device) BatchForget(ctx context.Context, items []fuse.ForgetOne) error {
	in := fuse.BatchForgetIn{Count: uint32(len(items))}
	variable := make([]byte, len(items)*fuse.ForgetOneSize)
	for i := range items {
		items[i].Marshal(variable[i*fuse.ForgetOneSize:])
	}
	_, err := d.roundTrip(ctx, "batch_forget", profiles[fuse.FUSE_BATCH_FORGET], 0, &in, variable, 0)
	return err
}

// Getattr fetches a node's attributes. Pass FUSE_GETATTR_FH in flags to
// have the backend use fh instead of the node.
func (d *Device) Getattr(ctx context.Context, nodeid uint64, flags uint32, fh uint64) (*fuse.AttrOut, error) {
	in := fuse.GetattrIn{Flags: flags, Fh: fh}
	body, err := d.roundTrip(ctx, "getattr", profiles[fuse.FUSE_GETATTR], nodeid, &in, nil, 0)
	if err != nil {
		return nil, err
	}
	return decodeAttrOut("getattr", body)
}

// Setattr updates the attributes selected by in.Valid (FATTR_* bits).
func (d *Device) Setattr(ctx context.Context, nodeid uint64, in *fuse.SetattrIn) (*fuse.AttrOut, error) {
	body, err := d.roundTrip(ctx, "setattr", profiles[fuse.FUSE_SETATTR], nodeid, in, nil, 0)
	if err != nil {
		return nil, err
	}
	return decodeAttrOut("setattr", body)
}

// Open opens a node and returns the backend's file handle.
func (d *Device) Open(ctx context.Context, nodeid uint64, flags uint32) (*fuse.OpenOut, error) {
	in := fuse.OpenIn{Flags: flags}
	body, err := d.roundTrip(ctx, "open", profiles[fuse.FUSE_OPEN], nodeid, &in, nil, 0)
	if err != nil {
		return nil, err
	}
	return decodeOpenOut("open", body)
}

// Opendir opens a directory for Readdir.
func (d *Device) Opendir(ctx context.Context, nodeid uint64, flags uint32) (*fuse.OpenOut, error) {
	in := fuse.OpenIn{Flags: flags}
	body, err := d.roundTrip(ctx, "opendir", profiles[fuse.FUSE_OPENDIR], nodeid, &in, nil, 0)
	if err != nil {
		return nil, err
	}
	return decodeOpenOut("opendir", body)
}

// Read returns up to size bytes from fh at offset. A short result is not an
// error: end of file and backend limits both shorten the reply. The size
// argument bounds the reply placeholder, so it must fit the staging slot
// (see MaxReadSize).
func (d *Device) Read(ctx context.Context, nodeid, fh, offset uint64, size uint32) ([]byte, error) {
	in := fuse.ReadIn{Fh: fh, Offset: offset, Size: size}
	return d.roundTrip(ctx, "read", profiles[fuse.FUSE_READ], nodeid, &in, nil, int(size))
}

// Readdir reads directory entries from fh starting at the backend cookie
// offset. The dirent stream must consume the reply payload exactly; a
// malformed stream is a protocol error, not a short result.
func (d *Device) Readdir(ctx context.Context, nodeid, fh, offset uint64, size uint32) ([]fuse.DirEntry, error) {
	in := fuse.ReadIn{Fh: fh, Offset: offset, Size: size}
	p, err := d.submit(ctx, profiles[fuse.FUSE_READDIR], nodeid, &in, nil, int(size))
	if err != nil {
		return nil, opErr("readdir", err)
	}
	_, body, err := p.Wait(ctx)
	if err != nil {
		return nil, opErr("readdir", err)
	}
	entries, err := fuse.ParseDirents(body)
	if err != nil {
		d.stats.protocolErrors.Add(1)
		return nil, opErr("readdir", &ProtocolError{
			Op: fuse.FUSE_READDIR, Unique: p.unique, Reason: err.Error(),
		})
	}
	return entries, nil
}

// Write sends data to fh at offset and returns how many bytes the backend
// accepted. The payload is padded to 8 bytes on the wire but WriteIn.Size
// and the accepted count speak in unpadded bytes. Payloads are bounded by
// MaxWriteSize and by what the backend negotiated at Init.
func (d *Device) Write(ctx context.Context, nodeid, fh, offset uint64, data []byte) (uint32, error) {
	in := fuse.WriteIn{Fh: fh, Offset: offset, Size: uint32(len(data))}
	body, err := d.roundTrip(ctx, "write", profiles[fuse.FUSE_WRITE], nodeid, &in, fuse.AppendPadded(nil, data), 0)
	if err != nil {
		return 0, err
	}
	var out fuse.WriteOut
	if err := out.Unmarshal(body); err != nil {
		return 0, opErr("write", err)
	}
	return out.Size, nil
}

// Create makes a regular file under parent and opens it in one round trip.
func (d *Device) Create(ctx context.Context, parent uint64, name string, flags, mode, umask uint32) (*fuse.CreateOut, error) {
	in := fuse.CreateIn{Flags: flags, Mode: mode, Umask: umask}
	body, err := d.roundTrip(ctx, "create", profiles[fuse.FUSE_CREATE], parent, &in, fuse.AppendName(nil, name), 0)
	if err != nil {
		return nil, err
	}
	var out fuse.CreateOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr("create", err)
	}
	return &out, nil
}

// Mkdir makes a directory under parent.
func (d *Device) Mkdir(ctx context.Context, parent uint64, name string, mode, umask uint32) (*fuse.EntryOut, error) {
	in := fuse.MkdirIn{Mode: mode, Umask: umask}
	body, err := d.roundTrip(ctx, "mkdir", profiles[fuse.FUSE_MKDIR], parent, &in, fuse.AppendName(nil, name), 0)
	if err != nil {
		return nil, err
	}
	return decodeEntryOut("mkdir", body)
}

// Unlink removes the named file from parent.
func (d *Device) Unlink(ctx context.Context, parent uint64, name string) error {
	_, err := d.roundTrip(ctx, "unlink", profiles[fuse.FUSE_UNLINK], parent, nil, fuse.AppendName(nil, name), 0)
	return err
}

// Rmdir removes the named empty directory from parent.
func (d *Device) Rmdir(ctx context.Context, parent uint64, name string) error {
	_, err := d.roundTrip(ctx, "rmdir", profiles[fuse.FUSE_RMDIR], parent, nil, fuse.AppendName(nil, name), 0)
	return err
}

// Rename moves oldname under olddir to newname under newdir. Both names
// travel in one variable section, each NUL terminated and padded.
func (d *Device) Rename(ctx context.Context, olddir uint64, oldname string, newdir uint64, newname string) error {
	in := fuse.RenameIn{Newdir: newdir}
	variable := fuse.AppendName(fuse.AppendName(nil, oldname), newname)
	_, err := d.roundTrip(ctx, "rename", profiles[fuse.FUSE_RENAME], olddir, &in, variable, 0)
	return err
}

// Rename2 is Rename with flags (RENAME_NOREPLACE, RENAME_EXCHANGE).
func (d *Device) Rename2(ctx context.Context, olddir uint64, oldname string, newdir uint64, newname string, flags uint32) error {
	in := fuse.Rename2In{Newdir: newdir, Flags: flags}
	variable := fuse.AppendName(fuse.AppendName(nil, oldname), newname)
	_, err := d.roundTrip(ctx, "rename2", profiles[fuse.FUSE_RENAME2], olddir, &in, variable, 0)
	return err
}

// Link makes newname under newparent refer to oldnodeid.
func (d *Device) Link(ctx context.Context, oldnodeid, newparent uint64, newname string) (*fuse.EntryOut, error) {
	in := fuse.LinkIn{OldNodeID: oldnodeid}
	body, err := d.roundTrip(ctx, "link", profiles[fuse.FUSE_LINK], newparent, &in, fuse.AppendName(nil, newname), 0)
	if err != nil {
		return nil, err
	}
	return decodeEntryOut("link", body)
}

// Access checks permission bits on a node.
func (d *Device) Access(ctx context.Context, nodeid uint64, mask uint32) error {
	in := fuse.AccessIn{Mask: mask}
	_, err := d.roundTrip(ctx, "access", profiles[fuse.FUSE_ACCESS], nodeid, &in, nil, 0)
	return err
}

// Statfs fetches filesystem statistics.
func (d *Device) Statfs(ctx context.Context, nodeid uint64) (*fuse.StatfsOut, error) {
	body, err := d.roundTrip(ctx, "statfs", profiles[fuse.FUSE_STATFS], nodeid, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	var out fuse.StatfsOut
	if err := out.Unmarshal(body); err != nil {
		return nil, opErr("statfs", err)
	}
	return &out, nil
}

// Flush is sent on every close of an open handle.
func (d *Device) Flush(ctx context.Context, nodeid, fh, lockOwner uint64) error {
	in := fuse.FlushIn{Fh: fh, LockOwner: lockOwner}
	_, err := d.roundTrip(ctx, "flush", profiles[fuse.FUSE_FLUSH], nodeid, &in, nil, 0)
	return err
}

// Release drops the last reference to an open file handle.
func (d *Device) Release(ctx context.Context, nodeid, fh uint64, flags uint32, flush bool) error {
	in := fuse.ReleaseIn{Fh: fh, Flags: flags}
	if flush {
		in.ReleaseFlags |= fuse.FUSE_RELEASE_FLUSH
	}
	_, err := d.roundTrip(ctx, "release", profiles[fuse.FUSE_RELEASE], nodeid, &in, nil, 0)
	return err
}

// Releasedir drops the last reference to an open directory handle.
func (d *Device) Releasedir(ctx context.Context, nodeid, fh uint64, flags uint32) error {
	in := fuse.ReleaseIn{Fh: fh, Flags: flags}
	_, err := d.roundTrip(ctx, "releasedir", profiles[fuse.FUSE_RELEASEDIR], nodeid, &in, nil, 0)
	return err
}

// Interrupt asks the backend to abort the request identified by unique. It
// rides the priority queue so it can pass the request it chases. The
// backend acknowledges the interrupt itself; the interrupted request still
// completes on its own, usually with EINTR.
func (d *Device) Interrupt(ctx context.Context, unique uint64) error {
	in := fuse.InterruptIn{Unique: unique}
	_, err := d.roundTrip(ctx, "interrupt", profiles[fuse.FUSE_INTERRUPT], 0, &in, nil, 0)
	return err
}
