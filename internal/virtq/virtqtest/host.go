package virtqtest

import (
	"bytes"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// Recorded is one request frame as the host received it.
type Recorded struct {
	Queue  uint16
	Header fuse.InHeader
	Body   []byte // everything after the InHeader
}

type hostNode struct {
	id       uint64
	name     string
	dir      bool
	mode     uint32
	data     []byte
	children map[string]uint64
	nlookup  uint64
}

// Host is a synthetic filesystem device: it parses request frames, serves
// them from an in-memory tree and emits byte-exact replies. Maps of
// per-opcode knobs inject failures for driver error-path tests.
type Host struct {
	mu       sync.Mutex
	nodes    map[uint64]*hostNode
	nextNode uint64
	nextFh   uint64
	recorded []Recorded

	forgotten []fuse.ForgetOne
	destroyed bool

	// Fault injection, keyed by opcode.
	FailOp      map[fuse.Opcode]fuse.Errno
	DropOp      map[fuse.Opcode]bool
	BadUniqueOp map[fuse.Opcode]bool
	TruncateOp  map[fuse.Opcode]int
}

// NewHost builds a host with a root directory containing one regular file
// "testf01".
func NewHost() *Host {
	h := &Host{
		nodes:       make(map[uint64]*hostNode),
		nextNode:    2,
		nextFh:      1,
		FailOp:      make(map[fuse.Opcode]fuse.Errno),
		DropOp:      make(map[fuse.Opcode]bool),
		BadUniqueOp: make(map[fuse.Opcode]bool),
		TruncateOp:  make(map[fuse.Opcode]int),
	}
	h.nodes[fuse.RootID] = &hostNode{
		id:       fuse.RootID,
		dir:      true,
		mode:     unix.S_IFDIR | 0o755,
		children: make(map[string]uint64),
	}
	h.SeedFile("testf01", []byte("@@@@@@@hello world hello world hello world!\n"))
	return h
}

// SeedFile adds a regular file under the root and returns its node id.
func (h *Host) SeedFile(name string, data []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextNode
	h.nextNode++
	h.nodes[id] = &hostNode{
		id:   id,
		name: name,
		mode: unix.S_IFREG | 0o644,
		data: append([]byte(nil), data...),
	}
	h.nodes[fuse.RootID].children[name] = id
	return id
}

// SeedDir adds a directory under the root and returns its node id.
func (h *Host) SeedDir(name string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextNode
	h.nextNode++
	h.nodes[id] = &hostNode{
		id:       id,
		name:     name,
		dir:      true,
		mode:     unix.S_IFDIR | 0o755,
		children: make(map[string]uint64),
	}
	h.nodes[fuse.RootID].children[name] = id
	return id
}

// Requests returns copies of every frame the host has served.
func (h *Host) Requests() []Recorded {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Recorded(nil), h.recorded...)
}

// RequestsFor filters recorded frames by opcode.
func (h *Host) RequestsFor(op fuse.Opcode) []Recorded {
	var out []Recorded
	for _, r := range h.Requests() {
		if r.Header.Opcode == op {
			out = append(out, r)
		}
	}
	return out
}

// Forgotten returns the (node, nlookup) pairs dropped by forget and
// batch-forget requests.
func (h *Host) Forgotten() []fuse.ForgetOne {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fuse.ForgetOne(nil), h.forgotten...)
}

// Destroyed reports whether a FUSE_DESTROY was served.
func (h *Host) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// FileData returns the current contents of a file node.
func (h *Host) FileData(id uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[id]; ok {
		return append([]byte(nil), n.data...)
	}
	return nil
}

func (h *Host) attr(n *hostNode) fuse.Attr {
	nlink := uint32(1)
	if n.dir {
		nlink = 2
	}
	return fuse.Attr{
		Ino:     n.id,
		Size:    uint64(len(n.data)),
		Blocks:  (uint64(len(n.data)) + 511) / 512,
		Mode:    n.mode,
		Nlink:   nlink,
		Blksize: 4096,
	}
}

func (h *Host) entryOut(n *hostNode) []byte {
	e := fuse.EntryOut{
		NodeID:     n.id,
		EntryValid: 1,
		AttrValid:  1,
		Attr:       h.attr(n),
	}
	buf := make([]byte, fuse.EntryOutSize)
	e.Marshal(buf)
	return buf
}

// cstring extracts the NUL-terminated name at the start of b.
func cstring(b []byte) (string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", false
	}
	return string(b[:i]), true
}

// Handle implements Handler.
func (h *Host) Handle(queue uint16, req []byte) Reply {
	var hdr fuse.InHeader
	if err := hdr.Unmarshal(req); err != nil {
		return Reply{}
	}

	h.mu.Lock()
	h.recorded = append(h.recorded, Recorded{
		Queue:  queue,
		Header: hdr,
		Body:   append([]byte(nil), req[fuse.InHeaderSize:]...),
	})
	drop := h.DropOp[hdr.Opcode]
	failErrno, fail := h.FailOp[hdr.Opcode]
	h.mu.Unlock()

	if drop {
		return Reply{Drop: true}
	}

	var body []byte
	var errno fuse.Errno
	if fail {
		errno = failErrno
	} else {
		body, errno = h.dispatch(&hdr, req[fuse.InHeaderSize:])
	}

	// Forget-class requests never produce a reply frame.
	switch hdr.Opcode {
	case fuse.FUSE_FORGET, fuse.FUSE_BATCH_FORGET:
		return Reply{}
	}

	out := fuse.OutHeader{
		Len:    uint32(fuse.OutHeaderSize + len(body)),
		Unique: hdr.Unique,
	}
	if errno != 0 {
		out.Len = fuse.OutHeaderSize
		out.Error = -int32(errno)
		body = nil
	}

	h.mu.Lock()
	if h.BadUniqueOp[hdr.Opcode] {
		out.Unique = hdr.Unique + 1
	}
	truncate, doTruncate := h.TruncateOp[hdr.Opcode]
	h.mu.Unlock()

	frame := make([]byte, fuse.OutHeaderSize+len(body))
	out.Marshal(frame)
	copy(frame[fuse.OutHeaderSize:], body)
	if doTruncate && truncate < len(frame) {
		frame = frame[:truncate]
	}
	return Reply{Data: frame}
}

func (h *Host) dispatch(hdr *fuse.InHeader, body []byte) ([]byte, fuse.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node := h.nodes[hdr.NodeID]

	switch hdr.Opcode {
	case fuse.FUSE_INIT:
		var in fuse.InitIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		out := fuse.InitOut{
			Major:               fuse.FUSE_KERNEL_VERSION,
			Minor:               fuse.FUSE_KERNEL_MINOR_VERSION,
			MaxReadahead:        in.MaxReadahead,
			Flags:               in.Flags & (fuse.FUSE_BIG_WRITES | fuse.FUSE_INIT_EXT | fuse.FUSE_MAX_PAGES),
			MaxBackground:       12,
			CongestionThreshold: 9,
			MaxWrite:            1 << 17,
			TimeGran:            1,
			MaxPages:            32,
		}
		buf := make([]byte, fuse.InitOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_DESTROY:
		h.destroyed = true
		return nil, 0

	case fuse.FUSE_LOOKUP:
		name, ok := cstring(body)
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		childID, ok := node.children[name]
		if !ok {
			return nil, fuse.Errno(unix.ENOENT)
		}
		child := h.nodes[childID]
		child.nlookup++
		return h.entryOut(child), 0

	case fuse.FUSE_FORGET:
		var in fuse.ForgetIn
		if err := in.Unmarshal(body); err == nil {
			h.forgotten = append(h.forgotten, fuse.ForgetOne{NodeID: hdr.NodeID, Nlookup: in.Nlookup})
			if node != nil && node.nlookup >= in.Nlookup {
				node.nlookup -= in.Nlookup
			}
		}
		return nil, 0

	case fuse.FUSE_BATCH_FORGET:
		var in fuse.BatchForgetIn
		if err := in.Unmarshal(body); err != nil {
			return nil, 0
		}
		off := fuse.BatchForgetInSize
		for i := uint32(0); i < in.Count; i++ {
			var one fuse.ForgetOne
			if err := one.Unmarshal(body[off:]); err != nil {
				break
			}
			h.forgotten = append(h.forgotten, one)
			off += fuse.ForgetOneSize
		}
		return nil, 0

	case fuse.FUSE_GETATTR:
		if node == nil {
			return nil, fuse.Errno(unix.ENOENT)
		}
		out := fuse.AttrOut{AttrValid: 1, Attr: h.attr(node)}
		buf := make([]byte, fuse.AttrOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_SETATTR:
		var in fuse.SetattrIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if node == nil {
			return nil, fuse.Errno(unix.ENOENT)
		}
		if in.Valid&fuse.FATTR_MODE != 0 {
			node.mode = node.mode&unix.S_IFMT | in.Mode&^uint32(unix.S_IFMT)
		}
		if in.Valid&fuse.FATTR_SIZE != 0 {
			if in.Size <= uint64(len(node.data)) {
				node.data = node.data[:in.Size]
			} else {
				node.data = append(node.data, make([]byte, in.Size-uint64(len(node.data)))...)
			}
		}
		out := fuse.AttrOut{AttrValid: 1, Attr: h.attr(node)}
		buf := make([]byte, fuse.AttrOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_OPEN, fuse.FUSE_OPENDIR:
		if node == nil {
			return nil, fuse.Errno(unix.ENOENT)
		}
		if hdr.Opcode == fuse.FUSE_OPENDIR && !node.dir {
			return nil, fuse.Errno(unix.ENOTDIR)
		}
		fh := h.nextFh
		h.nextFh++
		out := fuse.OpenOut{Fh: fh}
		buf := make([]byte, fuse.OpenOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_READ:
		var in fuse.ReadIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if node == nil || node.dir {
			return nil, fuse.Errno(unix.EISDIR)
		}
		if in.Offset >= uint64(len(node.data)) {
			return nil, 0
		}
		end := min(uint64(len(node.data)), in.Offset+uint64(in.Size))
		return append([]byte(nil), node.data[in.Offset:end]...), 0

	case fuse.FUSE_READDIR:
		var in fuse.ReadIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if node == nil || !node.dir {
			return nil, fuse.Errno(unix.ENOTDIR)
		}
		return h.readdir(node, in.Offset, int(in.Size)), 0

	case fuse.FUSE_WRITE:
		var in fuse.WriteIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if node == nil || node.dir {
			return nil, fuse.Errno(unix.EISDIR)
		}
		payload := body[fuse.WriteInSize:]
		if int(in.Size) > len(payload) {
			return nil, fuse.Errno(unix.EINVAL)
		}
		// Only Size bytes count; the rest of the payload is padding.
		payload = payload[:in.Size]
		end := in.Offset + uint64(in.Size)
		if end > uint64(len(node.data)) {
			node.data = append(node.data, make([]byte, end-uint64(len(node.data)))...)
		}
		copy(node.data[in.Offset:], payload)
		out := fuse.WriteOut{Size: in.Size}
		buf := make([]byte, fuse.WriteOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_CREATE:
		var in fuse.CreateIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		name, ok := cstring(body[fuse.CreateInSize:])
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if _, exists := node.children[name]; exists {
			return nil, fuse.Errno(unix.EEXIST)
		}
		id := h.nextNode
		h.nextNode++
		child := &hostNode{id: id, name: name, mode: unix.S_IFREG | in.Mode&^in.Umask}
		h.nodes[id] = child
		node.children[name] = id
		child.nlookup++
		fh := h.nextFh
		h.nextFh++
		out := fuse.CreateOut{
			Entry: fuse.EntryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: h.attr(child)},
			Open:  fuse.OpenOut{Fh: fh},
		}
		buf := make([]byte, fuse.CreateOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_MKDIR:
		var in fuse.MkdirIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		name, ok := cstring(body[fuse.MkdirInSize:])
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		if _, exists := node.children[name]; exists {
			return nil, fuse.Errno(unix.EEXIST)
		}
		id := h.nextNode
		h.nextNode++
		child := &hostNode{
			id: id, name: name, dir: true,
			mode:     unix.S_IFDIR | in.Mode&^in.Umask,
			children: make(map[string]uint64),
		}
		h.nodes[id] = child
		node.children[name] = id
		child.nlookup++
		return h.entryOut(child), 0

	case fuse.FUSE_UNLINK:
		name, ok := cstring(body)
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		childID, exists := node.children[name]
		if !exists {
			return nil, fuse.Errno(unix.ENOENT)
		}
		if h.nodes[childID].dir {
			return nil, fuse.Errno(unix.EISDIR)
		}
		delete(node.children, name)
		return nil, 0

	case fuse.FUSE_RMDIR:
		name, ok := cstring(body)
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		childID, exists := node.children[name]
		if !exists {
			return nil, fuse.Errno(unix.ENOENT)
		}
		child := h.nodes[childID]
		if !child.dir {
			return nil, fuse.Errno(unix.ENOTDIR)
		}
		if len(child.children) > 0 {
			return nil, fuse.Errno(unix.ENOTEMPTY)
		}
		delete(node.children, name)
		return nil, 0

	case fuse.FUSE_RENAME, fuse.FUSE_RENAME2:
		inSize := fuse.RenameInSize
		var newdir uint64
		if hdr.Opcode == fuse.FUSE_RENAME2 {
			inSize = fuse.Rename2InSize
			var in fuse.Rename2In
			if err := in.Unmarshal(body); err != nil {
				return nil, fuse.Errno(unix.EINVAL)
			}
			newdir = in.Newdir
		} else {
			var in fuse.RenameIn
			if err := in.Unmarshal(body); err != nil {
				return nil, fuse.Errno(unix.EINVAL)
			}
			newdir = in.Newdir
		}
		names := body[inSize:]
		oldname, ok := cstring(names)
		if !ok {
			return nil, fuse.Errno(unix.EINVAL)
		}
		next := fuse.Align(len(oldname) + 1)
		if next > len(names) {
			return nil, fuse.Errno(unix.EINVAL)
		}
		newname, ok := cstring(names[next:])
		if !ok {
			return nil, fuse.Errno(unix.EINVAL)
		}
		dst := h.nodes[newdir]
		if node == nil || !node.dir || dst == nil || !dst.dir {
			return nil, fuse.Errno(unix.ENOTDIR)
		}
		childID, exists := node.children[oldname]
		if !exists {
			return nil, fuse.Errno(unix.ENOENT)
		}
		delete(node.children, oldname)
		dst.children[newname] = childID
		h.nodes[childID].name = newname
		return nil, 0

	case fuse.FUSE_LINK:
		var in fuse.LinkIn
		if err := in.Unmarshal(body); err != nil {
			return nil, fuse.Errno(unix.EINVAL)
		}
		name, ok := cstring(body[fuse.LinkInSize:])
		if !ok || node == nil || !node.dir {
			return nil, fuse.Errno(unix.EINVAL)
		}
		target := h.nodes[in.OldNodeID]
		if target == nil {
			return nil, fuse.Errno(unix.ENOENT)
		}
		node.children[name] = target.id
		target.nlookup++
		return h.entryOut(target), 0

	case fuse.FUSE_ACCESS:
		if node == nil {
			return nil, fuse.Errno(unix.ENOENT)
		}
		return nil, 0

	case fuse.FUSE_STATFS:
		out := fuse.StatfsOut{
			Blocks: 1 << 20, Bfree: 1 << 19, Bavail: 1 << 19,
			Files: 1 << 10, Ffree: 1 << 9,
			Bsize: 4096, Namelen: 255, Frsize: 4096,
		}
		buf := make([]byte, fuse.StatfsOutSize)
		out.Marshal(buf)
		return buf, 0

	case fuse.FUSE_FLUSH, fuse.FUSE_RELEASE, fuse.FUSE_RELEASEDIR, fuse.FUSE_INTERRUPT:
		return nil, 0

	default:
		return nil, fuse.Errno(unix.ENOSYS)
	}
}

// readdir builds a dirent stream for node starting at entry index offset,
// bounded by size bytes.
func (h *Host) readdir(node *hostNode, offset uint64, size int) []byte {
	type ent struct {
		name string
		ino  uint64
		typ  uint32
	}
	all := []ent{
		{".", node.id, unix.DT_DIR},
		{"..", fuse.RootID, unix.DT_DIR},
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := h.nodes[node.children[name]]
		typ := uint32(unix.DT_REG)
		if child.dir {
			typ = unix.DT_DIR
		}
		all = append(all, ent{name, child.id, typ})
	}

	var out []byte
	for i := int(offset); i < len(all); i++ {
		rec := fuse.Align(fuse.DirentSize + len(all[i].name))
		if len(out)+rec > size {
			break
		}
		out = fuse.AppendDirent(out, all[i].ino, uint64(i+1), all[i].typ, all[i].name)
	}
	return out
}
