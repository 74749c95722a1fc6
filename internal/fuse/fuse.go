// Package fuse implements the FUSE wire format as carried over a
// para-virtualized filesystem transport. Every message is a fixed-layout
// little-endian struct; variable parts (names, write payloads, directory
// entry streams) follow the fixed part padded to an 8 byte boundary.
//
// The layouts match the Linux FUSE ABI at protocol 7.38. Struct sizes are
// exported as constants and every type round-trips exactly through its
// Marshal/Unmarshal pair.
package fuse

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Protocol version spoken by this driver.
const (
	FUSE_KERNEL_VERSION       = 7
	FUSE_KERNEL_MINOR_VERSION = 38
)

// Opcode identifies a FUSE operation on the wire.
type Opcode uint32

const (
	FUSE_LOOKUP          Opcode = 1
	FUSE_FORGET          Opcode = 2
	FUSE_GETATTR         Opcode = 3
	FUSE_SETATTR         Opcode = 4
	FUSE_READLINK        Opcode = 5
	FUSE_SYMLINK         Opcode = 6
	FUSE_MKNOD           Opcode = 8
	FUSE_MKDIR           Opcode = 9
	FUSE_UNLINK          Opcode = 10
	FUSE_RMDIR           Opcode = 11
	FUSE_RENAME          Opcode = 12
	FUSE_LINK            Opcode = 13
	FUSE_OPEN            Opcode = 14
	FUSE_READ            Opcode = 15
	FUSE_WRITE           Opcode = 16
	FUSE_STATFS          Opcode = 17
	FUSE_RELEASE         Opcode = 18
	FUSE_FSYNC           Opcode = 20
	FUSE_SETXATTR        Opcode = 21
	FUSE_GETXATTR        Opcode = 22
	FUSE_LISTXATTR       Opcode = 23
	FUSE_REMOVEXATTR     Opcode = 24
	FUSE_FLUSH           Opcode = 25
	FUSE_INIT            Opcode = 26
	FUSE_OPENDIR         Opcode = 27
	FUSE_READDIR         Opcode = 28
	FUSE_RELEASEDIR      Opcode = 29
	FUSE_FSYNCDIR        Opcode = 30
	FUSE_GETLK           Opcode = 31
	FUSE_SETLK           Opcode = 32
	FUSE_SETLKW          Opcode = 33
	FUSE_ACCESS          Opcode = 34
	FUSE_CREATE          Opcode = 35
	FUSE_INTERRUPT       Opcode = 36
	FUSE_BMAP            Opcode = 37
	FUSE_DESTROY         Opcode = 38
	FUSE_IOCTL           Opcode = 39
	FUSE_POLL            Opcode = 40
	FUSE_NOTIFY_REPLY    Opcode = 41
	FUSE_BATCH_FORGET    Opcode = 42
	FUSE_FALLOCATE       Opcode = 43
	FUSE_READDIRPLUS     Opcode = 44
	FUSE_RENAME2         Opcode = 45
	FUSE_LSEEK           Opcode = 46
	FUSE_COPY_FILE_RANGE Opcode = 47
	FUSE_SETUPMAPPING    Opcode = 48
	FUSE_REMOVEMAPPING   Opcode = 49
	FUSE_SYNCFS          Opcode = 50
	FUSE_TMPFILE         Opcode = 51
	FUSE_STATX           Opcode = 52
)

var opcodeNames = map[Opcode]string{
	FUSE_LOOKUP:          "FUSE_LOOKUP",
	FUSE_FORGET:          "FUSE_FORGET",
	FUSE_GETATTR:         "FUSE_GETATTR",
	FUSE_SETATTR:         "FUSE_SETATTR",
	FUSE_READLINK:        "FUSE_READLINK",
	FUSE_SYMLINK:         "FUSE_SYMLINK",
	FUSE_MKNOD:           "FUSE_MKNOD",
	FUSE_MKDIR:           "FUSE_MKDIR",
	FUSE_UNLINK:          "FUSE_UNLINK",
	FUSE_RMDIR:           "FUSE_RMDIR",
	FUSE_RENAME:          "FUSE_RENAME",
	FUSE_LINK:            "FUSE_LINK",
	FUSE_OPEN:            "FUSE_OPEN",
	FUSE_READ:            "FUSE_READ",
	FUSE_WRITE:           "FUSE_WRITE",
	FUSE_STATFS:          "FUSE_STATFS",
	FUSE_RELEASE:         "FUSE_RELEASE",
	FUSE_FSYNC:           "FUSE_FSYNC",
	FUSE_SETXATTR:        "FUSE_SETXATTR",
	FUSE_GETXATTR:        "FUSE_GETXATTR",
	FUSE_LISTXATTR:       "FUSE_LISTXATTR",
	FUSE_REMOVEXATTR:     "FUSE_REMOVEXATTR",
	FUSE_FLUSH:           "FUSE_FLUSH",
	FUSE_INIT:            "FUSE_INIT",
	FUSE_OPENDIR:         "FUSE_OPENDIR",
	FUSE_READDIR:         "FUSE_READDIR",
	FUSE_RELEASEDIR:      "FUSE_RELEASEDIR",
	FUSE_FSYNCDIR:        "FUSE_FSYNCDIR",
	FUSE_GETLK:           "FUSE_GETLK",
	FUSE_SETLK:           "FUSE_SETLK",
	FUSE_SETLKW:          "FUSE_SETLKW",
	FUSE_ACCESS:          "FUSE_ACCESS",
	FUSE_CREATE:          "FUSE_CREATE",
	FUSE_INTERRUPT:       "FUSE_INTERRUPT",
	FUSE_BMAP:            "FUSE_BMAP",
	FUSE_DESTROY:         "FUSE_DESTROY",
	FUSE_IOCTL:           "FUSE_IOCTL",
	FUSE_POLL:            "FUSE_POLL",
	FUSE_NOTIFY_REPLY:    "FUSE_NOTIFY_REPLY",
	FUSE_BATCH_FORGET:    "FUSE_BATCH_FORGET",
	FUSE_FALLOCATE:       "FUSE_FALLOCATE",
	FUSE_READDIRPLUS:     "FUSE_READDIRPLUS",
	FUSE_RENAME2:         "FUSE_RENAME2",
	FUSE_LSEEK:           "FUSE_LSEEK",
	FUSE_COPY_FILE_RANGE: "FUSE_COPY_FILE_RANGE",
	FUSE_SETUPMAPPING:    "FUSE_SETUPMAPPING",
	FUSE_REMOVEMAPPING:   "FUSE_REMOVEMAPPING",
	FUSE_SYNCFS:          "FUSE_SYNCFS",
	FUSE_TMPFILE:         "FUSE_TMPFILE",
	FUSE_STATX:           "FUSE_STATX",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("FUSE_UNKNOWN(%d)", uint32(op))
}

// Valid reports whether op is an opcode this package knows about. Used to
// sanity-check the opcode echoed back in a completed request frame.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// FUSE_INIT request/reply flags (InitIn.Flags / InitOut.Flags).
const (
	FUSE_ASYNC_READ      = 1 << 0
	FUSE_POSIX_LOCKS     = 1 << 1
	FUSE_ATOMIC_O_TRUNC  = 1 << 3
	FUSE_BIG_WRITES      = 1 << 5
	FUSE_DONT_MASK       = 1 << 6
	FUSE_AUTO_INVAL_DATA = 1 << 12
	FUSE_DO_READDIRPLUS  = 1 << 13
	FUSE_ASYNC_DIO       = 1 << 15
	FUSE_PARALLEL_DIROPS = 1 << 18
	FUSE_MAX_PAGES       = 1 << 22
	FUSE_INIT_EXT        = 1 << 30
	FUSE_INIT_RESERVED   = 1 << 31
)

// WriteIn.WriteFlags bits.
const (
	FUSE_WRITE_CACHE     = 1 << 0
	FUSE_WRITE_LOCKOWNER = 1 << 1
	FUSE_WRITE_KILL_PRIV = 1 << 2
)

// ReadIn.ReadFlags bits.
const (
	FUSE_READ_LOCKOWNER = 1 << 1
)

// ReleaseIn.ReleaseFlags bits.
const (
	FUSE_RELEASE_FLUSH        = 1 << 0
	FUSE_RELEASE_FLOCK_UNLOCK = 1 << 1
)

// GetattrIn.Flags bits.
const (
	FUSE_GETATTR_FH = 1 << 0
)

// SetattrIn.Valid bits.
const (
	FATTR_MODE      = 1 << 0
	FATTR_UID       = 1 << 1
	FATTR_GID       = 1 << 2
	FATTR_SIZE      = 1 << 3
	FATTR_ATIME     = 1 << 4
	FATTR_MTIME     = 1 << 5
	FATTR_FH        = 1 << 6
	FATTR_ATIME_NOW = 1 << 7
	FATTR_MTIME_NOW = 1 << 8
	FATTR_LOCKOWNER = 1 << 9
	FATTR_CTIME     = 1 << 10
)

// RootID is the node id of the filesystem root.
const RootID = 1

// ErrShortBuffer is returned by Unmarshal when the source slice is smaller
// than the fixed wire size of the message.
var ErrShortBuffer = errors.New("fuse: short buffer")

// Errno is a FUSE status value: the backend reports failures as negated
// errno numbers in OutHeader.Error, surfaced here as the positive errno.
type Errno uint32

func (e Errno) Error() string {
	if name := unix.ErrnoName(unix.Errno(e)); name != "" {
		return "fuse: " + name
	}
	return fmt.Sprintf("fuse: errno %d", uint32(e))
}

// Align rounds n up to the next multiple of 8, the FUSE wire alignment.
func Align(n int) int {
	return (n + 7) &^ 7
}

// AppendName appends name, a terminating NUL and zero padding so the region
// added to dst is the smallest multiple of 8 covering name plus its NUL. An
// empty name still occupies 8 bytes.
func AppendName(dst []byte, name string) []byte {
	padded := Align(len(name) + 1)
	dst = append(dst, name...)
	for i := len(name); i < padded; i++ {
		dst = append(dst, 0)
	}
	return dst
}

// AppendPadded appends p and then zero bytes up to the next multiple of 8.
// Unlike AppendName no NUL terminator is implied; a payload already aligned
// grows by exactly len(p).
func AppendPadded(dst []byte, p []byte) []byte {
	padded := Align(len(p))
	dst = append(dst, p...)
	for i := len(p); i < padded; i++ {
		dst = append(dst, 0)
	}
	return dst
}
