//go:build linux

package blockio

import (
	"os"

	"golang.org/x/sys/unix"
)

const preferredMode = ModeDontneed

// Supported reports whether this platform exposes posix_fadvise.
func Supported() bool { return true }

// Advisor issues fadvise hints over a file's descriptor.
type Advisor struct {
	mode Mode
}

// New creates an Advisor for the given mode.
func New(mode Mode) *Advisor {
	return &Advisor{mode: mode}
}

// Opened issues the one-time "will not reuse" hint for a freshly opened file.
// Only meaningful when the mode is ModeNoreuse; a no-op otherwise.
func (a *Advisor) Opened(f *os.File) {
	if a == nil || a.mode != ModeNoreuse {
		return
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_NOREUSE)
}

// Advise issues a "don't need" hint over [offset, offset+length) immediately
// after that range has been read or written. Only meaningful when the mode
// is ModeDontneed; a no-op otherwise.
func (a *Advisor) Advise(f *os.File, offset, length int64) {
	if a == nil || a.mode != ModeDontneed {
		return
	}
	_ = unix.Fadvise(int(f.Fd()), offset, length, unix.FADV_DONTNEED)
}
