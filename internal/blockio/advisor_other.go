//go:build !linux

package blockio

import "os"

const preferredMode = ModeDisabled

// Supported reports whether this platform exposes posix_fadvise.
// Outside Linux the feature degrades to a silent no-op (§7).
func Supported() bool { return false }

// Advisor is a no-op on platforms without fadvise support.
type Advisor struct{}

// New creates a no-op Advisor.
func New(Mode) *Advisor { return &Advisor{} }

// Opened is a no-op on this platform.
func (a *Advisor) Opened(*os.File) {}

// Advise is a no-op on this platform.
func (a *Advisor) Advise(*os.File, int64, int64) {}
