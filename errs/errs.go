// Package errs defines the error-code convention used throughout vmkern:
// zero means success, a negative value names a kind. This mirrors the
// biscuit kernel's defs.Err_t rather than Go's error interface, since the
// hot fault path must not allocate.
package errs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Err_t is a kernel-style error code. Zero is success.
type Err_t int

const (
	ENOMEM       Err_t = -1 // allocator exhausted
	EOVERLAP     Err_t = -2 // insert would overlap an existing VMA
	EPARTIAL     Err_t = -3 // remove did not fully cover one VMA
	EFAULT       Err_t = -4 // bad user address
	EIO          Err_t = -5 // backing-store I/O failure (includes short reads)
	ENAMETOOLONG Err_t = -6
	ENOHEAP      Err_t = -7 // resource ceiling hit (see package res)
	EINVAL       Err_t = -8
	ENODECAP     Err_t = -9 // VmNode would exceed NodeMaxPages
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case ENOMEM:
		return "out of memory"
	case EOVERLAP:
		return "overlap"
	case EPARTIAL:
		return "partial unmap"
	case EFAULT:
		return "bad address"
	case EIO:
		return "io error"
	case ENAMETOOLONG:
		return "name too long"
	case ENOHEAP:
		return "resource ceiling hit"
	case EINVAL:
		return "invalid argument"
	case ENODECAP:
		return "node capacity exceeded"
	default:
		return fmt.Sprintf("err(%d)", int(e))
	}
}

// FatalError wraps an invariant violation in the fault path. Per spec, these
// conditions terminate the kernel rather than being recovered from; a
// reimplementation that embeds vmkern in a real kernel should let this
// panic propagate to its own crash handler.
type FatalError struct {
	Reason string
}

func (f FatalError) Error() string { return "vmkern: fatal: " + f.Reason }

// Fatal panics with a FatalError, matching the teacher's panic("wut") /
// panic("bad state") convention for conditions the kernel favors exposing
// over silently masking.
func Fatal(reason string) {
	panic(FatalError{Reason: reason})
}

// CurrentTag optionally names the calling thread/CPU for klog lines. It
// stands in for tinfo.Current() in a repo with no real scheduler; the
// embedding kernel may overwrite it at init time.
var CurrentTag func() string

// Log is the package-wide structured logger backing Klog. The teacher's own
// diagnostics are bare fmt.Printf calls (mem.Phys_init, vm/userbuf.go's
// ub_init); an embedding kernel with many CPUs wants those lines tagged and
// leveled rather than interleaved free text, so Klog goes through logrus
// instead.
var Log = logrus.New()

// Klog emits a diagnostic line, in the same spirit as the teacher's bare
// fmt.Printf calls, for noteworthy-but-not-fatal events. If CurrentTag is
// set, the calling thread/CPU is attached as a structured field rather than
// interpolated into the message.
func Klog(format string, args ...interface{}) {
	entry := logrus.NewEntry(Log)
	if CurrentTag != nil {
		entry = entry.WithField("cpu", CurrentTag())
	}
	entry.Info(fmt.Sprintf(format, args...))
}
