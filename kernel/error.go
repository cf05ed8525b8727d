// Package kernel contains the types and helpers shared by every layer of the
// kernel: the error taxonomy, the panic/halt path, and a handful of
// freestanding-safe memory primitives that do not depend on a working Go
// runtime allocator.
package kernel

// Kind classifies an Error independently of its human-readable message, so
// that callers can branch on failure category without string matching.
type Kind uint8

// The error kinds recognized across the memory, block, cache and partition
// layers. KindFatal is reserved for CPU exceptions and never returned to a
// caller — it always surfaces through Panic instead.
const (
	KindUnspecified Kind = iota
	KindOutOfMemory
	KindDeviceTimeout
	KindDeviceError
	KindInvalidArgument
	KindNotReady
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindDeviceTimeout:
		return "device timeout"
	case KindDeviceError:
		return "device error"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotReady:
		return "not ready"
	case KindFatal:
		return "fatal"
	default:
		return "unspecified"
	}
}

// Error describes a kernel error. All kernel errors must be defined as
// global variables that are pointers to the Error structure. This
// requirement stems from the fact that, until the heap is initialized, the
// Go allocator has nowhere to carve memory from, so we cannot rely on
// errors.New or fmt.Errorf to build error values on the fly.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// Kind classifies the error per the taxonomy in Kind's docs.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
