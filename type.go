package ddb

import "fmt"

// DeviceKind identifies which concrete Device implementation a value
// holds, for the few call sites (logging, CLI "info" output, error
// messages) that need to know without a type switch. Per §9's design
// note, the core implements Device as a single trait over a handful of
// concrete variants; DeviceKind is the tag for those variants. Image and
// Sequence are implemented in this package; Pipe, Error and Lvm describe
// the external collaborators (§1) that also satisfy Device in a caller's
// process but whose implementation lives outside the core.
type DeviceKind int

const (
	// KindImage is an ImageContainer (dense or sparse).
	KindImage DeviceKind = iota + 1
	// KindSequence is a Sequence (directory or packed).
	KindSequence
	// KindPipe is a remote-link device (wire protocol out of scope, §1).
	KindPipe
	// KindError is an error-injection wrapper around another device
	// (out of scope, §1).
	KindError
	// KindLvm is an LVM-snapshot-backed device (out of scope, §1).
	KindLvm
)

func (k DeviceKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindSequence:
		return "sequence"
	case KindPipe:
		return "pipe"
	case KindError:
		return "error"
	case KindLvm:
		return "lvm"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}
