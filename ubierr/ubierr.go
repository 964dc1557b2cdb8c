// Package ubierr defines the small set of semantic errors UBI-core surfaces
// to callers, independent of which internal subsystem produced them.
package ubierr

import "errors"

var (
	// ErrNoSpace means no free PEB was available and the reserve is exhausted.
	ErrNoSpace = errors.New("ubi: no space left on device")
	// ErrIO means an unrecoverable flash I/O error occurred.
	ErrIO = errors.New("ubi: I/O error")
	// ErrCorrupt means a static volume's data failed its CRC check.
	ErrCorrupt = errors.New("ubi: volume data is corrupt")
	// ErrReadOnly means the device read-only latch is engaged.
	ErrReadOnly = errors.New("ubi: device is in read-only mode")
	// ErrBadArg means a caller-supplied argument is out of range or malformed.
	ErrBadArg = errors.New("ubi: bad argument")
	// ErrNotMapped is informational: a read targeted an unmapped LEB.
	ErrNotMapped = errors.New("ubi: LEB is not mapped")
)
