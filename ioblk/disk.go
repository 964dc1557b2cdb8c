package ioblk

import "github.com/pkg/errors"

// ErrEBADMSG is returned by a Disk when a read is uncorrectable: the flash
// controller's ECC gave up. Distinct from a plain I/O error because the
// caller (IO.Read) still has to inspect whether the data region decodes to
// all-0xFF before deciding between BadHdrEBADMSG and FFBitflips.
var ErrEBADMSG = errors.New("ioblk: uncorrectable ECC error")

// Disk abstracts a raw flash device of fixed-size physical eraseblocks. It
// plays the role fs.Disk_i plays for the teacher's block cache: the thing
// the I/O layer drives, with bad-block bookkeeping pushed down into the
// implementation (the real controller/driver knows which blocks are bad;
// simflash emulates it for tests).
type Disk interface {
	// ReadAt reads len(buf) bytes from PEB pnum at offset off. bitflips
	// reports whether the underlying medium corrected a transient error
	// while servicing the read (not whether the content means anything).
	ReadAt(pnum, off int, buf []byte) (bitflips bool, err error)
	// WriteAt writes buf to PEB pnum at offset off. Implementations need
	// not verify by read-back; IO.Write does that in checked mode.
	WriteAt(pnum, off int, buf []byte) error
	// Erase erases the entire PEB, leaving it all-0xFF.
	Erase(pnum int) error
	// IsBad reports whether pnum is flagged bad.
	IsBad(pnum int) (bool, error)
	// MarkBad flags pnum bad, permanently excluding it from future use.
	MarkBad(pnum int) error
	// PEBCount reports the number of physical eraseblocks on the device.
	PEBCount() int
	// PEBSize reports the size in bytes of one physical eraseblock.
	PEBSize() int
}
