// Package eba implements spec §4.4: the per-volume LEB→PEB association
// tables, per-LEB read/write serialization, atomic LEB change, and the
// LEB-copy primitive WL uses to relocate a live LEB. It generalizes the
// teacher's fs/blk.go refcounted cache-entry discipline (entries created on
// first touch, refcounted, released explicitly) to a lock-only entry, since
// EBA maps LEBs to PEBs but never caches their contents.
package eba

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/ubierr"
	"github.com/ubicore/ubi/wl"
)

// Unmapped is the sentinel LEB→PEB table entry meaning "no PEB assigned".
const Unmapped = -1

// Allocator is the WL-side surface EBA drives: obtaining and returning
// PEBs. wl.Manager implements this; eba never imports nothing circular here
// since wl does not import eba — package device wires the two together.
type Allocator interface {
	GetPEB() (pnum int, ec uint64, err error)
	PutPEB(pnum int, torture bool) error
	ScrubPEB(pnum int) error
	Flush(pnum int)
}

// SeqAllocator mints the monotonic sequence numbers stamped into VID
// headers (spec §4.4's next_sqnum). device.Device implements this.
type SeqAllocator interface {
	Next() uint64
}

// VolumeTable is the read-only contract EBA consumes from volume-table
// management (spec §4.5); the administrative create/delete/rename/resize
// path itself is out of scope.
type VolumeTable interface {
	ReservedPEBs(volID int) (int, bool)
	Alignment(volID int) int
	DataPad(volID int) int
	VolType(volID int) ioblk.VolType
	Name(volID int) string
	UpdMarker(volID int) bool
}

// Table is the per-device EBA state: one LEB→PEB array per volume, the
// per-LEB lock tree, and the global atomic-change mutex.
type Table struct {
	io     *ioblk.IO
	geo    config.Geometry
	alloc  Allocator
	seq    SeqAllocator
	voltab VolumeTable

	ltree *lockTree
	alc   sync.Mutex // serializes atomic_leb_change across all volumes (spec §4.4)

	mu        sync.Mutex // guards tbl and corrupted
	tbl       map[int][]int32
	corrupted map[int]bool
}

// New builds an EBA table. The caller must call wlManager.SetCopier(table)
// (or equivalent wiring) so wl.Manager's moves can reach Table.CopyLEB;
// package device does this.
func New(io *ioblk.IO, geo config.Geometry, alloc Allocator, seq SeqAllocator, voltab VolumeTable) *Table {
	return &Table{
		io:        io,
		geo:       geo,
		alloc:     alloc,
		seq:       seq,
		voltab:    voltab,
		ltree:     newLockTree(),
		tbl:       map[int][]int32{},
		corrupted: map[int]bool{},
	}
}

// AddVolume allocates a fresh, fully-unmapped EBA table for volID.
func (t *Table) AddVolume(volID int) error {
	reserved, ok := t.voltab.ReservedPEBs(volID)
	if !ok {
		return errors.Wrapf(ubierr.ErrBadArg, "eba: unknown volume %d", volID)
	}
	row := make([]int32, reserved)
	for i := range row {
		row[i] = Unmapped
	}
	t.mu.Lock()
	t.tbl[volID] = row
	t.mu.Unlock()
	return nil
}

// RemoveVolume frees volID's EBA table. Any mapped PEBs are returned to WL.
func (t *Table) RemoveVolume(volID int) error {
	t.mu.Lock()
	row, ok := t.tbl[volID]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ubierr.ErrBadArg, "eba: unknown volume %d", volID)
	}
	delete(t.tbl, volID)
	delete(t.corrupted, volID)
	t.mu.Unlock()

	for _, pnum := range row {
		if pnum != Unmapped {
			_ = t.alloc.PutPEB(int(pnum), false)
		}
	}
	return nil
}

// SeedMapping installs pnum as volID's mapping for lnum without going
// through the normal write path, used by attach to reconstruct state from
// a scan instead of performing a fresh write.
func (t *Table) SeedMapping(volID, lnum, pnum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.tbl[volID]
	if !ok || lnum < 0 || lnum >= len(row) {
		return errors.Wrapf(ubierr.ErrBadArg, "eba: seed (%d,%d) out of range", volID, lnum)
	}
	row[lnum] = int32(pnum)
	return nil
}

// IsCorrupted reports whether volID was flagged corrupted (static-volume
// CRC mismatch found at attach or at read time).
func (t *Table) IsCorrupted(volID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.corrupted[volID]
}

// MarkCorrupted flags volID corrupted; subsequent reads of any of its LEBs
// fail with ErrCorrupt (spec §8 invariant 7).
func (t *Table) MarkCorrupted(volID int) {
	t.mu.Lock()
	t.corrupted[volID] = true
	t.mu.Unlock()
}

// PnumOf returns the PEB currently mapped to (volID, lnum), or Unmapped.
// Exposed for diagnostics (e.g. device.Device.PnumOf and tests); normal
// reads/writes never need it directly.
func (t *Table) PnumOf(volID, lnum int) (int, bool) {
	pnum, err := t.lookup(volID, lnum)
	if err != nil {
		return Unmapped, false
	}
	return int(pnum), true
}

func (t *Table) lookup(volID, lnum int) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.tbl[volID]
	if !ok || lnum < 0 || lnum >= len(row) {
		return Unmapped, errors.Wrapf(ubierr.ErrBadArg, "eba: (%d,%d) out of range", volID, lnum)
	}
	return row[lnum], nil
}

func (t *Table) store(volID, lnum int, pnum int32) {
	t.mu.Lock()
	t.tbl[volID][lnum] = pnum
	t.mu.Unlock()
}

// Unmap implements spec §4.4's unmap: succeeds even if already unmapped.
func (t *Table) Unmap(volID, lnum int) error {
	key := lebKey{volID, lnum}
	unlock := t.ltree.wlock(key)
	defer unlock()

	pnum, err := t.lookup(volID, lnum)
	if err != nil {
		return err
	}
	if pnum == Unmapped {
		return nil
	}
	t.store(volID, lnum, Unmapped)
	return t.alloc.PutPEB(int(pnum), false)
}

// Read implements spec §4.4's read: unmapped LEBs read as 0xFF, unless
// strict is set, in which case they fail with ErrNotMapped instead (spec
// §6's NOT_MAPPED is "informational... when the caller requested that
// distinction"); a bit-flip schedules scrub but still returns success;
// static volumes with check set verify the LEB's data CRC against the VID
// header.
func (t *Table) Read(volID, lnum, off int, buf []byte, check, strict bool) error {
	key := lebKey{volID, lnum}
	unlock := t.ltree.rlock(key)
	defer unlock()

	if t.IsCorrupted(volID) {
		return errors.Wrap(ubierr.ErrCorrupt, "eba: volume flagged corrupted")
	}

	pnum, err := t.lookup(volID, lnum)
	if err != nil {
		return err
	}
	if pnum == Unmapped {
		if strict {
			return errors.Wrapf(ubierr.ErrNotMapped, "eba: read (%d,%d)", volID, lnum)
		}
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}

	status, err := t.io.Read(int(pnum), t.geo.LEBStart+off, buf)
	if err != nil {
		return errors.Wrapf(ubierr.ErrIO, "eba: read (%d,%d): %v", volID, lnum, err)
	}
	switch status {
	case ioblk.StatusBadHdr, ioblk.StatusBadHdrEBADMSG:
		return errors.Wrapf(ubierr.ErrIO, "eba: read (%d,%d) status=%s", volID, lnum, status)
	case ioblk.StatusBitflips, ioblk.StatusFFBitflips:
		_ = t.alloc.ScrubPEB(int(pnum))
	}

	if check && t.voltab.VolType(volID) == ioblk.VolStatic {
		vidHdr, _, _, verr := t.io.ReadVIDHeader(int(pnum))
		if verr != nil {
			return errors.Wrap(ubierr.ErrIO, "eba: reading VID header for checked read")
		}
		full := make([]byte, vidHdr.DataSize)
		if _, rerr := t.io.Read(int(pnum), t.geo.LEBStart, full); rerr != nil {
			return errors.Wrap(ubierr.ErrIO, "eba: reading full LEB for CRC check")
		}
		if ioblk.DataCRC(full) != vidHdr.DataCRC {
			t.MarkCorrupted(volID)
			return errors.Wrap(ubierr.ErrCorrupt, "eba: static volume data CRC mismatch")
		}
	}
	return nil
}

// Write implements spec §4.4's write: always allocates a fresh PEB, never
// writes in place over live data.
func (t *Table) Write(volID, lnum int, buf []byte, off int) error {
	return t.write(volID, lnum, buf, off, ioblk.VolDynamic, 0, 0)
}

// WriteLebSt implements spec §4.4's write_leb_st for static volumes: writes
// a static VID header carrying data_size, data_crc, used_ebs.
func (t *Table) WriteLebSt(volID, lnum int, buf []byte, usedEBs uint32) error {
	return t.write(volID, lnum, buf, 0, ioblk.VolStatic, usedEBs, ioblk.DataCRC(buf))
}

func (t *Table) write(volID, lnum int, buf []byte, off int, vt ioblk.VolType, usedEBs uint32, dataCRC uint32) error {
	key := lebKey{volID, lnum}
	unlock := t.ltree.wlock(key)
	defer unlock()

	oldPnum, err := t.lookup(volID, lnum)
	if err != nil {
		return err
	}

	newPnum, _, aerr := t.alloc.GetPEB()
	if aerr != nil {
		return errors.Wrap(aerr, "eba: write: allocate PEB")
	}

	vidHdr := ioblk.VIDHeader{
		VolType:  vt,
		VolID:    uint32(volID),
		LNum:     uint32(lnum),
		DataPad:  uint32(t.voltab.DataPad(volID)),
		SQNum:    t.seq.Next(),
		DataSize: uint32(len(buf)),
		UsedEBs:  usedEBs,
		DataCRC:  dataCRC,
	}
	if werr := t.io.WriteVIDHeader(newPnum, vidHdr); werr != nil {
		_ = t.alloc.PutPEB(newPnum, true)
		return errors.Wrap(werr, "eba: write VID header")
	}
	if werr := t.io.Write(newPnum, t.geo.LEBStart+off, buf); werr != nil {
		_ = t.alloc.PutPEB(newPnum, true)
		return errors.Wrap(werr, "eba: write data")
	}

	t.store(volID, lnum, int32(newPnum))
	if oldPnum != Unmapped {
		_ = t.alloc.PutPEB(int(oldPnum), false)
	}
	return nil
}

// AtomicLEBChange implements spec §4.4: allocate a fresh PEB, write VID and
// data completely, then atomically swap the table entry. The swap is the
// linearization point; any failure before the swap leaves the LEB
// unchanged.
func (t *Table) AtomicLEBChange(volID, lnum int, buf []byte) error {
	t.alc.Lock()
	defer t.alc.Unlock()

	newPnum, _, aerr := t.alloc.GetPEB()
	if aerr != nil {
		return errors.Wrap(aerr, "eba: atomic_leb_change: allocate PEB")
	}
	vidHdr := ioblk.VIDHeader{
		VolType:  t.voltab.VolType(volID),
		VolID:    uint32(volID),
		LNum:     uint32(lnum),
		DataPad:  uint32(t.voltab.DataPad(volID)),
		SQNum:    t.seq.Next(),
		DataSize: uint32(len(buf)),
	}
	if werr := t.io.WriteVIDHeader(newPnum, vidHdr); werr != nil {
		_ = t.alloc.PutPEB(newPnum, true)
		return errors.Wrap(werr, "eba: atomic_leb_change: write VID header")
	}
	if werr := t.io.Write(newPnum, t.geo.LEBStart, buf); werr != nil {
		_ = t.alloc.PutPEB(newPnum, true)
		return errors.Wrap(werr, "eba: atomic_leb_change: write data")
	}

	key := lebKey{volID, lnum}
	unlock := t.ltree.wlock(key)
	oldPnum, err := t.lookup(volID, lnum)
	if err != nil {
		unlock()
		_ = t.alloc.PutPEB(newPnum, true)
		return err
	}
	t.store(volID, lnum, int32(newPnum)) // linearization point
	unlock()

	if oldPnum != Unmapped {
		_ = t.alloc.PutPEB(int(oldPnum), false)
	}
	return nil
}

// CopyLEB implements spec §4.4's WL-invoked relocation primitive. vidHdr is
// the snapshot WL read from fromPnum before acquiring any lock; races are
// detected by comparing it against the current mapping after the lock is
// held.
func (t *Table) CopyLEB(fromPnum, toPnum int, vidHdr ioblk.VIDHeader) (wl.MoveOutcome, error) {
	volID, lnum := int(vidHdr.VolID), int(vidHdr.LNum)
	key := lebKey{volID, lnum}
	unlock := t.ltree.wlock(key)
	defer unlock()

	cur, err := t.lookup(volID, lnum)
	if err != nil || cur != int32(fromPnum) {
		return wl.MoveCancelRace, nil
	}

	size := t.io.PEBSize() - t.geo.LEBStart
	data := make([]byte, size)
	status, rerr := t.io.Read(fromPnum, t.geo.LEBStart, data)
	if rerr != nil || status == ioblk.StatusBadHdr || status == ioblk.StatusBadHdrEBADMSG {
		return wl.MoveSourceRdErr, errors.Wrap(ubierr.ErrIO, "eba: copy_leb source read failed")
	}

	newVid := vidHdr
	newVid.Copy = true
	newVid.SQNum = t.seq.Next()
	if werr := t.io.WriteVIDHeader(toPnum, newVid); werr != nil {
		return wl.MoveTargetWrErr, errors.Wrap(werr, "eba: copy_leb target VID write failed")
	}
	if werr := t.io.Write(toPnum, t.geo.LEBStart, data); werr != nil {
		return wl.MoveTargetWrErr, errors.Wrap(werr, "eba: copy_leb target data write failed")
	}

	verify := make([]byte, size)
	vstatus, verr := t.io.Read(toPnum, t.geo.LEBStart, verify)
	if verr != nil || vstatus == ioblk.StatusBadHdr || vstatus == ioblk.StatusBadHdrEBADMSG {
		return wl.MoveTargetRdErr, errors.Wrap(ubierr.ErrIO, "eba: copy_leb target verify read failed")
	}
	if vstatus == ioblk.StatusBitflips || vstatus == ioblk.StatusFFBitflips {
		return wl.MoveTargetBitflips, nil
	}

	t.store(volID, lnum, int32(toPnum))
	return wl.MoveOK, nil
}
