// Package device implements spec §3/§5's glue: the device-wide sequence
// number allocator, bad-PEB reserve accounting, the read-only latch, and the
// wiring that ties ioblk, attach, wl, and eba into one addressable unit. It
// follows the teacher's device-object pattern — a struct embedding a mutex
// guarding a handful of related fields, with state otherwise owned by the
// subsystems it aggregates rather than duplicated here.
package device

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ubicore/ubi/attach"
	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/eba"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/ubierr"
	"github.com/ubicore/ubi/wl"
)

// Device aggregates one flash device's full core stack.
type Device struct {
	io  *ioblk.IO
	geo config.Geometry
	tun config.Tunables
	log *slog.Logger

	wl     *wl.Manager
	eba    *eba.Table
	voltab *VolumeTable

	seq uint64 // global_sqnum, accessed only via atomic ops

	roMode int32 // atomic bool: 0 = read-write, 1 = latched read-only

	mu            sync.Mutex
	bebRsvdLevel  int
	bebRsvdPebs   int
	badPEBCount   int
}

// New builds a fresh, empty device over disk: every PEB is erased and
// seeded into WL's free set, global_sqnum starts at 1, and the bad-PEB
// reserve count is computed (see recomputeReserve). Use Attach instead to
// reconstruct a device that already has volumes and data on it.
func New(disk ioblk.Disk, geo config.Geometry, tun config.Tunables, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	io := ioblk.New(disk, geo, tun, log)
	d := &Device{
		io:           io,
		geo:          geo,
		tun:          tun,
		log:          log,
		voltab:       newVolumeTable(),
		bebRsvdLevel: tun.BebRsvdLevel,
	}
	d.wl = wl.New(io, tun, log.With("subsystem", "wl"))
	d.eba = eba.New(io, geo, d.wl, d, d.voltab)
	d.wl.SetCopier(d.eba)

	for pnum := 0; pnum < io.PEBCount(); pnum++ {
		bad, err := io.IsBad(pnum)
		if err != nil {
			return nil, errors.Wrapf(err, "device: is_bad pnum=%d", pnum)
		}
		if bad {
			d.badPEBCount++
			continue
		}
		if err := io.SyncErase(pnum, 0, false); err != nil {
			d.log.Warn("device: initial erase failed", "pnum", pnum, "error", err)
			d.badPEBCount++
			continue
		}
		d.wl.SeedFree(pnum, 1)
	}
	d.recomputeReserve()
	atomic.StoreUint64(&d.seq, 1)
	return d, nil
}

// Attach reconstructs device state from on-flash headers (spec §4.2),
// wiring the scan result into fresh wl.Manager and eba.Table instances.
func Attach(disk ioblk.Disk, geo config.Geometry, tun config.Tunables, log *slog.Logger) (*Device, *attach.Info, error) {
	if log == nil {
		log = slog.Default()
	}
	io := ioblk.New(disk, geo, tun, log)
	info, err := attach.Scan(io, attach.Options{BadPEBLimit: tun.BadPEBLimit}, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "device: attach scan failed")
	}

	d := &Device{
		io:           io,
		geo:          geo,
		tun:          tun,
		log:          log,
		voltab:       newVolumeTable(),
		bebRsvdLevel: tun.BebRsvdLevel,
		badPEBCount:  len(info.Bad),
	}
	if info.ImageSeq != 0 {
		io.SetImageSeq(info.ImageSeq)
	}

	d.wl = wl.New(io, tun, log.With("subsystem", "wl"))
	d.eba = eba.New(io, geo, d.wl, d, d.voltab)
	d.wl.SetCopier(d.eba)

	for _, pnum := range info.Free {
		ec := info.FreeEC[pnum]
		if err := io.SyncErase(pnum, ec, false); err != nil {
			d.badPEBCount++
			continue
		}
		d.wl.SeedFree(pnum, ec+1)
	}
	for _, pnum := range info.Erase {
		d.wl.SeedUsed(pnum, info.EraseEC[pnum]) // recycled via a put_peb below
		_ = d.wl.PutPEB(pnum, false)
	}
	for _, pnum := range info.Corr {
		// EC header is unreadable, so the erase counter is taken as the mean.
		d.wl.SeedUsed(pnum, info.MeanEC)
		_ = d.wl.PutPEB(pnum, false)
	}

	for volID, lnums := range info.Volumes {
		maxLnum := -1
		for lnum := range lnums {
			if lnum > maxLnum {
				maxLnum = lnum
			}
		}
		reserved := maxLnum + 1
		volType := info.VolType[volID]
		if err := d.voltab.Create(volID, reserved, 1, volType, ""); err != nil {
			return nil, nil, errors.Wrapf(err, "device: attach: recreating volume %d", volID)
		}
		if err := d.eba.AddVolume(volID); err != nil {
			return nil, nil, errors.Wrapf(err, "device: attach: adding eba table for volume %d", volID)
		}
		for lnum, cand := range lnums {
			ec := cand.EC
			if cand.Scrub {
				d.wl.SeedScrub(cand.Pnum, ec)
			} else {
				d.wl.SeedUsed(cand.Pnum, ec)
			}
			if err := d.eba.SeedMapping(volID, lnum, cand.Pnum); err != nil {
				return nil, nil, errors.Wrapf(err, "device: attach: seeding (%d,%d)", volID, lnum)
			}
		}
	}
	for _, volID := range info.CorruptVolumes {
		d.eba.MarkCorrupted(volID)
	}

	d.recomputeReserve()
	atomic.StoreUint64(&d.seq, info.MaxSQNum+1)

	if info.ReadOnly {
		d.latchReadOnly(info.ReadOnlyReason)
	}
	return d, info, nil
}

// Next implements eba.SeqAllocator: atomically increments and returns
// global_sqnum (spec §4.4).
func (d *Device) Next() uint64 {
	return atomic.AddUint64(&d.seq, 1)
}

// ReadOnly reports whether the read-only latch (spec §5) is engaged.
func (d *Device) ReadOnly() bool {
	return atomic.LoadInt32(&d.roMode) != 0
}

func (d *Device) latchReadOnly(reason string) {
	if atomic.CompareAndSwapInt32(&d.roMode, 0, 1) {
		d.log.Error("device: read-only latch engaged", "reason", reason)
	}
}

// recomputeReserve sets bebRsvdPebs to the number of PEBs WL currently
// tracks outside the erroneous set (free, used, scrub, protect,
// erase_pending, moving) and logs a warning when that number is below
// beb_rsvd_level. No PEBs are set aside: the count does not subtract the
// volumes' reserved PEBs, and a low count does not block allocation;
// allocations fail with NO_SPACE only when WL's free set is empty.
func (d *Device) recomputeReserve() {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.wl.Stats()
	d.bebRsvdPebs = st.Free + st.Used + st.Scrub + st.Protect + st.ErasePending + st.Moving
	if d.bebRsvdPebs < d.bebRsvdLevel {
		d.log.Warn("device: bad-PEB reserve below level", "have", d.bebRsvdPebs, "want", d.bebRsvdLevel)
	}
}

// CreateVolume registers a new volume and allocates its EBA table.
func (d *Device) CreateVolume(volID, reservedPEBs, alignment int, volType ioblk.VolType, name string) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: create_volume")
	}
	if err := d.voltab.Create(volID, reservedPEBs, alignment, volType, name); err != nil {
		return err
	}
	if err := d.eba.AddVolume(volID); err != nil {
		_ = d.voltab.Remove(volID)
		return err
	}
	d.recomputeReserve()
	return nil
}

// DeleteVolume frees volID's EBA table, returning every mapped PEB to WL.
func (d *Device) DeleteVolume(volID int) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: delete_volume")
	}
	if err := d.eba.RemoveVolume(volID); err != nil {
		return err
	}
	if err := d.voltab.Remove(volID); err != nil {
		return err
	}
	d.recomputeReserve()
	return nil
}

// Read reads len(buf) bytes from (volID, lnum) at off, per spec §4.4. With
// strict set, reading an unmapped LEB fails with ubierr.ErrNotMapped
// instead of returning a 0xFF-filled buffer (spec §6's NOT_MAPPED).
func (d *Device) Read(volID, lnum, off int, buf []byte, check, strict bool) error {
	return d.eba.Read(volID, lnum, off, buf, check, strict)
}

// Write writes buf to (volID, lnum) at off for a dynamic volume.
func (d *Device) Write(volID, lnum int, buf []byte, off int) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: write")
	}
	err := d.eba.Write(volID, lnum, buf, off)
	d.recomputeReserve()
	return err
}

// WriteLebSt writes a complete static-volume LEB carrying used_ebs.
func (d *Device) WriteLebSt(volID, lnum int, buf []byte, usedEBs uint32) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: write_leb_st")
	}
	err := d.eba.WriteLebSt(volID, lnum, buf, usedEBs)
	d.recomputeReserve()
	return err
}

// Unmap releases (volID, lnum)'s PEB, if any.
func (d *Device) Unmap(volID, lnum int) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: unmap")
	}
	err := d.eba.Unmap(volID, lnum)
	d.recomputeReserve()
	return err
}

// AtomicLEBChange replaces (volID, lnum)'s content as a single linearizable
// step (spec §4.4).
func (d *Device) AtomicLEBChange(volID, lnum int, buf []byte) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: atomic_leb_change")
	}
	err := d.eba.AtomicLEBChange(volID, lnum, buf)
	d.recomputeReserve()
	return err
}

// Flush blocks until all in-flight WL work has drained.
func (d *Device) Flush() { d.wl.Flush(-1) }

// Stats exposes the WL partition snapshot for cmd/ubictl's stats command.
func (d *Device) Stats() wl.Stats { return d.wl.Stats() }

// ScrubPEB requests that pnum be moved off as suspect, per spec §4.3.
func (d *Device) ScrubPEB(pnum int) error {
	if d.ReadOnly() {
		return errors.Wrap(ubierr.ErrReadOnly, "device: scrub_peb")
	}
	return d.wl.ScrubPEB(pnum)
}

// BadPEBCount returns the number of PEBs flagged bad on this device: those
// found bad while building or attaching it plus those WL has marked since.
func (d *Device) BadPEBCount() int {
	d.mu.Lock()
	n := d.badPEBCount
	d.mu.Unlock()
	return n + d.wl.Stats().Bad
}

// Shutdown stops the background WL worker.
func (d *Device) Shutdown() { d.wl.Shutdown() }

// VolumeTable exposes the device's in-core volume index, e.g. for
// cmd/ubictl's info subcommand.
func (d *Device) VolumeTable() *VolumeTable { return d.voltab }

// PnumOf returns the PEB currently backing (volID, lnum), for diagnostics.
func (d *Device) PnumOf(volID, lnum int) (int, bool) { return d.eba.PnumOf(volID, lnum) }
