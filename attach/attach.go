// Package attach implements spec §4.2: the full-device scan that
// reconstructs volume mappings, free/corrupt/erase/alien PEB lists, and EC
// statistics from on-flash headers at mount time. The teacher has no scan
// analogue of its own, so the control flow follows the numbered procedure
// in the specification directly, in the teacher's error-wrapping/logging
// idiom.
package attach

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/ubicore/ubi/ioblk"
)

// Candidate is one (vol_id, lnum) claimant found during the scan.
type Candidate struct {
	Pnum     int
	EC       uint64
	SQNum    uint64
	CopyFlag bool
	Scrub    bool
	VidHdr   ioblk.VIDHeader
}

// Info is the transient attach-info structure of spec §3: discarded once
// wl.Manager and eba.Table are seeded from it.
type Info struct {
	Volumes map[int]map[int]Candidate // vol_id -> lnum -> winning candidate
	VolType map[int]ioblk.VolType
	Corr    []int // corrupted header PEBs, pushed to erase
	Free    []int // erased + headered but unmapped
	Erase   []int // needs recycling (all-0xFF EC, corrupt VID, or conflict loser)
	Alien   []int // belongs to a compat-preserve internal volume
	Bad     []int // already marked bad on disk

	// FreeEC and EraseEC carry the on-flash erase counter scanned for each
	// pnum in Free/Erase, so device.Attach can re-erase with the real
	// history instead of resetting ec to 0 (spec §8 invariant 3).
	FreeEC  map[int]uint64
	EraseEC map[int]uint64

	// CorruptVolumes lists static volumes whose data CRC failed somewhere
	// during the scan (spec §8 invariant 7 / scenario S5): every LEB of a
	// listed volume must fail reads with CORRUPT, not just the bad one.
	CorruptVolumes []int

	// ImageSeq is the image_seq of the first valid EC header encountered;
	// a later header whose image_seq differs is a foreign PEB and is
	// diverted to Alien instead of being attached (§9 supplement).
	ImageSeq uint32

	MinEC, MaxEC, MeanEC uint64
	MaxSQNum             uint64
	EmptyPEBCount        int

	ReadOnly       bool
	ReadOnlyReason string
}

// Options bounds the scan's read-only triggers (spec §4.2's final
// paragraph): bad_peb_count exceeding bad_peb_limit forces read-only.
type Options struct {
	BadPEBLimit int
}

// Scan runs the attach procedure of spec §4.2 over every PEB on io's
// device and returns the assembled attach-info.
func Scan(io *ioblk.IO, opt Options, log *slog.Logger) (*Info, error) {
	if log == nil {
		log = slog.Default()
	}
	info := &Info{
		Volumes: map[int]map[int]Candidate{},
		VolType: map[int]ioblk.VolType{},
		FreeEC:  map[int]uint64{},
		EraseEC: map[int]uint64{},
	}

	var ecSum uint64
	var ecCount int
	first := true

	for pnum := 0; pnum < io.PEBCount(); pnum++ {
		bad, err := io.IsBad(pnum)
		if err != nil {
			return nil, errors.Wrapf(err, "attach: is_bad pnum=%d", pnum)
		}
		if bad {
			info.Bad = append(info.Bad, pnum)
			continue
		}

		ecHdr, ecState, err := io.ReadECHeader(pnum)
		if err != nil {
			return nil, errors.Wrapf(err, "attach: read EC header pnum=%d", pnum)
		}

		switch ecState {
		case ioblk.HdrAllFF:
			info.Erase = append(info.Erase, pnum)
			info.EmptyPEBCount++
			continue
		case ioblk.HdrCorrupt:
			info.Corr = append(info.Corr, pnum)
			continue
		}

		if info.ImageSeq == 0 {
			info.ImageSeq = ecHdr.ImageSeq
		} else if ecHdr.ImageSeq != info.ImageSeq {
			info.Alien = append(info.Alien, pnum)
			continue
		}

		ec := ecHdr.EC
		ecSum += ec
		ecCount++
		if first || ec < info.MinEC {
			info.MinEC = ec
		}
		if first || ec > info.MaxEC {
			info.MaxEC = ec
		}
		first = false

		vidHdr, vidState, vidStatus, err := io.ReadVIDHeader(pnum)
		if err != nil {
			return nil, errors.Wrapf(err, "attach: read VID header pnum=%d", pnum)
		}

		switch vidState {
		case ioblk.HdrAllFF:
			info.Free = append(info.Free, pnum)
			info.FreeEC[pnum] = ec
			continue
		case ioblk.HdrCorrupt:
			info.Erase = append(info.Erase, pnum)
			info.EraseEC[pnum] = ec
			continue
		}

		if vidHdr.Compat != 0 {
			info.Alien = append(info.Alien, pnum)
			continue
		}

		cand := Candidate{
			Pnum:     pnum,
			EC:       ec,
			SQNum:    vidHdr.SQNum,
			CopyFlag: vidHdr.Copy,
			Scrub:    vidStatus == ioblk.StatusBitflips,
			VidHdr:   vidHdr,
		}
		if cand.SQNum > info.MaxSQNum {
			info.MaxSQNum = cand.SQNum
		}

		volID, lnum := int(vidHdr.VolID), int(vidHdr.LNum)
		info.VolType[volID] = vidHdr.VolType
		lnums, ok := info.Volumes[volID]
		if !ok {
			lnums = map[int]Candidate{}
			info.Volumes[volID] = lnums
		}
		existing, conflict := lnums[lnum]
		if !conflict {
			lnums[lnum] = cand
			continue
		}

		winner, loser, lerr := resolveConflict(io, existing, cand)
		if lerr != nil {
			log.Warn("attach: conflict resolution degraded",
				"vol_id", volID, "lnum", lnum, "error", lerr)
			if vidHdr.VolType == ioblk.VolStatic {
				info.CorruptVolumes = append(info.CorruptVolumes, volID)
			}
		}
		lnums[lnum] = winner
		info.Erase = append(info.Erase, loser.Pnum)
		info.EraseEC[loser.Pnum] = loser.EC
	}

	if ecCount > 0 {
		info.MeanEC = ecSum / uint64(ecCount)
	}

	markCorruptStaticVolumes(io, info)

	if opt.BadPEBLimit > 0 && len(info.Bad) > opt.BadPEBLimit {
		info.ReadOnly = true
		info.ReadOnlyReason = "bad_peb_count exceeds bad_peb_limit"
	}

	return info, nil
}

// markCorruptStaticVolumes runs a static-volume data-CRC pass over every
// surviving candidate once the scan is complete and records any volume
// with at least one failing LEB in info.CorruptVolumes. Without this pass
// a re-attached static volume with one bad LEB would only be flagged
// CORRUPT lazily, the first time that specific LEB happened to be read
// with check=true — violating spec §8 invariant 7's guarantee that every
// LEB of a corrupted static volume fails CORRUPT (scenario S5).
func markCorruptStaticVolumes(io *ioblk.IO, info *Info) {
	for volID, lnums := range info.Volumes {
		if info.VolType[volID] != ioblk.VolStatic {
			continue
		}
		for _, cand := range lnums {
			if !crcOK(io, cand) {
				info.CorruptVolumes = append(info.CorruptVolumes, volID)
				break
			}
		}
	}
}

// resolveConflict implements spec §4.2's ubi_compare_lebs tie-break table
// for two candidates claiming the same (vol_id, lnum).
func resolveConflict(io *ioblk.IO, a, b Candidate) (winner, loser Candidate, err error) {
	switch {
	case !a.CopyFlag && !b.CopyFlag:
		// Neither is a WL copy: an unexpected duplicate. The newer sqnum is
		// presumed to be the live write; the older is stale/corrupted data.
		if a.SQNum >= b.SQNum {
			return a, b, errors.New("attach: duplicate LEB claim with copy_flag=0 on both sides")
		}
		return b, a, errors.New("attach: duplicate LEB claim with copy_flag=0 on both sides")

	case a.CopyFlag != b.CopyFlag:
		// Exactly one is a WL copy of the other: prefer the higher sqnum
		// unless its data fails CRC, in which case prefer the other.
		hi, lo := a, b
		if b.SQNum > a.SQNum {
			hi, lo = b, a
		}
		if crcOK(io, hi) {
			return hi, lo, nil
		}
		return lo, hi, nil

	default:
		// Both copy_flag=1: an interrupted move; higher sqnum with valid
		// CRC wins.
		hi, lo := a, b
		if b.SQNum > a.SQNum {
			hi, lo = b, a
		}
		if crcOK(io, hi) {
			return hi, lo, nil
		}
		return lo, hi, nil
	}
}

// crcOK verifies a static-volume candidate's data CRC against its VID
// header; dynamic-volume candidates have no data CRC to check and are
// always considered CRC-valid.
func crcOK(io *ioblk.IO, c Candidate) bool {
	if c.VidHdr.VolType != ioblk.VolStatic {
		return true
	}
	geo := io.Geometry()
	buf := make([]byte, c.VidHdr.DataSize)
	status, err := io.Read(c.Pnum, geo.LEBStart, buf)
	if err != nil || status == ioblk.StatusBadHdr || status == ioblk.StatusBadHdrEBADMSG {
		return false
	}
	return ioblk.DataCRC(buf) == c.VidHdr.DataCRC
}
