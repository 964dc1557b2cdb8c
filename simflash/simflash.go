// Package simflash is a fault-injecting in-memory implementation of
// ioblk.Disk, used only by tests. It plays the physical NAND's role in the
// spec §8 scenarios: bit-flip injection, EBADMSG injection, bad-block
// injection, torture-failure injection, and power-cut snapshotting for
// crash-consistency tests.
package simflash

import (
	"sync"

	"github.com/ubicore/ubi/ioblk"
)

// Flash is an in-memory flash simulator.
type Flash struct {
	mu       sync.Mutex
	pebSize  int
	pebCount int
	data     [][]byte
	bad      []bool

	// Fault injection, keyed by pnum. All are one-shot: consumed on the
	// next matching operation unless Sticky is set.
	bitflipOnRead map[int]*fault
	ebadmsgOnRead map[int]*fault
	eraseFails    map[int]*fault
	writeFails    map[int]*fault
}

type fault struct {
	Sticky bool
	used   bool
}

// New creates a Flash with pebCount PEBs of pebSize bytes, all-0xFF.
func New(pebCount, pebSize int) *Flash {
	f := &Flash{
		pebSize:       pebSize,
		pebCount:      pebCount,
		data:          make([][]byte, pebCount),
		bad:           make([]bool, pebCount),
		bitflipOnRead: map[int]*fault{},
		ebadmsgOnRead: map[int]*fault{},
		eraseFails:    map[int]*fault{},
		writeFails:    map[int]*fault{},
	}
	for i := range f.data {
		f.data[i] = make([]byte, pebSize)
		for j := range f.data[i] {
			f.data[i][j] = 0xFF
		}
	}
	return f
}

var _ ioblk.Disk = (*Flash)(nil)

// PEBCount implements ioblk.Disk.
func (f *Flash) PEBCount() int { return f.pebCount }

// PEBSize implements ioblk.Disk.
func (f *Flash) PEBSize() int { return f.pebSize }

// ReadAt implements ioblk.Disk.
func (f *Flash) ReadAt(pnum, off int, buf []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copy(buf, f.data[pnum][off:off+len(buf)])

	if fl, ok := f.ebadmsgOnRead[pnum]; ok && !fl.used {
		if !fl.Sticky {
			fl.used = true
		}
		return false, ioblk.ErrEBADMSG
	}

	bitflip := false
	if fl, ok := f.bitflipOnRead[pnum]; ok && !fl.used {
		bitflip = true
		if !fl.Sticky {
			fl.used = true
		}
	}
	return bitflip, nil
}

// WriteAt implements ioblk.Disk.
func (f *Flash) WriteAt(pnum, off int, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fl, ok := f.writeFails[pnum]; ok && !fl.used {
		if !fl.Sticky {
			fl.used = true
		}
		return errWriteFailed
	}
	copy(f.data[pnum][off:off+len(buf)], buf)
	return nil
}

// Erase implements ioblk.Disk.
func (f *Flash) Erase(pnum int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fl, ok := f.eraseFails[pnum]; ok && !fl.used {
		if !fl.Sticky {
			fl.used = true
		}
		return errEraseFailed
	}
	for i := range f.data[pnum] {
		f.data[pnum][i] = 0xFF
	}
	return nil
}

// IsBad implements ioblk.Disk.
func (f *Flash) IsBad(pnum int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bad[pnum], nil
}

// MarkBad implements ioblk.Disk.
func (f *Flash) MarkBad(pnum int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad[pnum] = true
	return nil
}

// InjectBitflip causes the next read (or every read, if sticky) of pnum to
// report a corrected bit-flip.
func (f *Flash) InjectBitflip(pnum int, sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitflipOnRead[pnum] = &fault{Sticky: sticky}
}

// InjectEBADMSG causes the next read (or every read, if sticky) of pnum to
// fail uncorrectably.
func (f *Flash) InjectEBADMSG(pnum int, sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ebadmsgOnRead[pnum] = &fault{Sticky: sticky}
}

// InjectEraseFailure causes the next erase (or every erase, if sticky) of
// pnum to fail, exercising the mark-bad path.
func (f *Flash) InjectEraseFailure(pnum int, sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eraseFails[pnum] = &fault{Sticky: sticky}
}

// InjectWriteFailure causes the next write (or every write, if sticky) of
// pnum to fail.
func (f *Flash) InjectWriteFailure(pnum int, sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeFails[pnum] = &fault{Sticky: sticky}
}

// ClearFaults removes all injected faults for pnum.
func (f *Flash) ClearFaults(pnum int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bitflipOnRead, pnum)
	delete(f.ebadmsgOnRead, pnum)
	delete(f.eraseFails, pnum)
	delete(f.writeFails, pnum)
}

// CorruptByte XORs a single byte in pnum's data region, for tests that need
// a persistent on-media corruption rather than a one-shot read fault (e.g.
// static-volume CRC mismatch, spec §8 S5).
func (f *Flash) CorruptByte(pnum, off int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[pnum][off] ^= 0xFF
}

// Snapshot returns a deep copy of the flash's current state, usable to
// simulate a power cut: take a Snapshot mid-sequence, keep writing, then
// Restore to roll back to the pre-cut state for an attach test.
type Snapshot struct {
	data [][]byte
	bad  []bool
}

// Snapshot captures the current on-media state.
func (f *Flash) Snapshot() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &Snapshot{
		data: make([][]byte, len(f.data)),
		bad:  append([]bool(nil), f.bad...),
	}
	for i, d := range f.data {
		s.data[i] = append([]byte(nil), d...)
	}
	return s
}

// Restore rolls the flash back to a previously captured Snapshot,
// simulating a power cut that discarded everything written since.
func (f *Flash) Restore(s *Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range s.data {
		f.data[i] = append([]byte(nil), d...)
	}
	f.bad = append([]bool(nil), s.bad...)
}

type simErr string

func (e simErr) Error() string { return string(e) }

const (
	errEraseFailed = simErr("simflash: injected erase failure")
	errWriteFailed = simErr("simflash: injected write failure")
)
