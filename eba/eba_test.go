package eba_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/eba"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/simflash"
	"github.com/ubicore/ubi/ubierr"
	"github.com/ubicore/ubi/wl"
)

type fakeVoltab struct {
	reserved map[int]int
	vt       map[int]ioblk.VolType
	pad      map[int]int
}

func newFakeVoltab() *fakeVoltab {
	return &fakeVoltab{
		reserved: map[int]int{},
		vt:       map[int]ioblk.VolType{},
		pad:      map[int]int{},
	}
}

func (f *fakeVoltab) ReservedPEBs(volID int) (int, bool) { n, ok := f.reserved[volID]; return n, ok }
func (f *fakeVoltab) Alignment(volID int) int             { return 1 }
func (f *fakeVoltab) DataPad(volID int) int               { return f.pad[volID] }
func (f *fakeVoltab) VolType(volID int) ioblk.VolType      { return f.vt[volID] }
func (f *fakeVoltab) Name(volID int) string                { return "test" }
func (f *fakeVoltab) UpdMarker(volID int) bool             { return false }

type seqCounter struct{ n uint64 }

func (s *seqCounter) Next() uint64 { s.n++; return s.n }

func newTable(t *testing.T, pebCount int) (*eba.Table, *wl.Manager, *ioblk.IO) {
	t.Helper()
	geo, tun := config.Default()
	fl := simflash.New(pebCount, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	for i := 0; i < pebCount; i++ {
		if err := io.SyncErase(i, 0, false); err != nil {
			t.Fatalf("SyncErase(%d): %v", i, err)
		}
	}
	wlm := wl.New(io, tun, nil)
	for i := 0; i < pebCount; i++ {
		wlm.SeedFree(i, 1)
	}
	voltab := newFakeVoltab()
	voltab.reserved[0] = 4
	voltab.vt[0] = ioblk.VolDynamic

	tbl := eba.New(io, geo, wlm, &seqCounter{}, voltab)
	wlm.SetCopier(tbl)
	if err := tbl.AddVolume(0); err != nil {
		t.Fatalf("AddVolume: %v", err)
	}
	return tbl, wlm, io
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tbl, _, _ := newTable(t, 16)
	data := []byte("hello ubi eba layer")
	if err := tbl.Write(0, 2, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(data))
	if err := tbl.Read(0, 2, 0, got, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Fatalf("got %q want %q", got, data)
	}
}

func TestReadUnmappedReturnsAllFF(t *testing.T) {
	tbl, _, _ := newTable(t, 16)
	buf := make([]byte, 8)
	if err := tbl.Read(0, 1, 0, buf, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#x want 0xFF", i, b)
		}
	}
}

func TestReadUnmappedStrictReturnsErrNotMapped(t *testing.T) {
	tbl, _, _ := newTable(t, 16)
	buf := make([]byte, 8)
	err := tbl.Read(0, 1, 0, buf, false, true)
	if !errors.Is(err, ubierr.ErrNotMapped) {
		t.Fatalf("Read strict on unmapped LEB: got %v, want ubierr.ErrNotMapped", err)
	}
}

func TestUnmapReleasesPEB(t *testing.T) {
	tbl, wlm, _ := newTable(t, 16)
	data := []byte("some data")
	if err := tbl.Write(0, 0, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	before := wlm.Stats()
	if err := tbl.Unmap(0, 0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	wlm.Flush(-1)
	after := wlm.Stats()

	if after.Protect != before.Protect-1 {
		t.Fatalf("Protect: got %d want %d", after.Protect, before.Protect-1)
	}

	buf := make([]byte, len(data))
	if err := tbl.Read(0, 0, 0, buf, false, false); err != nil {
		t.Fatalf("Read after unmap: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#x want 0xFF", i, b)
		}
	}
}

func TestWriteRemapsToFreshPEBAndFreesOld(t *testing.T) {
	tbl, wlm, _ := newTable(t, 16)
	if err := tbl.Write(0, 0, []byte("first"), 0); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	first, _ := tbl.PnumOf(0, 0)
	if err := tbl.Write(0, 0, []byte("second write here"), 0); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	second, _ := tbl.PnumOf(0, 0)
	if second == first {
		t.Fatalf("second write reused pnum %d, want a fresh PEB", first)
	}
	wlm.Flush(-1)

	// 16 seeded, two allocated, the first one erased back into free.
	if st := wlm.Stats(); st.Free != 15 {
		t.Fatalf("Free = %d, want 15", st.Free)
	}

	want := "second write here"
	got := make([]byte, len(want))
	if err := tbl.Read(0, 0, 0, got, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAtomicLEBChangeReplacesContent(t *testing.T) {
	tbl, _, _ := newTable(t, 16)
	if err := tbl.Write(0, 0, []byte("old"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tbl.AtomicLEBChange(0, 0, []byte("new content")); err != nil {
		t.Fatalf("AtomicLEBChange: %v", err)
	}

	want := "new content"
	got := make([]byte, len(want))
	if err := tbl.Read(0, 0, 0, got, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteLebStAndCheckedReadDetectsCorruption(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(16, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	for i := 0; i < 16; i++ {
		if err := io.SyncErase(i, 0, false); err != nil {
			t.Fatalf("SyncErase(%d): %v", i, err)
		}
	}
	wlm := wl.New(io, tun, nil)
	for i := 0; i < 16; i++ {
		wlm.SeedFree(i, 1)
	}
	voltab := newFakeVoltab()
	voltab.reserved[0] = 4
	voltab.vt[0] = ioblk.VolStatic
	tbl := eba.New(io, geo, wlm, &seqCounter{}, voltab)
	wlm.SetCopier(tbl)
	if err := tbl.AddVolume(0); err != nil {
		t.Fatalf("AddVolume: %v", err)
	}

	data := []byte("static volume payload")
	if err := tbl.WriteLebSt(0, 0, data, 1); err != nil {
		t.Fatalf("WriteLebSt: %v", err)
	}

	got := make([]byte, len(data))
	if err := tbl.Read(0, 0, 0, got, true, false); err != nil {
		t.Fatalf("checked Read: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Fatalf("got %q want %q", got, data)
	}
	if tbl.IsCorrupted(0) {
		t.Fatalf("volume 0 flagged corrupted, want not corrupted")
	}

	pnum, ok := tbl.PnumOf(0, 0)
	if !ok {
		t.Fatalf("PnumOf: no mapping for (0,0)")
	}
	fl.CorruptByte(pnum, geo.LEBStart+2)
	if err := tbl.Read(0, 0, 0, got, true, false); !errors.Is(err, ubierr.ErrCorrupt) {
		t.Fatalf("checked Read of corrupted LEB: got %v, want ubierr.ErrCorrupt", err)
	}
	if !tbl.IsCorrupted(0) {
		t.Fatalf("volume 0 not flagged corrupted after CRC mismatch")
	}
}

func TestRemoveVolumeReturnsPEBs(t *testing.T) {
	tbl, wlm, _ := newTable(t, 16)
	if err := tbl.Write(0, 0, []byte("x"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tbl.RemoveVolume(0); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}
	wlm.Flush(-1)

	if st := wlm.Stats(); st.Free != 16 {
		t.Fatalf("Free = %d after RemoveVolume, want 16", st.Free)
	}
	if err := tbl.Read(0, 0, 0, make([]byte, 1), false, false); err == nil {
		t.Fatalf("expected Read after RemoveVolume to fail")
	}
}
