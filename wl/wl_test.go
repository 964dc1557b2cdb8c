package wl_test

import (
	"testing"
	"time"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/simflash"
	"github.com/ubicore/ubi/wl"
)

// fakeCopier stands in for eba.Table in WL-only tests: it performs no I/O,
// counts its calls, and returns the configured outcome and error (WL
// handles the source's and target's lifecycle).
type fakeCopier struct {
	outcome wl.MoveOutcome
	err     error
	calls   int
}

func (f *fakeCopier) CopyLEB(from, to int, vidHdr ioblk.VIDHeader) (wl.MoveOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

func newManager(t *testing.T) (*wl.Manager, *ioblk.IO, *simflash.Flash) {
	t.Helper()
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	for i := 0; i < geo.PEBCount; i++ {
		if err := io.SyncErase(i, 0, false); err != nil {
			t.Fatalf("SyncErase(%d): %v", i, err)
		}
	}
	m := wl.New(io, tun, nil)
	for i := 0; i < geo.PEBCount; i++ {
		m.SeedFree(i, 1)
	}
	return m, io, fl
}

func TestGetPEBThenPutPEBRecycles(t *testing.T) {
	m, _, _ := newManager(t)
	pnum, ec, err := m.GetPEB()
	if err != nil {
		t.Fatalf("GetPEB: %v", err)
	}
	if ec < 1 {
		t.Fatalf("ec = %d, want >= 1", ec)
	}

	if err := m.PutPEB(pnum, false); err != nil {
		t.Fatalf("PutPEB: %v", err)
	}
	m.Flush(-1)

	st := m.Stats()
	if st.Good != 64 {
		t.Fatalf("Good = %d, want 64", st.Good)
	}
}

func TestGetPEBExhaustionReturnsNoSpace(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(4, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	for i := 0; i < 4; i++ {
		if err := io.SyncErase(i, 0, false); err != nil {
			t.Fatalf("SyncErase(%d): %v", i, err)
		}
	}
	m := wl.New(io, tun, nil)
	for i := 0; i < 4; i++ {
		m.SeedFree(i, 1)
	}
	for i := 0; i < 4; i++ {
		if _, _, err := m.GetPEB(); err != nil {
			t.Fatalf("GetPEB(%d): %v", i, err)
		}
	}
	if _, _, err := m.GetPEB(); err == nil {
		t.Fatalf("expected GetPEB on exhausted free set to fail")
	}
}

func TestScrubPEBSchedulesMoveAndCompletes(t *testing.T) {
	m, _, _ := newManager(t)
	pnum, _, err := m.GetPEB()
	if err != nil {
		t.Fatalf("GetPEB: %v", err)
	}

	fc := &fakeCopier{outcome: wl.MoveOK}
	m.SetCopier(fc)

	if err := m.ScrubPEB(pnum); err != nil {
		t.Fatalf("ScrubPEB: %v", err)
	}
	m.Flush(pnum)

	if fc.calls != 1 {
		t.Fatalf("CopyLEB calls = %d, want 1", fc.calls)
	}
	st := m.Stats()
	if st.Used != 1 {
		t.Fatalf("Used = %d, want 1", st.Used)
	}
}

func TestMarkErroneousCapsAtMaxErroneous(t *testing.T) {
	geo, tun := config.Default()
	tun.MaxErroneous = 1
	fl := simflash.New(4, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	for i := 0; i < 4; i++ {
		if err := io.SyncErase(i, 0, false); err != nil {
			t.Fatalf("SyncErase(%d): %v", i, err)
		}
	}
	m := wl.New(io, tun, nil)
	for i := 0; i < 4; i++ {
		m.SeedUsed(i, 1)
	}

	if err := m.MarkErroneous(0); err != nil {
		t.Fatalf("MarkErroneous(0): %v", err)
	}
	if err := m.MarkErroneous(1); err != nil {
		t.Fatalf("MarkErroneous(1): %v", err)
	}

	st := m.Stats()
	if st.Erroneous != 1 {
		t.Fatalf("Erroneous = %d, want 1", st.Erroneous)
	}
	if st.Bad != 1 {
		t.Fatalf("Bad = %d, want 1", st.Bad)
	}
}

func TestFlushDrainsQueue(t *testing.T) {
	m, _, _ := newManager(t)
	pnum, _, err := m.GetPEB()
	if err != nil {
		t.Fatalf("GetPEB: %v", err)
	}
	if err := m.PutPEB(pnum, false); err != nil {
		t.Fatalf("PutPEB: %v", err)
	}
	done := make(chan struct{})
	go func() {
		m.Flush(-1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return")
	}
}

func TestRefillPoolAndPoolGet(t *testing.T) {
	m, _, _ := newManager(t)
	n := m.RefillPool(5)
	if n != 5 {
		t.Fatalf("RefillPool = %d, want 5", n)
	}
	if _, _, ok := m.PoolGet(); !ok {
		t.Fatalf("PoolGet: ok = false, want true")
	}
}
