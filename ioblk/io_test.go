package ioblk_test

import (
	"testing"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/simflash"
)

func newIO(t *testing.T) (*ioblk.IO, *simflash.Flash) {
	t.Helper()
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	io := ioblk.New(fl, geo, tun, nil)
	return io, fl
}

func TestECHeaderRoundTrip(t *testing.T) {
	io, _ := newIO(t)
	if err := io.SyncErase(0, 0, false); err != nil {
		t.Fatalf("SyncErase: %v", err)
	}

	hdr, _, err := io.ReadECHeader(0)
	if err != nil {
		t.Fatalf("ReadECHeader: %v", err)
	}
	if hdr.EC != 1 {
		t.Fatalf("EC = %d, want 1", hdr.EC)
	}
}

func TestVIDHeaderRoundTrip(t *testing.T) {
	io, _ := newIO(t)
	if err := io.SyncErase(0, 0, false); err != nil {
		t.Fatalf("SyncErase: %v", err)
	}

	want := ioblk.VIDHeader{
		VolType: ioblk.VolDynamic,
		VolID:   3,
		LNum:    7,
		SQNum:   42,
	}
	if err := io.WriteVIDHeader(0, want); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}

	got, _, _, err := io.ReadVIDHeader(0)
	if err != nil {
		t.Fatalf("ReadVIDHeader: %v", err)
	}
	if got.VolID != want.VolID || got.LNum != want.LNum || got.SQNum != want.SQNum {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadClassifiesVirginPEB(t *testing.T) {
	io, _ := newIO(t)
	buf := make([]byte, 32)
	status, err := io.Read(1, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if status != ioblk.StatusFF {
		t.Fatalf("status = %s, want %s", status, ioblk.StatusFF)
	}
}

func TestReadClassifiesBitflip(t *testing.T) {
	io, fl := newIO(t)
	if err := io.SyncErase(0, 0, false); err != nil {
		t.Fatalf("SyncErase: %v", err)
	}
	if err := io.Write(0, io.Geometry().LEBStart, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fl.InjectBitflip(0, false)
	buf := make([]byte, 5)
	status, err := io.Read(0, io.Geometry().LEBStart, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if status != ioblk.StatusBitflips {
		t.Fatalf("status = %s, want %s", status, ioblk.StatusBitflips)
	}
	if string(buf) != "hello" {
		t.Fatalf("buf = %q, want %q", buf, "hello")
	}
}

func TestReadClassifiesEBADMSGAllFF(t *testing.T) {
	io, fl := newIO(t)
	fl.InjectEBADMSG(2, true)
	buf := make([]byte, 32)
	status, err := io.Read(2, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if status != ioblk.StatusFFBitflips {
		t.Fatalf("status = %s, want %s", status, ioblk.StatusFFBitflips)
	}
}

func TestReadClassifiesEBADMSGWithData(t *testing.T) {
	io, fl := newIO(t)
	if err := io.SyncErase(3, 0, false); err != nil {
		t.Fatalf("SyncErase: %v", err)
	}
	fl.InjectEBADMSG(3, true)
	buf := make([]byte, ioblk.ECHeaderSize)
	status, err := io.Read(3, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if status != ioblk.StatusBadHdrEBADMSG {
		t.Fatalf("status = %s, want %s", status, ioblk.StatusBadHdrEBADMSG)
	}
}

func TestSyncEraseTortureMarksBadOnFailure(t *testing.T) {
	io, fl := newIO(t)
	fl.InjectEraseFailure(4, true)
	if err := io.SyncErase(4, 0, true); err == nil {
		t.Fatalf("expected SyncErase with torture over a failing erase to return an error")
	}
	bad, _ := io.IsBad(4)
	if !bad {
		t.Fatalf("IsBad(4) = false, want true")
	}
}

func TestWriteBelowLebStartRejected(t *testing.T) {
	io, _ := newIO(t)
	if err := io.SyncErase(0, 0, false); err != nil {
		t.Fatalf("SyncErase: %v", err)
	}
	if err := io.Write(0, 0, []byte("x")); err == nil {
		t.Fatalf("expected Write below leb_start to be rejected")
	}
}
