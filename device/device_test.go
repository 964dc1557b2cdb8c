package device_test

import (
	"testing"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/device"
	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/simflash"
)

// TestFreshDeviceWriteReadRoundTrip exercises spec §8 scenario S1: a fresh
// 64-PEB device, one dynamic volume, a short write read back byte-exact
// with the 64 bytes after it reading as 0xFF.
func TestFreshDeviceWriteReadRoundTrip(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	d, err := device.New(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	defer d.Shutdown()

	if err := d.CreateVolume(0, 4, 1, ioblk.VolDynamic, "vol0"); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 0xA5
	}
	if err := d.Write(0, 0, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 100)
	if err := d.Read(0, 0, 0, got, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], payload[i])
		}
	}

	tail := make([]byte, 64)
	if err := d.Read(0, 0, 100, tail, false, false); err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	for i, b := range tail {
		if b != 0xFF {
			t.Fatalf("tail byte %d: got %#x want 0xFF", i, b)
		}
	}
}

// TestOverwriteAllocatesFreshPEB exercises spec §8 scenario S2.
func TestOverwriteAllocatesFreshPEB(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	d, err := device.New(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	defer d.Shutdown()

	if err := d.CreateVolume(0, 4, 1, ioblk.VolDynamic, "vol0"); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := d.Write(0, 0, []byte{0xA5}, 0); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	first, _ := d.PnumOf(0, 0)
	if err := d.Write(0, 0, []byte{0x5A}, 0); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	second, _ := d.PnumOf(0, 0)
	if second == first {
		t.Fatalf("second write reused pnum %d, want a fresh PEB", first)
	}
	d.Flush()

	got := make([]byte, 1)
	if err := d.Read(0, 0, 0, got, false, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0x5A {
		t.Fatalf("got %#x want 0x5a", got[0])
	}
}

func TestAttachReconstructsVolume(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	d1, err := device.New(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	if err := d1.CreateVolume(0, 4, 1, ioblk.VolDynamic, "vol0"); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := d1.Write(0, 1, []byte("persisted"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d1.Flush()
	d1.Shutdown()

	d2, info, err := device.Attach(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.Attach: %v", err)
	}
	defer d2.Shutdown()
	if _, ok := info.Volumes[0]; !ok {
		t.Fatalf("attach info missing volume 0: %+v", info.Volumes)
	}

	got := make([]byte, len("persisted"))
	if err := d2.Read(0, 1, 0, got, false, false); err != nil {
		t.Fatalf("Read after attach: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q want %q", got, "persisted")
	}
}

func TestStaticVolumeCorruptionFlagsVolume(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	d, err := device.New(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	defer d.Shutdown()

	if err := d.CreateVolume(1, 4, 1, ioblk.VolStatic, "static0"); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	data := []byte("static payload data")
	if err := d.WriteLebSt(1, 0, data, 1); err != nil {
		t.Fatalf("WriteLebSt: %v", err)
	}

	pnum, ok := d.PnumOf(1, 0)
	if !ok {
		t.Fatalf("PnumOf: no mapping for (1,0)")
	}
	fl.CorruptByte(pnum, geo.LEBStart+2)

	buf := make([]byte, len(data))
	if err := d.Read(1, 0, 0, buf, true, false); err == nil {
		t.Fatalf("expected checked read of corrupted static LEB to fail")
	}
}

// TestReattachFlagsCorruptedStaticVolumeEntirely covers spec §8 invariant 7 /
// scenario S5: re-attaching a static volume with one corrupted LEB must fail
// checked reads of every LEB in that volume, not just the corrupted one.
func TestReattachFlagsCorruptedStaticVolumeEntirely(t *testing.T) {
	geo, tun := config.Default()
	fl := simflash.New(geo.PEBCount, geo.PEBSize)
	d1, err := device.New(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	if err := d1.CreateVolume(1, 4, 1, ioblk.VolStatic, "static0"); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	data0 := []byte("static payload lnum0")
	data1 := []byte("static payload lnum1")
	if err := d1.WriteLebSt(1, 0, data0, 2); err != nil {
		t.Fatalf("WriteLebSt lnum0: %v", err)
	}
	if err := d1.WriteLebSt(1, 1, data1, 2); err != nil {
		t.Fatalf("WriteLebSt lnum1: %v", err)
	}

	pnum0, ok := d1.PnumOf(1, 0)
	if !ok {
		t.Fatalf("PnumOf: no mapping for (1,0)")
	}
	d1.Flush()
	d1.Shutdown()

	fl.CorruptByte(pnum0, geo.LEBStart+2)

	d2, _, err := device.Attach(fl, geo, tun, nil)
	if err != nil {
		t.Fatalf("device.Attach: %v", err)
	}
	defer d2.Shutdown()

	got := make([]byte, len(data1))
	if err := d2.Read(1, 1, 0, got, true, false); err == nil {
		t.Fatalf("expected checked read of intact lnum1 in a corrupted static volume to fail CORRUPT")
	}
}
