package filedisk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ubicore/ubi/filedisk"
)

func TestCreateThenWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	d, err := filedisk.Create(path, 4, 256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.WriteAt(1, 10, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := d.ReadAt(1, 10, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q want %q", buf, "hello")
	}
}

func TestEraseResetsToAllFF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	d, err := filedisk.Create(path, 2, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.WriteAt(0, 0, []byte("xyz")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := d.ReadAt(0, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#x want 0xFF", i, b)
		}
	}
}

func TestMarkBadPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	d, err := filedisk.Create(path, 4, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.MarkBad(2); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	d.Close()

	reopened, err := filedisk.Open(path, 4, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	bad, err := reopened.IsBad(2)
	if err != nil {
		t.Fatalf("IsBad: %v", err)
	}
	if !bad {
		t.Fatalf("IsBad(2) = false after reopen, want true")
	}
	bad0, err := reopened.IsBad(0)
	if err != nil {
		t.Fatalf("IsBad: %v", err)
	}
	if bad0 {
		t.Fatalf("IsBad(0) = true, want false")
	}
}

func TestPEBCountAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	d, err := filedisk.Create(path, 7, 512)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()
	if d.PEBCount() != 7 {
		t.Fatalf("PEBCount = %d, want 7", d.PEBCount())
	}
	if d.PEBSize() != 512 {
		t.Fatalf("PEBSize = %d, want 512", d.PEBSize())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	wantMin := int64(7*512 + 7)
	if info.Size() < wantMin {
		t.Fatalf("image size = %d, want at least %d", info.Size(), wantMin)
	}
}
