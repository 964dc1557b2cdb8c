// Package config loads device geometry and tunables for a UBI-core device.
// No repo in the reference corpus pulls in a config-file library (the
// teacher's own tunables are compiled-in constants and boot flags), so this
// stays a thin encoding/json reader over plain structs with sane defaults
// — see DESIGN.md for the stdlib justification.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Geometry describes the fixed, on-flash layout of a device. It never
// changes after attach.
type Geometry struct {
	PEBSize       int `json:"peb_size"`        // bytes per physical eraseblock
	PEBCount      int `json:"peb_count"`       // number of PEBs on the device
	VIDHdrOffset  int `json:"vid_hdr_offset"`  // offset of the VID header within a PEB
	MinIOSize     int `json:"min_io_size"`     // minimum flash write granularity
	HdrsMinIOSize int `json:"hdrs_min_io_size"`// header region alignment granularity
	LEBStart      int `json:"leb_start"`       // offset where user data begins (derived if zero)
}

// Tunables are the WL/EBA/IO policy knobs. Unlike Geometry these may differ
// across otherwise-identical devices.
type Tunables struct {
	IORetries    int `json:"io_retries"`     // §4.1 UBI_IO_RETRIES
	WLThreshold  int `json:"wl_threshold"`   // §4.3 WL_THRESHOLD
	ProtQueueLen int `json:"prot_queue_len"` // §4.3 PROT_QUEUE_LEN
	MaxErroneous int `json:"max_erroneous"`  // §3 max_erroneous
	BadPEBLimit  int `json:"bad_peb_limit"`  // §4.2 bad_peb_limit
	BebRsvdLevel int `json:"beb_rsvd_level"` // §5 beb_rsvd_level
}

// Default returns the geometry/tunables used by the test suite and
// cmd/ubictl's init subcommand: 64 PEBs of 128 KiB, matching spec §8 scenario S1.
func Default() (Geometry, Tunables) {
	g := Geometry{
		PEBSize:       128 * 1024,
		PEBCount:      64,
		VIDHdrOffset:  64,
		MinIOSize:     512,
		HdrsMinIOSize: 512,
	}
	g.LEBStart = alignUp(g.VIDHdrOffset+vidHdrSize, g.MinIOSize)
	t := Tunables{
		IORetries:    3,
		WLThreshold:  4096,
		ProtQueueLen: 10,
		MaxErroneous: 8,
		BadPEBLimit:  maxBadPEBLimit(g.PEBCount),
		BebRsvdLevel: 2,
	}
	return g, t
}

// vidHdrSize is the on-flash VID header size; kept here (rather than
// importing ioblk) to avoid a config<->ioblk import cycle, since ioblk
// itself depends on config.Geometry.
const vidHdrSize = 64

func alignUp(n, align int) int {
	if align <= 0 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func maxBadPEBLimit(pebCount int) int {
	// Conservative default: about 2% of the device, but never fewer than 4
	// PEBs, may go bad before the core forces read-only mode.
	limit := pebCount / 50
	if limit < 4 {
		limit = 4
	}
	return limit
}

// fileConfig mirrors the on-disk JSON shape: either section may be
// partially specified, with Default() filling any field left zero-valued.
type fileConfig struct {
	Geometry Geometry `json:"geometry"`
	Tunables Tunables `json:"tunables"`
}

// Load reads geometry and tunables from a JSON config file at path,
// falling back to Default() for any field left as its zero value.
func Load(path string) (Geometry, Tunables, error) {
	g, t := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Geometry{}, Tunables{}, errors.Wrapf(err, "config: reading %s", path)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return Geometry{}, Tunables{}, errors.Wrapf(err, "config: parsing %s", path)
	}

	overlayGeometry(&g, fc.Geometry)
	overlayTunables(&t, fc.Tunables)

	if g.PEBSize <= 0 || g.PEBCount <= 0 {
		return Geometry{}, Tunables{}, errors.New("config: peb_size and peb_count must be positive")
	}
	return g, t, nil
}

func overlayGeometry(g *Geometry, in Geometry) {
	if in.PEBSize != 0 {
		g.PEBSize = in.PEBSize
	}
	if in.PEBCount != 0 {
		g.PEBCount = in.PEBCount
	}
	if in.VIDHdrOffset != 0 {
		g.VIDHdrOffset = in.VIDHdrOffset
	}
	if in.MinIOSize != 0 {
		g.MinIOSize = in.MinIOSize
	}
	if in.HdrsMinIOSize != 0 {
		g.HdrsMinIOSize = in.HdrsMinIOSize
	}
	g.LEBStart = alignUp(g.VIDHdrOffset+vidHdrSize, g.MinIOSize)
	if in.LEBStart != 0 {
		g.LEBStart = in.LEBStart
	}
}

func overlayTunables(t *Tunables, in Tunables) {
	if in.IORetries != 0 {
		t.IORetries = in.IORetries
	}
	if in.WLThreshold != 0 {
		t.WLThreshold = in.WLThreshold
	}
	if in.ProtQueueLen != 0 {
		t.ProtQueueLen = in.ProtQueueLen
	}
	if in.MaxErroneous != 0 {
		t.MaxErroneous = in.MaxErroneous
	}
	if in.BadPEBLimit != 0 {
		t.BadPEBLimit = in.BadPEBLimit
	}
	if in.BebRsvdLevel != 0 {
		t.BebRsvdLevel = in.BebRsvdLevel
	}
}
