package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ubicore/ubi/ioblk"
	"github.com/ubicore/ubi/ubierr"
)

// volumeRecord is one row of the in-core volume table (spec §4.5). The
// persistent "internal layout volume" the real system writes this table
// through is out of scope (§1 Non-goals name the administrative path as a
// contract only); VolumeTable here is the in-memory side of that contract.
type volumeRecord struct {
	reservedPEBs int
	alignment    int
	dataPad      int
	volType      ioblk.VolType
	name         string
	updMarker    bool
}

// VolumeTable is the device-owned, mutex-serialized volume index EBA
// consumes through the eba.VolumeTable interface (spec §4.5).
type VolumeTable struct {
	mu   sync.Mutex
	vols map[int]*volumeRecord
}

func newVolumeTable() *VolumeTable {
	return &VolumeTable{vols: map[int]*volumeRecord{}}
}

// Create registers a new volume. reservedPEBs must be positive.
func (vt *VolumeTable) Create(volID int, reservedPEBs, alignment int, volType ioblk.VolType, name string) error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if _, exists := vt.vols[volID]; exists {
		return errors.Wrapf(ubierr.ErrBadArg, "device: volume %d already exists", volID)
	}
	if reservedPEBs <= 0 {
		return errors.Wrap(ubierr.ErrBadArg, "device: reserved_pebs must be positive")
	}
	if alignment <= 0 {
		alignment = 1
	}
	dataPad := 0 // alignment padding derivation is a volume-table admin detail out of scope here
	vt.vols[volID] = &volumeRecord{
		reservedPEBs: reservedPEBs,
		alignment:    alignment,
		dataPad:      dataPad,
		volType:      volType,
		name:         name,
	}
	return nil
}

// Remove deletes volID from the table.
func (vt *VolumeTable) Remove(volID int) error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if _, exists := vt.vols[volID]; !exists {
		return errors.Wrapf(ubierr.ErrBadArg, "device: volume %d does not exist", volID)
	}
	delete(vt.vols, volID)
	return nil
}

// List returns every registered volume id, for cmd/ubictl's info command.
func (vt *VolumeTable) List() []int {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	ids := make([]int, 0, len(vt.vols))
	for id := range vt.vols {
		ids = append(ids, id)
	}
	return ids
}

// SetUpdMarker flags volID as mid-update; it survives power cuts in the
// real system via the on-flash layout volume, modeled here as an in-memory
// flag since that persistence path is out of scope.
func (vt *VolumeTable) SetUpdMarker(volID int, set bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		r.updMarker = set
	}
}

func (vt *VolumeTable) ReservedPEBs(volID int) (int, bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	r, ok := vt.vols[volID]
	if !ok {
		return 0, false
	}
	return r.reservedPEBs, true
}

func (vt *VolumeTable) Alignment(volID int) int {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		return r.alignment
	}
	return 1
}

func (vt *VolumeTable) DataPad(volID int) int {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		return r.dataPad
	}
	return 0
}

func (vt *VolumeTable) VolType(volID int) ioblk.VolType {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		return r.volType
	}
	return ioblk.VolDynamic
}

func (vt *VolumeTable) Name(volID int) string {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		return r.name
	}
	return ""
}

func (vt *VolumeTable) UpdMarker(volID int) bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if r, ok := vt.vols[volID]; ok {
		return r.updMarker
	}
	return false
}
