package ioblk

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// On-flash magics, per spec §6. Both headers are big-endian, fixed-size,
// CRC32-protected (IEEE polynomial, the zero-value accumulator semantics
// Go's hash/crc32 already implements — see DESIGN.md for why this stays
// stdlib rather than reaching for a pack checksum library).
var (
	ecMagic  = [4]byte{'U', 'B', 'I', '#'}
	vidMagic = [4]byte{'U', 'B', 'I', '!'}
)

const (
	// ECHeaderSize is the on-flash size of the EC header, before alignment
	// to hdrs_min_io_size.
	ECHeaderSize = 32
	// VIDHeaderSize is the on-flash size of the VID header, before
	// alignment to hdrs_min_io_size.
	VIDHeaderSize = 64

	headerVersion = 1
)

// VolType distinguishes dynamic from static volumes (spec §3).
type VolType uint8

const (
	VolDynamic VolType = 0
	VolStatic  VolType = 1
)

func (t VolType) String() string {
	switch t {
	case VolDynamic:
		return "dynamic"
	case VolStatic:
		return "static"
	default:
		return "unknown"
	}
}

// ECHeader is the first header on every non-virgin PEB.
type ECHeader struct {
	EC           uint64 // erase counter
	VIDHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32 // identifies which image wrote this PEB (§9 supplement)
}

// Encode serializes h into a freshly-allocated, CRC-stamped buffer of
// ECHeaderSize bytes.
func (h ECHeader) Encode() []byte {
	buf := make([]byte, ECHeaderSize)
	copy(buf[0:4], ecMagic[:])
	buf[4] = headerVersion
	binary.BigEndian.PutUint64(buf[8:16], h.EC)
	binary.BigEndian.PutUint32(buf[16:20], h.VIDHdrOffset)
	binary.BigEndian.PutUint32(buf[20:24], h.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.ImageSeq)
	crc := crc32.ChecksumIEEE(buf[:28])
	binary.BigEndian.PutUint32(buf[28:32], crc)
	return buf
}

// HeaderState reports what a freshly-read header region looks like before
// any attempt to interpret it as a specific header type.
type HeaderState int

const (
	HdrValid HeaderState = iota
	HdrAllFF
	HdrCorrupt
)

func classifyHeader(buf []byte, magic [4]byte) HeaderState {
	if allFF(buf) {
		return HdrAllFF
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return HdrCorrupt
	}
	return HdrValid
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// DecodeECHeader validates and parses an EC header region. The returned
// HeaderState distinguishes "virgin PEB" (all 0xFF) from "corrupted" from
// "valid" so callers can apply spec §4.2's scan policy.
func DecodeECHeader(buf []byte) (ECHeader, HeaderState, error) {
	if len(buf) < ECHeaderSize {
		return ECHeader{}, HdrCorrupt, errors.New("ioblk: EC header buffer too short")
	}
	switch classifyHeader(buf, ecMagic) {
	case HdrAllFF:
		return ECHeader{}, HdrAllFF, nil
	case HdrCorrupt:
		return ECHeader{}, HdrCorrupt, nil
	}
	wantCRC := crc32.ChecksumIEEE(buf[:28])
	gotCRC := binary.BigEndian.Uint32(buf[28:32])
	if wantCRC != gotCRC {
		return ECHeader{}, HdrCorrupt, nil
	}
	h := ECHeader{
		EC:           binary.BigEndian.Uint64(buf[8:16]),
		VIDHdrOffset: binary.BigEndian.Uint32(buf[16:20]),
		DataOffset:   binary.BigEndian.Uint32(buf[20:24]),
		ImageSeq:     binary.BigEndian.Uint32(buf[24:28]),
	}
	return h, HdrValid, nil
}

// VIDHeader identifies which (vol_id, lnum) a PEB holds, per spec §3/§6.
type VIDHeader struct {
	VolType  VolType
	Copy     bool  // true if this PEB is a WL-relocated copy (§4.2, §4.4)
	Compat   uint8 // compatibility flag for alien/internal volumes (§9 supplement)
	VolID    uint32
	LNum     uint32
	DataSize uint32 // static volumes only
	UsedEBs  uint32 // static volumes only
	DataPad  uint32
	DataCRC  uint32 // static volumes only
	SQNum    uint64
}

// Encode serializes h into a freshly-allocated, CRC-stamped buffer of
// VIDHeaderSize bytes.
func (h VIDHeader) Encode() []byte {
	buf := make([]byte, VIDHeaderSize)
	copy(buf[0:4], vidMagic[:])
	buf[4] = headerVersion
	buf[5] = byte(h.VolType)
	if h.Copy {
		buf[6] = 1
	}
	buf[7] = h.Compat
	binary.BigEndian.PutUint32(buf[8:12], h.VolID)
	binary.BigEndian.PutUint32(buf[12:16], h.LNum)
	binary.BigEndian.PutUint32(buf[16:20], h.DataSize)
	binary.BigEndian.PutUint32(buf[20:24], h.UsedEBs)
	binary.BigEndian.PutUint32(buf[24:28], h.DataPad)
	binary.BigEndian.PutUint32(buf[28:32], h.DataCRC)
	binary.BigEndian.PutUint64(buf[32:40], h.SQNum)
	crc := crc32.ChecksumIEEE(buf[:56])
	binary.BigEndian.PutUint32(buf[56:60], crc)
	return buf
}

// DecodeVIDHeader validates and parses a VID header region.
func DecodeVIDHeader(buf []byte) (VIDHeader, HeaderState, error) {
	if len(buf) < VIDHeaderSize {
		return VIDHeader{}, HdrCorrupt, errors.New("ioblk: VID header buffer too short")
	}
	switch classifyHeader(buf, vidMagic) {
	case HdrAllFF:
		return VIDHeader{}, HdrAllFF, nil
	case HdrCorrupt:
		return VIDHeader{}, HdrCorrupt, nil
	}
	wantCRC := crc32.ChecksumIEEE(buf[:56])
	gotCRC := binary.BigEndian.Uint32(buf[56:60])
	if wantCRC != gotCRC {
		return VIDHeader{}, HdrCorrupt, nil
	}
	h := VIDHeader{
		VolType:  VolType(buf[5]),
		Copy:     buf[6] != 0,
		Compat:   buf[7],
		VolID:    binary.BigEndian.Uint32(buf[8:12]),
		LNum:     binary.BigEndian.Uint32(buf[12:16]),
		DataSize: binary.BigEndian.Uint32(buf[16:20]),
		UsedEBs:  binary.BigEndian.Uint32(buf[20:24]),
		DataPad:  binary.BigEndian.Uint32(buf[24:28]),
		DataCRC:  binary.BigEndian.Uint32(buf[28:32]),
		SQNum:    binary.BigEndian.Uint64(buf[32:40]),
	}
	return h, HdrValid, nil
}

// DataCRC computes the spec §6 CRC32 over a static-volume LEB's data.
func DataCRC(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
