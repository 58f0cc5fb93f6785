package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/metashare/internal/vmem"
)

// Archive file magic values. Static and dynamic archives are distinct file
// roles: a dynamic archive has no base address of its own and can only be
// mapped on top of a compatible static archive.
const (
	MagicStatic  uint32 = 0x53484152 // "SHAR"
	MagicDynamic uint32 = 0x53484144 // "SHAD"
)

// FormatVersion is the archive format version this build reads and writes.
// An archive is accepted when its version has the same major component and
// is not newer than FormatVersion.
const FormatVersion = "1.2.0"

// HeaderSize is the encoded header length: 72 fixed bytes plus one 32-byte
// descriptor per region (NumRegions of them). Untyped so it mixes with both
// lengths and file offsets. The region payload starts at the first
// archive-alignment boundary at or after it.
const HeaderSize = 72 + 8*32

var (
	ErrBadMagic    = errors.New("archive: bad magic")
	ErrBadVersion  = errors.New("archive: incompatible format version")
	ErrBadChecksum = errors.New("archive: checksum mismatch")
)

// RegionDesc describes one region in the archive header.
type RegionDesc struct {
	FileOffset uint64    // payload position in the file
	Size       uint64    // packed size, a multiple of the archive alignment
	MapOffset  uint64    // region base relative to the archive mapped base
	Perm       vmem.Prot // permission class after mapping completes
	Used       bool      // whether the region is present
}

// Header is the archive file header.
type Header struct {
	Magic         uint32
	Version       string
	WordSize      uint8
	LittleEndian  bool
	NarrowShift   uint8
	Alignment     uint64
	RequestedBase uint64 // mapping target chosen at dump time (static only)
	AnchorOffset  uint64 // dynamic: gap above the static archive's mapped top
	PayloadOffset uint64
	PayloadSize   uint64
	Checksum      uint32 // CRC-32 (IEEE) of the region payload
	Regions       [NumRegions]RegionDesc
}

// Dynamic reports whether the header describes a dynamic archive.
func (h *Header) Dynamic() bool { return h.Magic == MagicDynamic }

// NonHeapSize returns the combined packed size of the mc, rw, ro and bm
// regions.
func (h *Header) NonHeapSize() uint64 {
	var n uint64
	for k := RegionMC; k <= RegionBM; k++ {
		n += h.Regions[k].Size
	}
	return n
}

// CoreSize returns the combined packed size of the mc, rw and ro regions.
func (h *Header) CoreSize() uint64 {
	return h.NonHeapSize() - h.Regions[RegionBM].Size
}

// HeapSize returns the combined packed size of the used heap regions.
func (h *Header) HeapSize() uint64 {
	var n uint64
	for k := FirstClosedHeapRegion; k <= LastOpenHeapRegion; k++ {
		if h.Regions[k].Used {
			n += h.Regions[k].Size
		}
	}
	return n
}

// TotalSize returns the full mapped extent of the archive.
func (h *Header) TotalSize() uint64 { return h.NonHeapSize() + h.HeapSize() }

// Encode serializes the header.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	copy(b[4:20], h.Version)
	b[20] = h.WordSize
	if h.LittleEndian {
		b[21] = 1
	}
	b[22] = h.NarrowShift
	binary.LittleEndian.PutUint64(b[24:], h.Alignment)
	binary.LittleEndian.PutUint64(b[32:], h.RequestedBase)
	binary.LittleEndian.PutUint64(b[40:], h.AnchorOffset)
	binary.LittleEndian.PutUint64(b[48:], h.PayloadOffset)
	binary.LittleEndian.PutUint64(b[56:], h.PayloadSize)
	binary.LittleEndian.PutUint32(b[64:], h.Checksum)
	for i, r := range h.Regions {
		p := 72 + i*32
		binary.LittleEndian.PutUint64(b[p:], r.FileOffset)
		binary.LittleEndian.PutUint64(b[p+8:], r.Size)
		binary.LittleEndian.PutUint64(b[p+16:], r.MapOffset)
		b[p+24] = byte(r.Perm)
		if r.Used {
			b[p+25] = 1
		}
	}
	return b
}

// DecodeHeader parses and sanity-checks an encoded header. Version
// compatibility is checked separately via CheckVersion.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("archive: header truncated: %d bytes", len(b))
	}
	h := &Header{}
	h.Magic = binary.LittleEndian.Uint32(b[0:])
	if h.Magic != MagicStatic && h.Magic != MagicDynamic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	v := b[4:20]
	for len(v) > 0 && v[len(v)-1] == 0 {
		v = v[:len(v)-1]
	}
	h.Version = string(v)
	h.WordSize = b[20]
	h.LittleEndian = b[21] == 1
	h.NarrowShift = b[22]
	h.Alignment = binary.LittleEndian.Uint64(b[24:])
	h.RequestedBase = binary.LittleEndian.Uint64(b[32:])
	h.AnchorOffset = binary.LittleEndian.Uint64(b[40:])
	h.PayloadOffset = binary.LittleEndian.Uint64(b[48:])
	h.PayloadSize = binary.LittleEndian.Uint64(b[56:])
	h.Checksum = binary.LittleEndian.Uint32(b[64:])
	for i := range h.Regions {
		p := 72 + i*32
		h.Regions[i] = RegionDesc{
			FileOffset: binary.LittleEndian.Uint64(b[p:]),
			Size:       binary.LittleEndian.Uint64(b[p+8:]),
			MapOffset:  binary.LittleEndian.Uint64(b[p+16:]),
			Perm:       vmem.Prot(b[p+24]),
			Used:       b[p+25] == 1,
		}
	}
	if h.WordSize != WordSize || !h.LittleEndian {
		return nil, fmt.Errorf("archive: wrong word layout (word=%d, little=%v)", h.WordSize, h.LittleEndian)
	}
	if h.NarrowShift != NarrowShift {
		return nil, fmt.Errorf("archive: narrow shift %d, this build uses %d", h.NarrowShift, NarrowShift)
	}
	if h.Alignment == 0 || h.Alignment&(h.Alignment-1) != 0 {
		return nil, fmt.Errorf("archive: alignment %d is not a power of two", h.Alignment)
	}
	if h.TotalSize() > MaxSharedDelta {
		return nil, fmt.Errorf("archive: total size %d exceeds offset bound", h.TotalSize())
	}
	return h, nil
}

// CheckVersion applies the semver compatibility gate against FormatVersion.
func (h *Header) CheckVersion() error {
	cur := semver.MustParse(FormatVersion)
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadVersion, h.Version)
	}
	c, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0, <= %s", cur.Major(), FormatVersion))
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: archive %s, runtime %s", ErrBadVersion, h.Version, FormatVersion)
	}
	return nil
}
