// Package archive implements the shared metadata archive: dump-time region
// staging and packing, the on-disk archive format, and the load-time
// reserve/map/relocate machinery that turns an archive file back into a
// pointer-valid memory image.
package archive

import "github.com/orizon-lang/metashare/internal/vmem"

// Region kinds, in the canonical archive order. The order is an invariant
// of the format: regions are packed, written and mapped strictly in this
// sequence.
type RegionKind int

const (
	RegionMC RegionKind = iota // miscellaneous code: interpreter entry stubs
	RegionRW                   // read-write metadata
	RegionRO                   // read-only metadata
	RegionBM                   // relocation bitmaps, released after mapping

	FirstClosedHeapRegion // heap objects with no references outside the archive
	_
	FirstOpenHeapRegion // heap objects that may reference ordinary objects
	_

	NumRegions
)

const (
	NumCoreRegions    = 3 // mc, rw, ro
	NumNonHeapRegions = 4 // core plus bm

	MaxClosedHeapRegions = 2
	MaxOpenHeapRegions   = 2

	LastClosedHeapRegion = FirstClosedHeapRegion + MaxClosedHeapRegions - 1
	LastOpenHeapRegion   = FirstOpenHeapRegion + MaxOpenHeapRegions - 1
)

// MaxSharedDelta bounds every intra-archive byte offset. Offsets are stored
// in 32-bit fields, so exceeding this is a fatal dump-time error.
const MaxSharedDelta = 0x7FFFFFFF

// WordSize is the slot granularity of raw archived pointers.
const WordSize = 8

var regionNames = [NumRegions]string{"mc", "rw", "ro", "bm", "ca0", "ca1", "oa0", "oa1"}

// String returns the short region name used in the archive header and in
// diagnostics.
func (k RegionKind) String() string {
	if k < 0 || k >= NumRegions {
		return "??"
	}
	return regionNames[k]
}

// Valid reports whether k names an actual region.
func (k RegionKind) Valid() bool { return k >= 0 && k < NumRegions }

// IsCore reports whether k is one of the packed metadata regions.
func (k RegionKind) IsCore() bool { return k >= RegionMC && k <= RegionRO }

// IsHeap reports whether k is an archived heap region.
func (k RegionKind) IsHeap() bool {
	return k >= FirstClosedHeapRegion && k <= LastOpenHeapRegion
}

// IsClosedHeap reports whether k is a reachability-closed heap region.
func (k RegionKind) IsClosedHeap() bool {
	return k >= FirstClosedHeapRegion && k <= LastClosedHeapRegion
}

// IsOpenHeap reports whether k is an open heap region.
func (k RegionKind) IsOpenHeap() bool {
	return k >= FirstOpenHeapRegion && k <= LastOpenHeapRegion
}

// Perm returns the permission class a region of kind k is mapped with once
// mapping (and any relocation) has finished. mc holds trampoline code and
// is the only executable region; rw is the only writable one.
func (k RegionKind) Perm() vmem.Prot {
	switch {
	case k == RegionMC:
		return vmem.ProtRead | vmem.ProtExec
	case k == RegionRW:
		return vmem.ProtRead | vmem.ProtWrite
	default:
		return vmem.ProtRead
	}
}
