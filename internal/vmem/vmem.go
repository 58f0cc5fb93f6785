// Package vmem abstracts the small slice of virtual-memory management the
// shared archive mapper needs: reserving address ranges at a preferred
// location, mapping file contents at exact addresses inside a reservation,
// and adjusting page protections afterwards. The platform differences live
// behind the Space interface; the mapping algorithm itself stays portable.
package vmem

import (
	"fmt"
	"os"
)

// Prot is a page protection class.
type Prot uint8

const (
	ProtRead  Prot = 1 << iota // pages may be read
	ProtWrite                  // pages may be written
	ProtExec                   // pages may be executed
)

// String returns the conventional rwx rendering of the protection bits.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Range is a contiguous span of address space.
type Range struct {
	Base uintptr // first address of the span
	Size uintptr // span length in bytes
}

// End returns the address one past the last byte of the range.
func (r Range) End() uintptr { return r.Base + r.Size }

// Contains reports whether p lies inside the range.
func (r Range) Contains(p uintptr) bool { return p >= r.Base && p < r.End() }

// Overlaps reports whether the two ranges share any address.
func (r Range) Overlaps(o Range) bool { return r.Base < o.End() && o.Base < r.End() }

// Space provides reservation and mapping primitives over an address space.
//
// Reserve claims size bytes of address space without committing memory. A
// nonzero at requests placement exactly at that address; if the OS places
// the range anywhere else the implementation must undo the attempt and
// return an error, so callers can fall back to an anonymous reservation.
//
// MapFile replaces the reserved pages at [at, at+size) with size bytes of
// f starting at fileOff, mapped privately with protection prot, and
// returns a byte view of the mapping. On platforms where a file view
// cannot overlay an existing reservation, the implementation releases the
// reservation and re-maps at the exact address instead.
type Space interface {
	Reserve(size uintptr, at uintptr) (Range, error)
	MapFile(f *os.File, fileOff int64, at uintptr, size uintptr, prot Prot) ([]byte, error)
	Protect(r Range, prot Prot) error
	Unmap(r Range) error
	Release(r Range) error
}

// PageSize returns the OS page granularity.
func PageSize() uintptr { return uintptr(os.Getpagesize()) }

// AlignUp rounds n up to a multiple of align. align must be a power of two.
func AlignUp(n, align uintptr) uintptr { return (n + align - 1) &^ (align - 1) }

// AlignDown rounds n down to a multiple of align. align must be a power of two.
func AlignDown(n, align uintptr) uintptr { return n &^ (align - 1) }

// IsAligned reports whether n is a multiple of align.
func IsAligned(n, align uintptr) bool { return n&(align-1) == 0 }

// errPlacement is returned when the OS refused or ignored an exact-address
// reservation request.
func errPlacement(want, got uintptr) error {
	return fmt.Errorf("vmem: reservation placed at 0x%x, wanted 0x%x", got, want)
}
