package archive

import "fmt"

// DumpRegion is the bump-pointer staging buffer one archive region is built
// in during a dump. Contents are addressed by offset, never by pointer, so
// the same staged bytes can be re-expressed against any final base address
// when the writer packs and materializes pointers.
//
// Invariant: 0 <= top <= len(buf). A region never grows; allocating past
// its capacity is a dump-fatal error.
type DumpRegion struct {
	name string
	buf  []byte
	top  int
}

// OutOfSpaceError is the fatal staging failure: an allocation did not fit
// the region, or pushed an offset past MaxSharedDelta.
type OutOfSpaceError struct {
	Region    string // region name ("mc", "rw", ...)
	Requested int    // bytes requested by the failing allocation
	Used      int    // bytes already allocated
	Capacity  int    // total staging capacity
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("out of space in shared region %s, %d bytes requested (%d of %d used)",
		e.Region, e.Requested, e.Used, e.Capacity)
}

// NewDumpRegion creates a staging region with a fixed capacity.
func NewDumpRegion(name string, capacity int) *DumpRegion {
	return &DumpRegion{name: name, buf: make([]byte, capacity)}
}

// Name returns the region name.
func (d *DumpRegion) Name() string { return d.name }

// Used returns the current bump offset.
func (d *DumpRegion) Used() int { return d.top }

// Capacity returns the staging capacity.
func (d *DumpRegion) Capacity() int { return len(d.buf) }

// Alloc carves n bytes out of the region, aligned to the word size, and
// returns the offset of the allocation together with a writable view of it.
func (d *DumpRegion) Alloc(n int) (uint32, []byte, error) {
	return d.AllocAligned(n, WordSize)
}

// AllocAligned is Alloc with an explicit power-of-two alignment.
func (d *DumpRegion) AllocAligned(n, align int) (uint32, []byte, error) {
	if n < 0 || align <= 0 || align&(align-1) != 0 {
		return 0, nil, fmt.Errorf("region %s: bad allocation request (n=%d, align=%d)", d.name, n, align)
	}
	off := (d.top + align - 1) &^ (align - 1)
	if off+n > len(d.buf) || off+n > MaxSharedDelta {
		return 0, nil, &OutOfSpaceError{Region: d.name, Requested: n, Used: d.top, Capacity: len(d.buf)}
	}
	d.top = off + n
	return uint32(off), d.buf[off : off+n : off+n], nil
}

// Bytes returns the allocated prefix of the staging buffer.
func (d *DumpRegion) Bytes() []byte { return d.buf[:d.top] }

// ViewAt returns a view of n staged bytes at off, for patching previously
// allocated content.
func (d *DumpRegion) ViewAt(off uint32, n int) ([]byte, error) {
	if int(off)+n > d.top {
		return nil, fmt.Errorf("region %s: view [%d,%d) past top %d", d.name, off, int(off)+n, d.top)
	}
	return d.buf[off : int(off)+n], nil
}
