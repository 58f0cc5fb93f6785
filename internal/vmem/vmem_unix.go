//go:build unix

package vmem

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysSpace implements Space on top of mmap/munmap/mprotect.
//
// Exact-address reservations use the address-hint protocol: mmap is asked
// for the target address without MAP_FIXED, and if the kernel picks a
// different spot the mapping is torn down and the reservation fails. This
// avoids MAP_FIXED silently clobbering unrelated mappings.
type sysSpace struct{}

// System returns the process address space.
func System() Space { return sysSpace{} }

func protFlags(p Prot) int {
	f := 0
	if p&ProtRead != 0 {
		f |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		f |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		f |= unix.PROT_EXEC
	}
	return f
}

func (sysSpace) Reserve(size uintptr, at uintptr) (Range, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(at), size,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Range{}, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
	}
	got := uintptr(ptr)
	if at != 0 && got != at {
		_ = unix.MunmapPtr(ptr, size)
		return Range{}, errPlacement(at, got)
	}
	return Range{Base: got, Size: size}, nil
}

func (sysSpace) MapFile(f *os.File, fileOff int64, at uintptr, size uintptr, prot Prot) ([]byte, error) {
	// MAP_FIXED is safe here: the target span is inside our own reservation.
	ptr, err := unix.MmapPtr(int(f.Fd()), fileOff, unsafe.Pointer(at), size,
		protFlags(prot), unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return nil, fmt.Errorf("vmem: map %d bytes of %s at 0x%x: %w", size, f.Name(), at, err)
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (sysSpace) Protect(r Range, prot Prot) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(r.Base)), r.Size)
	if err := unix.Mprotect(b, protFlags(prot)); err != nil {
		return fmt.Errorf("vmem: protect 0x%x+%d as %s: %w", r.Base, r.Size, prot, err)
	}
	return nil
}

func (sysSpace) Unmap(r Range) error {
	return unix.MunmapPtr(unsafe.Pointer(r.Base), r.Size)
}

func (sysSpace) Release(r Range) error {
	return unix.MunmapPtr(unsafe.Pointer(r.Base), r.Size)
}
