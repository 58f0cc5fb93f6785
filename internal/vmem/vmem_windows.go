//go:build windows

package vmem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sysSpace implements Space with VirtualAlloc and file mapping views.
//
// Windows refuses to overlay a MapViewOfFileEx view onto pages that are
// still reserved by VirtualAlloc, so the first file mapping into a
// reservation releases the whole reservation and every region is then
// mapped at its exact precomputed address. There is a window in which
// another thread could allocate into the freed range; archive mapping runs
// during single-threaded startup, before that can happen.
type sysSpace struct {
	mu       sync.Mutex
	reserved map[uintptr]uintptr // base -> size of live reservations
}

var (
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procMapViewOfFile = kernel32.NewProc("MapViewOfFileEx")
)

// System returns the process address space.
func System() Space { return &sysSpace{reserved: make(map[uintptr]uintptr)} }

func pageProtect(p Prot) uint32 {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0:
		return windows.PAGE_EXECUTE_READ
	case p&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case p&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (s *sysSpace) Reserve(size uintptr, at uintptr) (Range, error) {
	base, err := windows.VirtualAlloc(at, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return Range{}, fmt.Errorf("vmem: reserve %d bytes at 0x%x: %w", size, at, err)
	}
	if at != 0 && base != at {
		_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return Range{}, errPlacement(at, base)
	}
	s.mu.Lock()
	s.reserved[base] = size
	s.mu.Unlock()
	return Range{Base: base, Size: size}, nil
}

// dropReservationFor releases the reservation covering at, if one is live.
func (s *sysSpace) dropReservationFor(at uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, size := range s.reserved {
		if at >= base && at < base+size {
			delete(s.reserved, base)
			return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		}
	}
	return nil
}

// MapFile maps a private view of f at an exact address. fileOff must be a
// multiple of the allocation granularity (64 KiB); archives meant to load
// here are dumped with a matching region alignment.
func (s *sysSpace) MapFile(f *os.File, fileOff int64, at uintptr, size uintptr, prot Prot) ([]byte, error) {
	if err := s.dropReservationFor(at); err != nil {
		return nil, fmt.Errorf("vmem: release reservation for 0x%x: %w", at, err)
	}
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("vmem: file mapping for %s: %w", f.Name(), err)
	}
	defer windows.CloseHandle(h)

	// FILE_MAP_COPY gives a private copy-on-write view; protections are
	// tightened afterwards via Protect.
	addr, _, callErr := procMapViewOfFile.Call(
		uintptr(h),
		uintptr(windows.FILE_MAP_COPY),
		uintptr(uint32(fileOff>>32)),
		uintptr(uint32(fileOff)),
		size,
		at,
	)
	if addr == 0 {
		return nil, fmt.Errorf("vmem: map view at 0x%x: %w", at, callErr)
	}
	if addr != at {
		_ = windows.UnmapViewOfFile(addr)
		return nil, errPlacement(at, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (s *sysSpace) Protect(r Range, prot Prot) error {
	var old uint32
	if err := windows.VirtualProtect(r.Base, r.Size, pageProtect(prot), &old); err != nil {
		return fmt.Errorf("vmem: protect 0x%x+%d as %s: %w", r.Base, r.Size, prot, err)
	}
	return nil
}

func (s *sysSpace) Unmap(r Range) error {
	return windows.UnmapViewOfFile(r.Base)
}

func (s *sysSpace) Release(r Range) error {
	s.mu.Lock()
	delete(s.reserved, r.Base)
	s.mu.Unlock()
	return windows.VirtualFree(r.Base, 0, windows.MEM_RELEASE)
}
