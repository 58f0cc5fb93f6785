package archive

import (
	"encoding/binary"
	"fmt"

	"github.com/orizon-lang/metashare/internal/vmem"
)

// MapResult classifies the outcome of a mapping attempt.
type MapResult int

const (
	// MapSuccess: the archive image is resident and pointer-valid.
	MapSuccess MapResult = iota
	// MapMmapFailure: address space was unavailable. Retryable — the caller
	// may retry without the requested-address constraint.
	MapMmapFailure
	// MapOtherFailure: the archive is unusable (corrupt, incompatible, or
	// an invariant was violated). Not retryable; sharing must be abandoned
	// for this run.
	MapOtherFailure
)

func (r MapResult) String() string {
	switch r {
	case MapSuccess:
		return "success"
	case MapMmapFailure:
		return "mmap failure"
	default:
		return "other failure"
	}
}

// Mapper maps archive files into the address space. Mapping happens once,
// during single-threaded startup; the mapper itself keeps no state between
// attempts, and a failed attempt leaves nothing resident.
type Mapper struct {
	vm vmem.Space
}

// NewMapper creates a mapper over the given address space.
func NewMapper(vm vmem.Space) *Mapper { return &Mapper{vm: vm} }

// attempt tracks what one mapping attempt has established, so failures can
// tear everything down before reporting.
type attempt struct {
	vm          vmem.Space
	reservation vmem.Range
	mappings    []vmem.Range
}

func (a *attempt) track(r vmem.Range) { a.mappings = append(a.mappings, r) }

func (a *attempt) teardown() {
	for _, r := range a.mappings {
		_ = a.vm.Unmap(r)
	}
	a.mappings = nil
	_ = a.vm.Release(a.reservation)
}

// MapArchives reserves address space and maps the static archive, then the
// dynamic archive if present, anchored above the static archive's mapped
// top. With useRequestedAddr the recorded preferred base is tried first and
// an anonymous placement (forcing relocation) is the fallback; without it
// the image goes straight to an anonymous placement. On success ctx holds
// the resident region set; on failure nothing remains mapped.
func (m *Mapper) MapArchives(ctx *Context, static, dynamic *FileMap, useRequestedAddr bool) MapResult {
	if ctx.mapped {
		return MapOtherFailure
	}
	sh := static.Header()
	if sh.Dynamic() {
		return MapOtherFailure
	}
	var dh *Header
	if dynamic != nil {
		dh = dynamic.Header()
		if !dh.Dynamic() || dh.RequestedBase != sh.RequestedBase || dh.Alignment != sh.Alignment {
			return MapOtherFailure
		}
	}

	// The reservation covers the static non-heap span, the dynamic span
	// anchored directly above it, and the archived heap span at the end.
	// With no dynamic archive and no heap regions this is exactly the sum
	// of the non-heap region sizes.
	staticNonHeap := sh.NonHeapSize()
	var dynSpan uint64
	if dh != nil {
		dynSpan = dh.AnchorOffset + dh.NonHeapSize()
	}
	total := staticNonHeap + dynSpan + sh.HeapSize()

	var rng vmem.Range
	var err error
	if useRequestedAddr {
		rng, err = m.vm.Reserve(uintptr(total), uintptr(sh.RequestedBase))
		if err != nil {
			rng, err = m.vm.Reserve(uintptr(total), 0)
		}
	} else {
		rng, err = m.vm.Reserve(uintptr(total), 0)
	}
	if err != nil {
		return MapMmapFailure
	}

	at := &attempt{vm: m.vm, reservation: rng}
	base := rng.Base
	delta := int64(base) - int64(sh.RequestedBase)
	// The heap span additionally slides past the dynamic archive, which was
	// not present when the static archive recorded its heap offsets.
	heapShift := delta + int64(dynSpan)

	var stRegions, dynRegions [NumRegions]mappedRegion
	for k := RegionKind(0); k < NumRegions; k++ {
		r := sh.Regions[k]
		if !r.Used || r.Size == 0 {
			continue
		}
		if k.IsOpenHeap() && !ctx.gates.UseFullModuleGraph() {
			continue // open regions need the archived module graph
		}
		mapAt := base + uintptr(r.MapOffset)
		shift := delta
		if k.IsHeap() {
			mapAt = base + uintptr(r.MapOffset+dynSpan)
			shift = heapShift
		}
		prot := r.Perm
		if shift != 0 {
			// Fixups need write access; final protections are applied
			// after relocation completes.
			prot = vmem.ProtRead | vmem.ProtWrite
		}
		data, err := m.vm.MapFile(static.File(), int64(r.FileOffset), mapAt, uintptr(r.Size), prot)
		if err != nil {
			at.teardown()
			return MapMmapFailure
		}
		stRegions[k] = mappedRegion{rng: vmem.Range{Base: mapAt, Size: uintptr(r.Size)}, data: data, mapped: true}
		at.track(stRegions[k].rng)
	}

	var dynBase uintptr
	if dh != nil {
		dynBase = base + uintptr(staticNonHeap+dh.AnchorOffset)
		for k := RegionMC; k <= RegionBM; k++ {
			r := dh.Regions[k]
			if !r.Used || r.Size == 0 {
				continue
			}
			mapAt := dynBase + uintptr(r.MapOffset)
			prot := r.Perm
			if delta != 0 {
				prot = vmem.ProtRead | vmem.ProtWrite
			}
			data, err := m.vm.MapFile(dynamic.File(), int64(r.FileOffset), mapAt, uintptr(r.Size), prot)
			if err != nil {
				at.teardown()
				return MapMmapFailure
			}
			dynRegions[k] = mappedRegion{rng: vmem.Range{Base: mapAt, Size: uintptr(r.Size)}, data: data, mapped: true}
			at.track(dynRegions[k].rng)
		}
	}

	// Relocation must complete for every region before any region is
	// considered usable: cross-region pointers exist.
	if delta != 0 || heapShift != 0 {
		if err := relocateArchive(sh, &stRegions, delta, heapShift); err != nil {
			at.teardown()
			return MapOtherFailure
		}
	}
	if dh != nil && delta != 0 {
		if err := relocateArchive(dh, &dynRegions, delta, 0); err != nil {
			at.teardown()
			return MapOtherFailure
		}
	}

	// The bitmap regions are never needed again; release them.
	if stRegions[RegionBM].mapped {
		_ = m.vm.Unmap(stRegions[RegionBM].rng)
		stRegions[RegionBM] = mappedRegion{}
	}
	if dynRegions[RegionBM].mapped {
		_ = m.vm.Unmap(dynRegions[RegionBM].rng)
		dynRegions[RegionBM] = mappedRegion{}
	}

	// Tighten protections on regions that were mapped writable for fixups.
	if delta != 0 || heapShift != 0 {
		for k := RegionKind(0); k < NumRegions; k++ {
			for _, mr := range []mappedRegion{stRegions[k], dynRegions[k]} {
				if !mr.mapped || k.Perm()&vmem.ProtWrite != 0 {
					continue
				}
				if err := m.vm.Protect(mr.rng, k.Perm()); err != nil {
					at.teardown()
					return MapMmapFailure
				}
			}
		}
	}

	ctx.static = stRegions
	ctx.dynamic = dynRegions
	ctx.hasDyn = dh != nil
	ctx.base = base
	ctx.requestedBase = sh.RequestedBase
	ctx.delta = delta
	ctx.staticTop = base + uintptr(staticNonHeap)
	for k := RegionMC; k <= RegionRO; k++ {
		if stRegions[k].mapped && stRegions[k].rng.End() > ctx.top {
			ctx.top = stRegions[k].rng.End()
		}
		if dynRegions[k].mapped && dynRegions[k].rng.End() > ctx.top {
			ctx.top = dynRegions[k].rng.End()
		}
	}
	ctx.mapped = true
	return MapSuccess
}

// relocateArchive applies the bitmap-driven fixups of one archive: raw
// pointer slots across its core regions shift by delta, narrow slots across
// its heap span shift by heapShift. Slot positions come from the bm region,
// slot values are decoded, adjusted and re-encoded in place.
func relocateArchive(hdr *Header, regions *[NumRegions]mappedRegion, delta, heapShift int64) error {
	bmData := regions[RegionBM].data
	if bmData == nil {
		return fmt.Errorf("archive: bm region not mapped")
	}
	bm, err := DecodeRelocBitmaps(bmData)
	if err != nil {
		return err
	}

	if delta != 0 {
		if err := forEachSlot(bm.Raw, hdr, regions, 0, WordSize, RegionMC, RegionRO, func(b []byte) {
			binary.LittleEndian.PutUint64(b, binary.LittleEndian.Uint64(b)+uint64(delta))
		}); err != nil {
			return err
		}
	}
	if heapShift != 0 {
		heapStart := hdr.NonHeapSize()
		if err := forEachSlot(bm.Narrow, hdr, regions, heapStart, 4, FirstClosedHeapRegion, LastOpenHeapRegion, func(b []byte) {
			binary.LittleEndian.PutUint32(b, shiftNarrow(binary.LittleEndian.Uint32(b), heapShift))
		}); err != nil {
			return err
		}
	}
	return nil
}

// forEachSlot visits every flagged slot of bm, locating the region that
// holds each slot's archive offset and handing its bytes to fn. A flagged
// slot inside a used-but-unmapped region (an open heap region skipped by a
// gate) is ignored; a slot outside every region means the bitmap is
// corrupt.
func forEachSlot(bm *Bitmap, hdr *Header, regions *[NumRegions]mappedRegion,
	spanStart uint64, slotSize int, first, last RegionKind, fn func(b []byte)) error {

	var bad uint64
	found := false
	bm.ForEachSet(func(i int) {
		off := spanStart + uint64(i)*uint64(slotSize)
		for k := first; k <= last; k++ {
			r := hdr.Regions[k]
			if !r.Used || off < r.MapOffset || off >= r.MapOffset+r.Size {
				continue
			}
			if regions[k].mapped {
				fn(regions[k].data[off-r.MapOffset:])
			}
			return
		}
		if !found {
			found, bad = true, off
		}
	})
	if found {
		return fmt.Errorf("archive: relocation bit at offset 0x%x outside every region", bad)
	}
	return nil
}

// Load is the retry driver: open the archive files, try mapping at the
// requested address, retry once with relocation allowed, and otherwise
// abandon sharing for this run. A dynamic archive that fails validation is
// ignored rather than failing the static archive. No failure here is fatal
// to the process; callers fall back to building metadata normally.
func (m *Mapper) Load(ctx *Context, staticPath, dynamicPath string) error {
	static, err := OpenFileMap(staticPath)
	if err != nil {
		ctx.SetArchiveLoadingFailed()
		return err
	}
	defer static.Close()

	var dynamic *FileMap
	if dynamicPath != "" {
		if dynamic, err = OpenFileMap(dynamicPath); err != nil {
			dynamic = nil
		} else {
			defer dynamic.Close()
		}
	}

	res := m.MapArchives(ctx, static, dynamic, true)
	if res == MapMmapFailure {
		res = m.MapArchives(ctx, static, dynamic, false)
	}
	if res != MapSuccess {
		ctx.SetArchiveLoadingFailed()
		return fmt.Errorf("shared archive %s unusable: %s", staticPath, res)
	}
	return nil
}
