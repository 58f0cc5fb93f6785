package archive

import (
	"fmt"
	"sync/atomic"

	"github.com/orizon-lang/metashare/internal/vmem"
)

// mappedRegion is one resident region of a successfully mapped archive.
type mappedRegion struct {
	rng    vmem.Range
	data   []byte
	mapped bool
}

// Context is the process-wide shared-archive state: established once by the
// mapper during single-threaded startup and read lock-free afterwards. The
// only post-init mutations are the one-way latches (gates, the ro→rw remap
// flag, the loading-failed flag).
type Context struct {
	vm    vmem.Space
	gates *Gates

	mapped        bool
	requestedBase uint64
	delta         int64
	base          uintptr
	staticTop     uintptr // end of the static non-heap span; dynamic anchor point
	top           uintptr // end of the last mapped core region

	static  [NumRegions]mappedRegion
	dynamic [NumRegions]mappedRegion
	hasDyn  bool

	remappedRW    atomic.Bool
	loadingFailed atomic.Bool
}

// NewContext creates an unmapped context over the given address space.
func NewContext(vm vmem.Space) *Context {
	return &Context{vm: vm, gates: NewGates()}
}

// Gates returns the compatibility gate flags.
func (c *Context) Gates() *Gates { return c.gates }

// Mapped reports whether an archive image is resident.
func (c *Context) Mapped() bool { return c.mapped }

// SetArchiveLoadingFailed latches sharing off for this process.
func (c *Context) SetArchiveLoadingFailed() { c.loadingFailed.Store(true) }

// ArchiveLoadingFailed reports whether sharing was abandoned.
func (c *Context) ArchiveLoadingFailed() bool { return c.loadingFailed.Load() }

// RequestedBase returns the base address recorded at dump time.
func (c *Context) RequestedBase() uint64 { return c.requestedBase }

// RelocationDelta returns actual mapped base minus requested base. Zero
// means the image is running at its dump-time addresses.
func (c *Context) RelocationDelta() int64 { return c.delta }

// SharedBase returns the actual mapped base address.
func (c *Context) SharedBase() uintptr { return c.base }

// StaticMappedTop returns the end of the static archive's non-heap span,
// the anchor point for a dynamic archive.
func (c *Context) StaticMappedTop() uintptr { return c.staticTop }

// SharedMetaspaceTop returns the end of the mapped metadata.
func (c *Context) SharedMetaspaceTop() uintptr { return c.top }

// IsInSharedMetaspace reports whether p lies in a mapped core metadata
// region (heap regions excluded).
func (c *Context) IsInSharedMetaspace(p uintptr) bool {
	for k := RegionMC; k <= RegionRO; k++ {
		if c.static[k].mapped && c.static[k].rng.Contains(p) {
			return true
		}
		if c.dynamic[k].mapped && c.dynamic[k].rng.Contains(p) {
			return true
		}
	}
	return false
}

// IsInRegion reports whether p lies in static archive region k.
func (c *Context) IsInRegion(p uintptr, k RegionKind) bool {
	return k.Valid() && c.static[k].mapped && c.static[k].rng.Contains(p)
}

// IsSharedDynamic reports whether p lies in the dynamic archive.
func (c *Context) IsSharedDynamic(p uintptr) bool {
	if !c.hasDyn {
		return false
	}
	for k := RegionMC; k <= RegionRO; k++ {
		if c.dynamic[k].mapped && c.dynamic[k].rng.Contains(p) {
			return true
		}
	}
	return false
}

// RegionData returns the mapped bytes of static archive region k.
func (c *Context) RegionData(k RegionKind) []byte {
	if !k.Valid() || !c.static[k].mapped {
		return nil
	}
	return c.static[k].data
}

// DynamicRegionData returns the mapped bytes of dynamic archive region k.
func (c *Context) DynamicRegionData(k RegionKind) []byte {
	if !k.Valid() || !c.dynamic[k].mapped {
		return nil
	}
	return c.dynamic[k].data
}

// RemappedReadWrite reports whether the read-only regions have been
// remapped writable.
func (c *Context) RemappedReadWrite() bool { return c.remappedRW.Load() }

// RemapReadOnlyAsReadWrite remaps the ro regions as private read-write to
// support in-place metadata redefinition. It only ever relaxes permissions,
// happens at most once, and repeated calls are no-ops. Called during a
// stop-the-world administrative operation, never on the hot path.
func (c *Context) RemapReadOnlyAsReadWrite() (bool, error) {
	if !c.mapped {
		return false, nil
	}
	if c.remappedRW.Load() {
		return true, nil
	}
	for _, mr := range []mappedRegion{c.static[RegionRO], c.dynamic[RegionRO]} {
		if !mr.mapped {
			continue
		}
		if err := c.vm.Protect(mr.rng, vmem.ProtRead|vmem.ProtWrite); err != nil {
			return false, fmt.Errorf("remap ro as rw: %w", err)
		}
	}
	c.remappedRW.Store(true)
	return true, nil
}
