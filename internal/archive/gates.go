package archive

import "sync/atomic"

// Gates are the compatibility gate flags for the optional fast paths that
// depend on archived assumptions still holding. Each gate starts enabled
// and latches off the first time a violation is detected; nothing ever
// re-enables a gate within a process.
type Gates struct {
	fullModuleGraph  atomic.Bool
	optimizedModules atomic.Bool
}

// NewGates returns gates in their initial, enabled state.
func NewGates() *Gates {
	g := &Gates{}
	g.fullModuleGraph.Store(true)
	g.optimizedModules.Store(true)
	return g
}

// UseFullModuleGraph reports whether the archived module graph may be
// reused wholesale.
func (g *Gates) UseFullModuleGraph() bool { return g.fullModuleGraph.Load() }

// DisableFullModuleGraph latches the module-graph gate off.
func (g *Gates) DisableFullModuleGraph() { g.fullModuleGraph.Store(false) }

// UseOptimizedModuleHandling reports whether module-related work may be
// skipped based on archived state.
func (g *Gates) UseOptimizedModuleHandling() bool { return g.optimizedModules.Load() }

// DisableOptimizedModuleHandling latches the optimized-handling gate off.
func (g *Gates) DisableOptimizedModuleHandling() { g.optimizedModules.Store(false) }
