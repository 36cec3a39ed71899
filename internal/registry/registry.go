// Package registry keeps every component's subscription specs and publishes
// the consolidated union that is sent upstream.
package registry

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"feedmux/internal/domain"
)

// Subscriber is a directory entry: a component and the mode it asked for.
type Subscriber struct {
	ComponentID string
	Mode        domain.StreamMode
}

type snapshot struct {
	consolidated domain.ConsolidatedSubscription
	specCount    int
	// bySymbol is keyed by base code; wildcard holds empty-symbol private specs.
	bySymbol map[domain.DataType]map[string][]Subscriber
	wildcard map[domain.DataType][]Subscriber
}

// Registry is safe for concurrent use. Writers serialize on one mutex that
// only guards the component map; the union is rebuilt outside it and
// published through an atomic pointer.
type Registry struct {
	mu         sync.Mutex
	components map[string]map[domain.DataType]domain.SubscriptionSpec
	version    uint64

	current atomic.Pointer[snapshot]
}

// New creates an empty registry at version 0.
func New() *Registry {
	r := &Registry{components: make(map[string]map[domain.DataType]domain.SubscriptionSpec)}
	r.current.Store(build(0, nil))
	return r
}

// Register adds spec for componentID, replacing an earlier spec of the same
// data type wholesale. replaced reports whether one existed.
func (r *Registry) Register(componentID string, spec domain.SubscriptionSpec) (bool, error) {
	if componentID == "" {
		return false, &domain.InvalidSubscriptionError{Field: "component_id", Reason: "must not be empty"}
	}
	if !spec.DataType.Valid() || !spec.Mode.Valid() {
		return false, &domain.InvalidSubscriptionError{Field: "data_type", Reason: "spec was not built by NewSubscriptionSpec"}
	}

	r.mu.Lock()
	prev := r.components[componentID]
	_, replaced := prev[spec.DataType]
	// Inner maps are copy-on-write so published copies stay immutable.
	next := make(map[domain.DataType]domain.SubscriptionSpec, len(prev)+1)
	maps.Copy(next, prev)
	next[spec.DataType] = spec
	r.components[componentID] = next
	version, view := r.commitLocked()
	r.mu.Unlock()

	r.publish(build(version, view))
	return replaced, nil
}

// Unregister drops every spec of componentID and returns the data types removed.
func (r *Registry) Unregister(componentID string) []domain.DataType {
	r.mu.Lock()
	prev, ok := r.components[componentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.components, componentID)
	version, view := r.commitLocked()
	r.mu.Unlock()

	r.publish(build(version, view))
	return slices.Sorted(maps.Keys(prev))
}

// UnregisterType drops one spec. It reports whether the spec existed.
func (r *Registry) UnregisterType(componentID string, dt domain.DataType) bool {
	r.mu.Lock()
	prev := r.components[componentID]
	if _, ok := prev[dt]; !ok {
		r.mu.Unlock()
		return false
	}
	if len(prev) == 1 {
		delete(r.components, componentID)
	} else {
		next := maps.Clone(prev)
		delete(next, dt)
		r.components[componentID] = next
	}
	version, view := r.commitLocked()
	r.mu.Unlock()

	r.publish(build(version, view))
	return true
}

// commitLocked bumps the version and returns a shallow copy of the component
// map for building outside the lock.
func (r *Registry) commitLocked() (uint64, map[string]map[domain.DataType]domain.SubscriptionSpec) {
	r.version++
	return r.version, maps.Clone(r.components)
}

// publish stores s unless a newer version is already visible.
func (r *Registry) publish(s *snapshot) {
	for {
		cur := r.current.Load()
		if cur.consolidated.Version >= s.consolidated.Version {
			return
		}
		if r.current.CompareAndSwap(cur, s) {
			return
		}
	}
}

// CurrentConsolidated returns the latest complete union. The result must not
// be modified.
func (r *Registry) CurrentConsolidated() domain.ConsolidatedSubscription {
	return r.current.Load().consolidated
}

// Subscribers returns every component whose spec for dt covers symbol.
// Orderbook unit suffixes are ignored when matching.
func (r *Registry) Subscribers(dt domain.DataType, symbol string) []Subscriber {
	s := r.current.Load()
	direct := s.bySymbol[dt][domain.BaseCode(symbol)]
	wild := s.wildcard[dt]
	if len(wild) == 0 {
		return direct
	}
	if len(direct) == 0 {
		return wild
	}
	out := make([]Subscriber, 0, len(direct)+len(wild))
	out = append(out, direct...)
	return append(out, wild...)
}

// Specs returns the specs registered by componentID.
func (r *Registry) Specs(componentID string) []domain.SubscriptionSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := r.components[componentID]
	out := make([]domain.SubscriptionSpec, 0, len(specs))
	for _, dt := range slices.Sorted(maps.Keys(specs)) {
		out = append(out, specs[dt])
	}
	return out
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components)
}

// SpecCount returns the number of (component, data type) specs in the
// latest published union.
func (r *Registry) SpecCount() int {
	return r.current.Load().specCount
}

func build(version uint64, components map[string]map[domain.DataType]domain.SubscriptionSpec) *snapshot {
	s := &snapshot{
		consolidated: domain.ConsolidatedSubscription{
			Version: version,
			Types:   make(map[domain.DataType]map[string]domain.StreamMode),
		},
		bySymbol: make(map[domain.DataType]map[string][]Subscriber),
		wildcard: make(map[domain.DataType][]Subscriber),
	}

	// Sorted iteration keeps directory order stable across rebuilds.
	for _, id := range slices.Sorted(maps.Keys(components)) {
		for dt, spec := range components[id] {
			s.specCount++
			union := s.consolidated.Types[dt]
			if union == nil {
				union = make(map[string]domain.StreamMode)
				s.consolidated.Types[dt] = union
			}
			sub := Subscriber{ComponentID: id, Mode: spec.Mode}

			if len(spec.Symbols) == 0 {
				union[domain.AllSymbols] = union[domain.AllSymbols].Merge(spec.Mode)
				s.wildcard[dt] = append(s.wildcard[dt], sub)
				continue
			}

			index := s.bySymbol[dt]
			if index == nil {
				index = make(map[string][]Subscriber)
				s.bySymbol[dt] = index
			}
			seen := make(map[string]bool, len(spec.Symbols))
			for _, sym := range spec.Symbols {
				union[sym] = union[sym].Merge(spec.Mode)
				base := domain.BaseCode(sym)
				if !seen[base] {
					seen[base] = true
					index[base] = append(index[base], sub)
				}
			}
		}
	}

	// A wildcard request subsumes explicit codes of the same type.
	for _, union := range s.consolidated.Types {
		all, ok := union[domain.AllSymbols]
		if !ok || len(union) == 1 {
			continue
		}
		for sym, mode := range union {
			all = all.Merge(mode)
			if sym != domain.AllSymbols {
				delete(union, sym)
			}
		}
		union[domain.AllSymbols] = all
	}
	return s
}
