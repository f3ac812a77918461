package jobmanager

import (
	"fmt"
	"log/slog"
	"slices"
)

// Registry stores units and the dependency edges between them. Units are
// kept in an arena and referenced by UnitID. A Registry is not safe for
// concurrent use; the Manager only touches it from its reactor.
type Registry struct {
	units  []*Unit
	names  map[string]UnitID
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		// Index 0 is reserved so the zero UnitID refers to no unit.
		units:  []*Unit{nil},
		names:  make(map[string]UnitID),
		logger: logger,
	}
}

// AddUnit returns the unit known by name, creating a stub if there is none.
func (r *Registry) AddUnit(name string) (UnitID, error) {
	if id, ok := r.names[name]; ok {
		return r.resolve(id), nil
	}

	kind, err := KindFromName(name)
	if err != nil {
		return 0, err
	}

	u := &Unit{
		id:   UnitID(len(r.units)),
		name: name,
		kind: kind,
		load: LoadStub,
	}

	r.units = append(r.units, u)
	r.names[name] = u.id

	return u.id, nil
}

// Lookup returns the unit known by name or alias.
func (r *Registry) Lookup(name string) (*Unit, bool) {
	id, ok := r.names[name]
	if !ok {
		return nil, false
	}

	return r.units[r.resolve(id)], true
}

// Unit returns the unit for id, following merges. It returns nil for an
// unknown id.
func (r *Registry) Unit(id UnitID) *Unit {
	if id <= 0 || int(id) >= len(r.units) {
		return nil
	}

	return r.units[r.resolve(id)]
}

// Units returns every unit that has not been merged away, in creation order.
func (r *Registry) Units() []*Unit {
	units := make([]*Unit, 0, len(r.units))

	for _, u := range r.units[1:] {
		if u.load != LoadMerged {
			units = append(units, u)
		}
	}

	return units
}

func (r *Registry) resolve(id UnitID) UnitID {
	for r.units[id].load == LoadMerged {
		id = r.units[id].mergedInto
	}

	return id
}

// AddDependency records the edge a -d-> b and its inverse on b. Edges from a
// unit to itself are ignored.
func (r *Registry) AddDependency(a UnitID, d Dependency, b UnitID, origin Origin) error {
	ua, ub := r.Unit(a), r.Unit(b)
	if ua == nil || ub == nil {
		return ErrUnitUnknown
	}

	if ua == ub {
		return nil
	}

	ua.deps[d].add(ub.id, origin)
	ub.deps[d.Inverse()].add(ua.id, origin)

	return nil
}

// RemoveDependencies strips origin from every edge of the unit and removes
// the edges left without any origin.
func (r *Registry) RemoveDependencies(id UnitID, origin Origin) error {
	u := r.Unit(id)
	if u == nil {
		return ErrUnitUnknown
	}

	for d := range dependencyCount {
		for _, t := range slices.Clone(u.deps[d].order) {
			other := r.units[t]
			inverse := d.Inverse()

			remaining := u.deps[d].origins[t] &^ origin
			if remaining == 0 {
				u.deps[d].remove(t)
				other.deps[inverse].remove(u.id)
				continue
			}

			u.deps[d].origins[t] = remaining

			if o, ok := other.deps[inverse].origins[u.id]; ok {
				other.deps[inverse].origins[u.id] = o &^ origin
			}
		}
	}

	return nil
}

// Neighbors returns the units related to id through any verb carrying one of
// atoms. Units appear once, in verb order and then insertion order.
func (r *Registry) Neighbors(id UnitID, atoms Atom) []UnitID {
	u := r.Unit(id)
	if u == nil {
		return nil
	}

	var (
		result []UnitID
		seen   map[UnitID]struct{}
	)

	for d := range dependencyCount {
		if !dependencyAtoms[d].Has(atoms) {
			continue
		}

		for _, t := range u.deps[d].order {
			if seen == nil {
				seen = make(map[UnitID]struct{})
			}

			if _, ok := seen[t]; ok {
				continue
			}

			seen[t] = struct{}{}
			result = append(result, t)
		}
	}

	return result
}

// Merge folds other into into: its names become aliases of into and its
// edges are moved across. other must be a stub without a live job and of the
// same kind as into.
func (r *Registry) Merge(into, other UnitID) error {
	u, o := r.Unit(into), r.Unit(other)
	if u == nil || o == nil {
		return ErrUnitUnknown
	}

	if u == o {
		return nil
	}

	if u.kind != o.kind {
		return fmt.Errorf(
			"merge %s into %s: %w",
			o.name,
			u.name,
			ErrTypeMismatch,
		)
	}

	if o.load != LoadStub || o.job != 0 {
		return fmt.Errorf(
			"merge %s into %s: %w",
			o.name,
			u.name,
			ErrAlreadyMerged,
		)
	}

	for _, name := range append([]string{o.name}, o.aliases...) {
		r.names[name] = u.id

		if name != u.name && !slices.Contains(u.aliases, name) {
			u.aliases = append(u.aliases, name)
		}
	}

	for d := range dependencyCount {
		inverse := d.Inverse()

		for _, t := range o.deps[d].order {
			origin := o.deps[d].origins[t]
			target := r.units[t]

			target.deps[inverse].remove(o.id)

			if t == u.id {
				r.logDroppedSelfDependency(u, d)
				continue
			}

			u.deps[d].add(t, origin)
			target.deps[inverse].add(u.id, origin)
		}
	}

	o.deps = [dependencyCount]edges{}
	o.aliases = nil
	o.load = LoadMerged
	o.mergedInto = u.id

	r.logger.Debug("merged unit", "unit", u.name, "merged", o.name)

	return nil
}

func (r *Registry) logDroppedSelfDependency(u *Unit, d Dependency) {
	name := d.Atoms().String()
	if canonical, ok := CanonicalDependency(d.Atoms()); ok {
		name = canonical.String()
	}

	r.logger.Debug(
		"dropping dependency on self",
		"unit", u.name,
		"dependency", name,
	)
}

// Load registers def. Stubs named by its aliases are merged into the unit
// and its dependencies are recorded with OriginFile.
func (r *Registry) Load(def Definition) (UnitID, error) {
	id, err := r.AddUnit(def.Name)
	if err != nil {
		return 0, err
	}

	u := r.units[id]
	if u.load == LoadLoaded {
		return 0, fmt.Errorf("unit %s: already loaded as %s", def.Name, u.name)
	}

	for _, alias := range def.Aliases {
		if aid, ok := r.names[alias]; ok {
			if err := r.Merge(id, aid); err != nil {
				return 0, fmt.Errorf("alias %s: %w", alias, err)
			}

			continue
		}

		kind, err := KindFromName(alias)
		if err != nil {
			return 0, fmt.Errorf("alias of %s: %w", def.Name, err)
		}

		if kind != u.kind {
			return 0, fmt.Errorf(
				"alias %s of %s: %w",
				alias,
				def.Name,
				ErrTypeMismatch,
			)
		}

		r.names[alias] = id
		u.aliases = append(u.aliases, alias)
	}

	for d := range dependencyCount {
		for _, name := range def.Dependencies[d] {
			tid, err := r.AddUnit(name)
			if err != nil {
				return 0, fmt.Errorf("%s %s=%s: %w", def.Name, d, name, err)
			}

			if err := r.AddDependency(id, d, tid, OriginFile); err != nil {
				return 0, err
			}
		}
	}

	stored := def
	u.def = &stored
	u.load = LoadLoaded

	return id, nil
}
