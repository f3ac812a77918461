package jobmanager

import (
	"fmt"
	"strings"
)

// Dependency is a relationship verb declared between two units.
type Dependency int

const (
	Requires Dependency = iota
	Requisite
	Wants
	BindsTo
	PartOf
	Upholds
	RequiredBy
	RequisiteOf
	WantedBy
	BoundBy
	UpheldBy
	ConsistsOf
	Conflicts
	ConflictedBy
	Before
	After
	OnSuccess
	OnSuccessOf
	OnFailure
	OnFailureOf
	Triggers
	TriggeredBy
	PropagatesReloadTo
	ReloadPropagatedFrom
	PropagatesStopTo
	StopPropagatedFrom
	JoinsNamespaceOf
	References
	ReferencedBy

	dependencyCount
)

// NOTE: Keep in sync with the Dependency values above.
var dependencyNames = []string{
	"Requires",
	"Requisite",
	"Wants",
	"BindsTo",
	"PartOf",
	"Upholds",
	"RequiredBy",
	"RequisiteOf",
	"WantedBy",
	"BoundBy",
	"UpheldBy",
	"ConsistsOf",
	"Conflicts",
	"ConflictedBy",
	"Before",
	"After",
	"OnSuccess",
	"OnSuccessOf",
	"OnFailure",
	"OnFailureOf",
	"Triggers",
	"TriggeredBy",
	"PropagatesReloadTo",
	"ReloadPropagatedFrom",
	"PropagatesStopTo",
	"StopPropagatedFrom",
	"JoinsNamespaceOf",
	"References",
	"ReferencedBy",
}

var dependencyInverse = [dependencyCount]Dependency{
	Requires:             RequiredBy,
	Requisite:            RequisiteOf,
	Wants:                WantedBy,
	BindsTo:              BoundBy,
	PartOf:               ConsistsOf,
	Upholds:              UpheldBy,
	RequiredBy:           Requires,
	RequisiteOf:          Requisite,
	WantedBy:             Wants,
	BoundBy:              BindsTo,
	UpheldBy:             Upholds,
	ConsistsOf:           PartOf,
	Conflicts:            ConflictedBy,
	ConflictedBy:         Conflicts,
	Before:               After,
	After:                Before,
	OnSuccess:            OnSuccessOf,
	OnSuccessOf:          OnSuccess,
	OnFailure:            OnFailureOf,
	OnFailureOf:          OnFailure,
	Triggers:             TriggeredBy,
	TriggeredBy:          Triggers,
	PropagatesReloadTo:   ReloadPropagatedFrom,
	ReloadPropagatedFrom: PropagatesReloadTo,
	PropagatesStopTo:     StopPropagatedFrom,
	StopPropagatedFrom:   PropagatesStopTo,
	JoinsNamespaceOf:     JoinsNamespaceOf,
	References:           ReferencedBy,
	ReferencedBy:         References,
}

func (d Dependency) String() string {
	if d < 0 || d >= dependencyCount {
		return fmt.Sprintf("Dependency(%d)", int(d))
	}

	return dependencyNames[d]
}

// Inverse returns the verb recorded on the other unit of an edge.
func (d Dependency) Inverse() Dependency {
	return dependencyInverse[d]
}

// Atoms returns the behaviour carried by the verb.
func (d Dependency) Atoms() Atom {
	return dependencyAtoms[d]
}

// ParseDependency parses a verb name case-insensitively. Both "BindsTo"
// and "binds_to" are accepted.
func ParseDependency(s string) (Dependency, error) {
	normalised := strings.ReplaceAll(s, "_", "")

	for d, name := range dependencyNames {
		if strings.EqualFold(name, normalised) {
			return Dependency(d), nil
		}
	}

	return 0, fmt.Errorf("unknown dependency %q", s)
}

// Dependencies returns all verbs in declaration order.
func Dependencies() []Dependency {
	deps := make([]Dependency, dependencyCount)
	for i := range deps {
		deps[i] = Dependency(i)
	}

	return deps
}

// Origin records which source declared a dependency edge. An edge may carry
// several origins and is removed once none remain.
type Origin uint16

const (
	OriginFile Origin = 1 << iota
	OriginImplicit
	OriginDefault
	OriginUdev
	OriginPath
	OriginMountinfo
	OriginProcSwap
	OriginSliceProperty
)

var originNames = []string{
	"file",
	"implicit",
	"default",
	"udev",
	"path",
	"mountinfo",
	"proc-swap",
	"slice-property",
}

func (o Origin) String() string {
	var parts []string

	for i, name := range originNames {
		if o&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}

// ParseOrigin parses a single origin name.
func ParseOrigin(s string) (Origin, error) {
	for i, name := range originNames {
		if name == s {
			return Origin(1 << i), nil
		}
	}

	return 0, fmt.Errorf("unknown dependency origin %q", s)
}
