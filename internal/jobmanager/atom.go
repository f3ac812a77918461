package jobmanager

import (
	"math/bits"
	"strings"
)

// Atom is a bit-set of behaviours implied by dependency verbs. Several verbs
// may share the same atoms, so the reverse lookup is not always unique.
type Atom uint64

const (
	AtomPullInStart Atom = 1 << iota
	AtomPullInStartIgnored
	AtomPullInVerify
	AtomPullInStop
	AtomPullInStopIgnored
	AtomPropagateStop
	AtomPropagateRestart
	AtomPropagateStartFailure
	AtomPropagateStopFailure
	AtomPropagateInactiveStartAsFailure
	AtomRetroactiveStopOnStop
	AtomCannotBeActiveWithout
	AtomPinsStopWhenUnneeded
	AtomBefore
	AtomAfter
	AtomOnSuccess
	AtomOnSuccessOf
	AtomOnFailure
	AtomOnFailureOf
	AtomTriggers
	AtomTriggeredBy
	AtomPropagatesReloadTo
	AtomJoinsNamespaceOf
	AtomReferences
	AtomReferencedBy
)

var atomNames = []string{
	"pull-in-start",
	"pull-in-start-ignored",
	"pull-in-verify",
	"pull-in-stop",
	"pull-in-stop-ignored",
	"propagate-stop",
	"propagate-restart",
	"propagate-start-failure",
	"propagate-stop-failure",
	"propagate-inactive-start-as-failure",
	"retroactive-stop-on-stop",
	"cannot-be-active-without",
	"pins-stop-when-unneeded",
	"before",
	"after",
	"on-success",
	"on-success-of",
	"on-failure",
	"on-failure-of",
	"triggers",
	"triggered-by",
	"propagates-reload-to",
	"joins-namespace-of",
	"references",
	"referenced-by",
}

var dependencyAtoms = [dependencyCount]Atom{
	Requires:  AtomPullInStart,
	Requisite: AtomPullInVerify,
	Wants:     AtomPullInStartIgnored,
	BindsTo:   AtomPullInStart | AtomCannotBeActiveWithout,
	PartOf:    0,
	Upholds:   AtomPullInStartIgnored,
	RequiredBy: AtomPropagateStop |
		AtomPropagateRestart |
		AtomPropagateStartFailure |
		AtomPinsStopWhenUnneeded,
	RequisiteOf: AtomPropagateStop |
		AtomPropagateRestart |
		AtomPropagateStartFailure |
		AtomPropagateInactiveStartAsFailure,
	WantedBy: AtomPinsStopWhenUnneeded,
	BoundBy: AtomRetroactiveStopOnStop |
		AtomPropagateStop |
		AtomPropagateRestart |
		AtomPropagateStartFailure |
		AtomPinsStopWhenUnneeded,
	UpheldBy:             AtomPinsStopWhenUnneeded,
	ConsistsOf:           AtomPropagateStop | AtomPropagateRestart,
	Conflicts:            AtomPullInStop,
	ConflictedBy:         AtomPullInStopIgnored | AtomPropagateStopFailure,
	Before:               AtomBefore,
	After:                AtomAfter,
	OnSuccess:            AtomOnSuccess,
	OnSuccessOf:          AtomOnSuccessOf,
	OnFailure:            AtomOnFailure,
	OnFailureOf:          AtomOnFailureOf,
	Triggers:             AtomTriggers,
	TriggeredBy:          AtomTriggeredBy,
	PropagatesReloadTo:   AtomPropagatesReloadTo,
	ReloadPropagatedFrom: 0,
	PropagatesStopTo:     AtomRetroactiveStopOnStop | AtomPropagateStop,
	StopPropagatedFrom:   0,
	JoinsNamespaceOf:     AtomJoinsNamespaceOf,
	References:           AtomReferences,
	ReferencedBy:         AtomReferencedBy,
}

// canonicalDependency maps an atom set back to the single verb carrying
// exactly that set. Sets shared by more than one verb are absent.
var canonicalDependency = func() map[Atom]Dependency {
	seen := make(map[Atom]int)
	for d := range dependencyCount {
		seen[dependencyAtoms[d]]++
	}

	m := make(map[Atom]Dependency)
	for d := range dependencyCount {
		if a := dependencyAtoms[d]; seen[a] == 1 {
			m[a] = d
		}
	}

	return m
}()

// CanonicalDependency returns the verb whose atom set is exactly a. It
// reports false when no verb, or more than one verb, maps to a.
func CanonicalDependency(a Atom) (Dependency, bool) {
	d, ok := canonicalDependency[a]
	return d, ok
}

// Has reports whether any of the atoms in other are set.
func (a Atom) Has(other Atom) bool {
	return a&other != 0
}

func (a Atom) String() string {
	if a == 0 {
		return "none"
	}

	parts := make([]string, 0, bits.OnesCount64(uint64(a)))

	for i, name := range atomNames {
		if a&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}

	return strings.Join(parts, "|")
}
