package jobmanager

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// UnitID is a handle to a unit in a Registry. The zero value refers to no
// unit.
type UnitID int

// UnitKind is the type of a unit, taken from the suffix of its name.
type UnitKind string

const (
	KindService   UnitKind = "service"
	KindSocket    UnitKind = "socket"
	KindTarget    UnitKind = "target"
	KindDevice    UnitKind = "device"
	KindMount     UnitKind = "mount"
	KindAutomount UnitKind = "automount"
	KindSwap      UnitKind = "swap"
	KindTimer     UnitKind = "timer"
	KindPath      UnitKind = "path"
	KindSlice     UnitKind = "slice"
	KindScope     UnitKind = "scope"
)

var unitKinds = []UnitKind{
	KindService,
	KindSocket,
	KindTarget,
	KindDevice,
	KindMount,
	KindAutomount,
	KindSwap,
	KindTimer,
	KindPath,
	KindSlice,
	KindScope,
}

// KindFromName returns the kind of the unit name, e.g. "service" for
// "web.service".
func KindFromName(name string) (UnitKind, error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if strings.ContainsAny(name[:i], "/ \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	kind := UnitKind(name[i+1:])
	if !slices.Contains(unitKinds, kind) {
		return "", fmt.Errorf("%w: unknown suffix in %q", ErrInvalidName, name)
	}

	return kind, nil
}

// ServiceType controls when a start job of a unit completes.
type ServiceType string

const (
	// ServiceSimple units are started once their main process is running.
	ServiceSimple ServiceType = "simple"

	// ServiceOneshot units are started once their main process exits
	// successfully.
	ServiceOneshot ServiceType = "oneshot"
)

// ResourceLimits are applied to the processes of a unit where supported.
type ResourceLimits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	IOMaxBPS       int64
}

// ExecConfig describes how the process backend acts on a unit. Units
// without a start command (targets, for example) activate immediately.
type ExecConfig struct {
	Type             ServiceType
	Start            []string
	Stop             []string
	Reload           []string
	RemainAfterExit  bool
	Timeout          time.Duration
	Environment      map[string]string
	WorkingDirectory string
	Limits           ResourceLimits
}

// Definition is the loaded description of a unit.
type Definition struct {
	Name            string
	Aliases         []string
	Description     string
	Dependencies    map[Dependency][]string
	Reloadable      bool
	IgnoreOnIsolate bool
	Exec            ExecConfig
}

type edges struct {
	order   []UnitID
	origins map[UnitID]Origin
}

func (e *edges) add(id UnitID, origin Origin) {
	if e.origins == nil {
		e.origins = make(map[UnitID]Origin)
	}

	if _, ok := e.origins[id]; !ok {
		e.order = append(e.order, id)
	}

	e.origins[id] |= origin
}

func (e *edges) remove(id UnitID) {
	if _, ok := e.origins[id]; !ok {
		return
	}

	delete(e.origins, id)
	e.order = slices.DeleteFunc(e.order, func(o UnitID) bool { return o == id })
}

// Unit is a managed entity with a start/stop/reload lifecycle.
type Unit struct {
	id         UnitID
	name       string
	aliases    []string
	kind       UnitKind
	load       LoadState
	mergedInto UnitID
	active     ActiveState
	def        *Definition
	deps       [dependencyCount]edges
	job        JobID
}

func (u *Unit) ID() UnitID {
	return u.id
}

// Name returns the canonical name of the unit.
func (u *Unit) Name() string {
	return u.name
}

// Aliases returns the other names resolving to the unit.
func (u *Unit) Aliases() []string {
	return slices.Clone(u.aliases)
}

func (u *Unit) Kind() UnitKind {
	return u.kind
}

func (u *Unit) LoadState() LoadState {
	return u.load
}

func (u *Unit) ActiveState() ActiveState {
	return u.active
}

// Definition returns the definition the unit was loaded from, or nil for a
// stub.
func (u *Unit) Definition() *Definition {
	return u.def
}

// Job returns the live job of the unit, 0 if it has none.
func (u *Unit) Job() JobID {
	return u.job
}

// Dependencies returns the units related by d in the order they were added.
func (u *Unit) Dependencies(d Dependency) []UnitID {
	return slices.Clone(u.deps[d].order)
}

// DependencyOrigin returns the origins recorded for the edge u -d-> other.
func (u *Unit) DependencyOrigin(d Dependency, other UnitID) Origin {
	return u.deps[d].origins[other]
}

func (u *Unit) supports(t JobType) bool {
	switch t {
	case JobReload, JobTryReload:
		return u.def != nil && u.def.Reloadable
	default:
		return true
	}
}

func (u *Unit) ignoreOnIsolate() bool {
	return u.def != nil && u.def.IgnoreOnIsolate
}
