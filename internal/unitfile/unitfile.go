// Package unitfile loads unit definitions from HCL files.
//
// A file holds any number of unit blocks:
//
//	unit "web.service" {
//	  description = "Web frontend"
//	  aliases     = ["www.service"]
//	  requires    = ["db.service"]
//	  after       = ["db.service"]
//
//	  exec {
//	    start       = ["/usr/local/bin/web", "--name", unit.name]
//	    timeout_sec = 30
//	  }
//	}
//
// Any attribute named after a dependency verb (requires, binds_to,
// propagates_reload_to, ...) adds that dependency. The variable unit.name
// holds the label of the enclosing block.
package unitfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/zclconf/go-cty/cty"
)

// Extension is the file extension of unit files.
const Extension = ".hcl"

var ErrDuplicateUnit = errors.New("unit defined more than once")

type fileRoot struct {
	Units []*unitHeader `hcl:"unit,block"`
}

// unitHeader is decoded first so the body can be decoded with the unit's
// name in scope.
type unitHeader struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type unitBody struct {
	Description     string     `hcl:"description,optional"`
	Aliases         []string   `hcl:"aliases,optional"`
	Reloadable      bool       `hcl:"reloadable,optional"`
	IgnoreOnIsolate bool       `hcl:"ignore_on_isolate,optional"`
	Exec            *execBlock `hcl:"exec,block"`
	Remain          hcl.Body   `hcl:",remain"`
}

type execBlock struct {
	Type             string            `hcl:"type,optional"`
	Start            []string          `hcl:"start,optional"`
	Stop             []string          `hcl:"stop,optional"`
	Reload           []string          `hcl:"reload,optional"`
	RemainAfterExit  bool              `hcl:"remain_after_exit,optional"`
	TimeoutSec       float64           `hcl:"timeout_sec,optional"`
	Environment      map[string]string `hcl:"environment,optional"`
	WorkingDirectory string            `hcl:"working_directory,optional"`
	Limits           *limitsBlock      `hcl:"limits,block"`
}

type limitsBlock struct {
	CPUMaxPercent  int64 `hcl:"cpu_max_percent,optional"`
	MemoryMaxBytes int64 `hcl:"memory_max_bytes,optional"`
	IOMaxBPS       int64 `hcl:"io_max_bps,optional"`
}

// Loader reads unit files.
type Loader struct {
	logger *slog.Logger
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Loader{logger: logger}
}

// Load parses every unit file found in paths. A path may name a file or a
// directory, which is walked for files ending in Extension. Paths that do
// not exist are skipped.
func (l *Loader) Load(paths ...string) ([]jobmanager.Definition, error) {
	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("discovered unit files", "count", len(files))

	parser := hclparse.NewParser()

	var defs []jobmanager.Definition
	seen := make(map[string]string)

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse unit file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode unit file %s: %w", file, diags)
		}

		for _, header := range root.Units {
			if prev, ok := seen[header.Name]; ok {
				return nil, fmt.Errorf("%s in %s and %s: %w", header.Name, prev, file, ErrDuplicateUnit)
			}

			seen[header.Name] = file

			def, err := decodeUnit(header)
			if err != nil {
				return nil, fmt.Errorf("in unit file %s: %w", file, err)
			}

			defs = append(defs, def)
		}
	}

	l.logger.Debug("loaded unit files", "files", len(files), "units", len(defs))

	return defs, nil
}

// evalContext exposes the enclosing unit to expressions in its block.
func evalContext(name string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"unit": cty.ObjectVal(map[string]cty.Value{
				"name": cty.StringVal(name),
			}),
		},
	}
}

func decodeUnit(header *unitHeader) (jobmanager.Definition, error) {
	ctx := evalContext(header.Name)

	var block unitBody
	if diags := gohcl.DecodeBody(header.Body, ctx, &block); diags.HasErrors() {
		return jobmanager.Definition{}, fmt.Errorf("unit %s: %w", header.Name, diags)
	}

	def := jobmanager.Definition{
		Name:            header.Name,
		Description:     block.Description,
		Aliases:         block.Aliases,
		Reloadable:      block.Reloadable,
		IgnoreOnIsolate: block.IgnoreOnIsolate,
	}

	// Whatever is left must be dependency lists.
	content, diags := block.Remain.Content(dependencySchema)
	if diags.HasErrors() {
		return def, fmt.Errorf("unit %s: %w", header.Name, diags)
	}

	for _, d := range jobmanager.Dependencies() {
		attr, ok := content.Attributes[attributeName(d)]
		if !ok {
			continue
		}

		var targets []string
		if diags := gohcl.DecodeExpression(attr.Expr, ctx, &targets); diags.HasErrors() {
			return def, fmt.Errorf("unit %s: %s: %w", header.Name, attr.Name, diags)
		}

		if def.Dependencies == nil {
			def.Dependencies = make(map[jobmanager.Dependency][]string)
		}

		def.Dependencies[d] = append(def.Dependencies[d], targets...)
	}

	if block.Exec != nil {
		exec, err := translateExec(header.Name, block.Exec)
		if err != nil {
			return def, err
		}

		def.Exec = exec
	}

	return def, nil
}

func translateExec(unit string, e *execBlock) (jobmanager.ExecConfig, error) {
	cfg := jobmanager.ExecConfig{
		Type:             jobmanager.ServiceType(e.Type),
		Start:            e.Start,
		Stop:             e.Stop,
		Reload:           e.Reload,
		RemainAfterExit:  e.RemainAfterExit,
		Environment:      e.Environment,
		WorkingDirectory: e.WorkingDirectory,
	}

	switch cfg.Type {
	case "":
		cfg.Type = jobmanager.ServiceSimple
	case jobmanager.ServiceSimple, jobmanager.ServiceOneshot:
	default:
		return cfg, fmt.Errorf("unit %s: unknown service type %q", unit, e.Type)
	}

	if e.TimeoutSec < 0 {
		return cfg, fmt.Errorf("unit %s: timeout_sec must not be negative", unit)
	}

	cfg.Timeout = time.Duration(e.TimeoutSec * float64(time.Second))

	if e.Limits != nil {
		cfg.Limits = jobmanager.ResourceLimits{
			CPUMaxPercent:  e.Limits.CPUMaxPercent,
			MemoryMaxBytes: e.Limits.MemoryMaxBytes,
			IOMaxBPS:       e.Limits.IOMaxBPS,
		}
	}

	return cfg, nil
}

// dependencySchema accepts one list attribute per dependency verb.
var dependencySchema = func() *hcl.BodySchema {
	schema := &hcl.BodySchema{}
	for _, d := range jobmanager.Dependencies() {
		schema.Attributes = append(schema.Attributes, hcl.AttributeSchema{Name: attributeName(d)})
	}

	return schema
}()

// attributeName spells a verb in snake_case, so BindsTo is binds_to.
func attributeName(d jobmanager.Dependency) string {
	var b strings.Builder

	for i, r := range d.String() {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}

			r = unicode.ToLower(r)
		}

		b.WriteRune(r)
	}

	return b.String()
}

// findAllHCLFiles returns the unit files under paths in walk order, each
// once.
func findAllHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})

	add := func(p string) {
		if _, ok := seen[p]; !ok {
			files = append(files, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if !info.IsDir() {
			if filepath.Ext(path) == Extension {
				add(path)
			}

			continue
		}

		if err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if !d.IsDir() && filepath.Ext(p) == Extension {
				add(p)
			}

			return nil
		}); err != nil {
			return nil, err
		}
	}

	return files, nil
}
