package compiler

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ledger/internal/ir"
)

// PackSpec is a compiled pack manifest plus the payload field kinds declared
// for each command and event type. The ledger only routes on the manifest;
// the payload kinds are documentation for pack authors and tooling.
type PackSpec struct {
	Manifest ir.PackManifest `json:"manifest"`

	// Payloads maps a fully qualified type ("task.create") to field name -> kind.
	Payloads map[string]map[string]string `json:"payloads"`
}

// CompileManifest parses a CUE pack value into a PackSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the pack struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`pack: tasks: { ... }`)
//	spec, err := CompileManifest(v.LookupPath(cue.ParsePath("pack.tasks")))
//
// Command and event labels are local names; the compiled manifest qualifies
// them with the namespace ("create" in namespace "task" becomes "task.create").
func CompileManifest(v cue.Value) (*PackSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &PackSpec{Payloads: make(map[string]map[string]string)}
	m := &spec.Manifest

	// Pack name comes from the struct label (the path selector)
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		m.Name = labels[len(labels)-1].String()
	}

	var err error
	if m.Version, err = requiredString(v, "version"); err != nil {
		return nil, err
	}
	if m.Namespace, err = requiredString(v, "namespace"); err != nil {
		return nil, err
	}
	if descVal := v.LookupPath(cue.ParsePath("description")); descVal.Exists() {
		if m.Description, err = descVal.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	m.CommandTypes, err = parseTypes(v, "command", "args", m.Namespace, spec.Payloads)
	if err != nil {
		return nil, err
	}
	m.EventTypes, err = parseTypes(v, "event", "fields", m.Namespace, spec.Payloads)
	if err != nil {
		return nil, err
	}
	if len(m.CommandTypes) == 0 && len(m.EventTypes) == 0 {
		return nil, &CompileError{
			Field:   "command",
			Message: "at least one command or event is required",
			Pos:     v.Pos(),
		}
	}

	return spec, nil
}

// CompileFile compiles every pack declared under the top-level "pack" field
// of one CUE file, sorted by pack name.
func CompileFile(path string) ([]PackSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompilePacks(v)
}

// CompilePacks compiles every pack under the "pack" field of v.
func CompilePacks(v cue.Value) ([]PackSpec, error) {
	packsVal := v.LookupPath(cue.ParsePath("pack"))
	if !packsVal.Exists() {
		return nil, &CompileError{Field: "pack", Message: "no packs declared", Pos: v.Pos()}
	}
	iter, err := packsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []PackSpec
	for iter.Next() {
		spec, err := CompileManifest(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("pack.%s: %w", iter.Label(), err)
		}
		specs = append(specs, *spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Manifest.Name < specs[j].Manifest.Name
	})
	return specs, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// parseTypes extracts command or event declarations. Each label becomes a
// qualified type; its payload kinds are read from the fieldsKey struct.
func parseTypes(v cue.Value, section, fieldsKey, namespace string, payloads map[string]map[string]string) ([]string, error) {
	sectionVal := v.LookupPath(cue.ParsePath(section))
	if !sectionVal.Exists() {
		return nil, nil
	}

	iter, err := sectionVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var types []string
	for iter.Next() {
		name := iter.Label()
		qualified := namespace + "." + name

		kinds := make(map[string]string)
		fieldsVal := iter.Value().LookupPath(cue.ParsePath(fieldsKey))
		if fieldsVal.Exists() {
			fieldIter, err := fieldsVal.Fields()
			if err != nil {
				return nil, formatCUEError(err)
			}
			for fieldIter.Next() {
				kind, err := extractTypeName(fieldIter.Value())
				if err != nil {
					return nil, err
				}
				kinds[fieldIter.Label()] = kind
			}
		}

		types = append(types, qualified)
		payloads[qualified] = kinds
	}
	sort.Strings(types)
	return types, nil
}

// extractTypeName converts a CUE kind to a payload kind name.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.FloatKind, cue.NumberKind:
		return "number", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
