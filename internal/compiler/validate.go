package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledger/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrManifestInvalid = "E100" // field rejected by manifest validation

	// Manifest identity errors (E101-E109)
	ErrPackNameEmpty    = "E101" // name is required
	ErrVersionNotSemver = "E102" // version must be strict semver
	ErrBadNamespace     = "E103" // namespace must be a lowercase identifier
	ErrForeignType      = "E104" // type outside the pack's namespace
	ErrDuplicateType    = "E105" // type declared twice in one pack
	ErrEmptyPack        = "E106" // no command or event types

	// Cross-pack errors (E110-E119)
	ErrNamespaceTaken = "E110" // two packs claim one namespace
	ErrDuplicatePack  = "E111" // two packs share a name
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Pack    string `json:"pack"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Pack != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Pack, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks compiled packs individually and against each other.
// Returns all errors found (does not fail-fast).
func Validate(specs []PackSpec) []ValidationError {
	var errs []ValidationError

	names := make(map[string]bool)
	owners := make(map[string]string)
	for _, spec := range specs {
		m := spec.Manifest
		errs = append(errs, validateManifest(m)...)

		// E111: duplicate pack name
		if names[m.Name] {
			errs = append(errs, ValidationError{
				Pack:    m.Name,
				Field:   "name",
				Message: fmt.Sprintf("duplicate pack name %q", m.Name),
				Code:    ErrDuplicatePack,
			})
		}
		names[m.Name] = true

		// E110: namespace owned by another pack
		if owner, ok := owners[m.Namespace]; ok && owner != m.Name {
			errs = append(errs, ValidationError{
				Pack:    m.Name,
				Field:   "namespace",
				Message: fmt.Sprintf("namespace %q is already owned by pack %q", m.Namespace, owner),
				Code:    ErrNamespaceTaken,
			})
		} else if !ok {
			owners[m.Namespace] = m.Name
		}
	}
	return errs
}

// validateManifest maps ir.ValidateManifest field errors onto error codes.
func validateManifest(m ir.PackManifest) []ValidationError {
	err := ir.ValidateManifest(m)
	if err == nil {
		return nil
	}
	var ves ir.ValidationErrors
	if !errors.As(err, &ves) {
		return []ValidationError{{Pack: m.Name, Field: "manifest", Message: err.Error(), Code: ErrManifestInvalid}}
	}

	out := make([]ValidationError, 0, len(ves))
	for _, ve := range ves {
		out = append(out, ValidationError{
			Pack:    m.Name,
			Field:   ve.Field,
			Message: ve.Reason,
			Code:    codeFor(ve),
		})
	}
	return out
}

func codeFor(ve *ir.ValidationError) string {
	switch {
	case ve.Field == "name":
		return ErrPackNameEmpty
	case ve.Field == "version":
		return ErrVersionNotSemver
	case ve.Field == "namespace":
		return ErrBadNamespace
	case ve.Field == "command_types":
		return ErrEmptyPack
	case strings.HasPrefix(ve.Reason, "duplicate"):
		return ErrDuplicateType
	case strings.Contains(ve.Reason, "outside namespace"):
		return ErrForeignType
	default:
		return ErrManifestInvalid
	}
}
