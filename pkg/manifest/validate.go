package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/testshift/internal/assets/schemas"
	"github.com/3leaps/testshift/pkg/match"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID identifies the embedded change-manifest schema.
const SchemaID = "testshift/v1.0.0/change-manifest"

var (
	ErrSchemaNotFound   = errors.New("manifest schema not found")
	ErrValidationFailed = errors.New("manifest validation failed")
)

// ValidationError is one problem found in a manifest. Path is a JSON
// pointer such as "/changes/0/base_commit".
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass so a user
// can fix a manifest without re-running after each error.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("manifest validation failed with %d errors:", len(e)))
	for _, ve := range e {
		lines = append(lines, "  - "+ve.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks an in-memory manifest against the schema. Unknown
// fields are lost by then; loaders use ValidateRaw on the input instead.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks manifest JSON against the embedded schema, including
// additionalProperties. Only error-severity diagnostics are reported.
func ValidateRaw(jsonData []byte) error {
	v, err := compiledSchema()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var compiledSchema = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.ChangeManifestSchema) == 0 {
		return nil, fmt.Errorf("%w: embedded change-manifest schema is empty", ErrSchemaNotFound)
	}
	v, err := schema.NewValidator(schemasassets.ChangeManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return v, nil
})

// Check performs the semantic checks the schema cannot express. It runs
// after defaults are applied: every Change must end up with a repository
// and a test command, keys must be unique, and report patterns must be
// usable globs.
func Check(m *Manifest) error {
	var errs ValidationErrors
	seen := make(map[string]int, len(m.Changes))
	for i := range m.Changes {
		c := &m.Changes[i]
		at := fmt.Sprintf("/changes/%d", i)

		key := c.Key()
		switch {
		case key == "":
			errs = append(errs, ValidationError{Path: at, Message: "change needs an id or pr_number"})
		case strings.ContainsAny(key, " \t\r\n,"):
			errs = append(errs, ValidationError{Path: at + "/id", Message: "id must not contain whitespace or commas"})
		default:
			if prev, dup := seen[key]; dup {
				errs = append(errs, ValidationError{
					Path:    at,
					Message: fmt.Sprintf("duplicate change %q (also at /changes/%d)", key, prev),
				})
			} else {
				seen[key] = i
			}
		}

		if c.Repository == "" {
			errs = append(errs, ValidationError{Path: at + "/repository", Message: "repository is required (set it on the change or in defaults)"})
		} else if !validRepository(c.Repository) {
			errs = append(errs, ValidationError{Path: at + "/repository", Message: fmt.Sprintf("repository %q must be owner/name", c.Repository)})
		}
		if strings.TrimSpace(c.TestCommand) == "" {
			errs = append(errs, ValidationError{Path: at + "/test_command", Message: "test_command is required (set it on the change or in defaults)"})
		}
		if err := match.Validate(c.TestReportGlobPatterns); err != nil {
			errs = append(errs, ValidationError{Path: at + "/test_report_glob_patterns", Message: err.Error()})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validRepository(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" &&
		!strings.Contains(name, "/") &&
		!strings.ContainsAny(repo, " \t\n\\") &&
		!strings.Contains(repo, "..")
}
