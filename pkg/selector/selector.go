// Package selector decides which touched paths are tests and resolves a
// Change's test command template into a concrete shell command.
package selector

import (
	"path"
	"strings"
)

// Placeholders recognised in a test command template.
const (
	UnitPlaceholder        = "<unit_tests>"
	IntegrationPlaceholder = "<integration_tests>"
)

// Sentinels substituted when a placeholder has no selected tests.
const (
	NoUnitTests        = "NO_UNIT_TESTS"
	NoIntegrationTests = "NO_INTEGRATION_TESTS"
)

// Kind is the category a touched test path falls into.
type Kind int

const (
	// Ignored paths are test files that cannot be named on the command line.
	Ignored Kind = iota
	Unit
	Integration
)

func (k Kind) String() string {
	switch k {
	case Unit:
		return "unit"
	case Integration:
		return "integration"
	default:
		return "ignored"
	}
}

// IsTestPath reports whether a repository-relative path belongs to the test
// side of a Change. The check is case-insensitive: a path is a test path if
// it lies under a test/ or tests/ directory or names a *Test.java or
// *IT.java file.
func IsTestPath(p string) bool {
	lower := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	return strings.Contains(lower, "test/") ||
		strings.Contains(lower, "tests/") ||
		strings.HasSuffix(lower, "test.java") ||
		strings.HasSuffix(lower, "it.java")
}

// TestPaths returns the subset of paths that are test paths, in input order.
func TestPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if IsTestPath(p) {
			out = append(out, p)
		}
	}
	return out
}

// Classify places a test path into Unit, Integration, or Ignored and
// returns the bare class name used on the command line.
//
// Unit tests end in Test.java. Integration tests are .java files whose final
// segment contains "IT". Anything else is Ignored.
func Classify(p string) (Kind, string) {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	switch {
	case strings.HasSuffix(base, "Test.java"):
		return Unit, strings.TrimSuffix(base, ".java")
	case strings.HasSuffix(base, ".java") && strings.Contains(base, "IT"):
		return Integration, strings.TrimSuffix(base, ".java")
	default:
		return Ignored, base
	}
}

// Selection is the outcome of resolving a template against test paths.
type Selection struct {
	Unit        []string
	Integration []string
	// Ignored holds the test paths that matched neither category.
	Ignored []string
}

// Resolve classifies testPaths and substitutes the placeholders in template.
// Class names are joined with commas in input order, duplicates removed.
// A template without placeholders is returned unchanged.
func Resolve(template string, testPaths []string) (string, Selection) {
	var sel Selection
	seen := make(map[string]struct{})
	for _, p := range testPaths {
		kind, name := Classify(p)
		switch kind {
		case Unit, Integration:
			key := kind.String() + ":" + name
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if kind == Unit {
				sel.Unit = append(sel.Unit, name)
			} else {
				sel.Integration = append(sel.Integration, name)
			}
		default:
			sel.Ignored = append(sel.Ignored, p)
		}
	}

	unit := strings.Join(sel.Unit, ",")
	if unit == "" {
		unit = NoUnitTests
	}
	integration := strings.Join(sel.Integration, ",")
	if integration == "" {
		integration = NoIntegrationTests
	}

	cmd := strings.ReplaceAll(template, UnitPlaceholder, unit)
	cmd = strings.ReplaceAll(cmd, IntegrationPlaceholder, integration)
	return cmd, sel
}

// HasPlaceholders reports whether template selects tests per Change.
func HasPlaceholders(template string) bool {
	return strings.Contains(template, UnitPlaceholder) || strings.Contains(template, IntegrationPlaceholder)
}
