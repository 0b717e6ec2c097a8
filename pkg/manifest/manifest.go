// Package manifest provides loading and validation of change manifests.
//
// A change manifest is a YAML or JSON file listing the Changes to classify.
// Fields shared by every Change may be given once in a defaults block; a
// Change inherits a default only when it leaves the field unset.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded, so unknown fields are rejected rather than silently dropped. A
// bare JSON array of Changes is accepted as shorthand for a manifest with
// only a changes list.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  repository: apache/commons-lang
//	  test_command: mvn -Dtest=<unit_tests> -Dit.test=<integration_tests> verify
//	changes:
//	  - pr_number: 1021
//	    base_commit: 5f1c0e2
//	    head_commit: 9ab77d1
//	    touched_paths:
//	      - path: src/main/java/org/apache/commons/lang3/StringUtils.java
//	      - path: src/test/java/org/apache/commons/lang3/StringUtilsTest.java
package manifest

import (
	"strconv"
	"strings"
)

// Manifest represents a validated change manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0" when set.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Defaults are inherited by Changes that leave a field unset.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Changes are the units of work, in manifest order.
	Changes []Change `json:"changes" yaml:"changes"`
}

// Defaults holds the fields a Change may inherit.
type Defaults struct {
	Repository             string   `json:"repository,omitempty" yaml:"repository,omitempty"`
	TestCommand            string   `json:"test_command,omitempty" yaml:"test_command,omitempty"`
	TestReportGlobPatterns []string `json:"test_report_glob_patterns,omitempty" yaml:"test_report_glob_patterns,omitempty"`
	Dockerfile             string   `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
}

// TouchedPath is one file modified by a Change.
type TouchedPath struct {
	Path string `json:"path" yaml:"path"`

	// Patch is the unified diff of the file, when the harvester recorded it.
	Patch string `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// Change identifies one unit of work. It is read-only once dispatched.
//
// Either ID or PRNumber identifies the Change; see Key.
type Change struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	PRNumber int    `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`

	// Repository is the owner/name slug of the source repository.
	Repository  string `json:"repository" yaml:"repository"`
	BaseCommit  string `json:"base_commit" yaml:"base_commit"`
	HeadCommit  string `json:"head_commit" yaml:"head_commit"`
	MergeCommit string `json:"merge_commit,omitempty" yaml:"merge_commit,omitempty"`

	// TestCommand is the command template. It may contain the
	// <unit_tests> and <integration_tests> placeholders.
	TestCommand string `json:"test_command" yaml:"test_command"`

	// TestReportGlobPatterns locate report files after a run, relative to
	// the repository root.
	TestReportGlobPatterns []string `json:"test_report_glob_patterns,omitempty" yaml:"test_report_glob_patterns,omitempty"`

	TouchedPaths []TouchedPath `json:"touched_paths" yaml:"touched_paths"`

	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	CreatedAt  string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	MergedAt   string `json:"merged_at,omitempty" yaml:"merged_at,omitempty"`
}

// Key returns the Change identity used in progress lines and result
// records: ID when set, otherwise the pull request number.
func (c *Change) Key() string {
	if c.ID != "" {
		return c.ID
	}
	if c.PRNumber > 0 {
		return strconv.Itoa(c.PRNumber)
	}
	return ""
}

// Paths returns the touched file paths in manifest order.
func (c *Change) Paths() []string {
	out := make([]string, 0, len(c.TouchedPaths))
	for _, tp := range c.TouchedPaths {
		out = append(out, tp.Path)
	}
	return out
}

// Default values for optional fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultReportPattern locates Maven Surefire reports.
	DefaultReportPattern = "**/surefire-reports/*.xml"
)

// ApplyDefaults copies defaults into every Change that leaves the field
// unset, then applies built-in defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	for i := range m.Changes {
		c := &m.Changes[i]
		if c.Repository == "" {
			c.Repository = m.Defaults.Repository
		}
		if c.TestCommand == "" {
			c.TestCommand = m.Defaults.TestCommand
		}
		if len(c.TestReportGlobPatterns) == 0 {
			if len(m.Defaults.TestReportGlobPatterns) > 0 {
				c.TestReportGlobPatterns = append([]string(nil), m.Defaults.TestReportGlobPatterns...)
			} else {
				c.TestReportGlobPatterns = []string{DefaultReportPattern}
			}
		}
		if c.Dockerfile == "" {
			c.Dockerfile = m.Defaults.Dockerfile
		}
		c.Repository = strings.TrimSpace(c.Repository)
	}
}

// Keys returns the key of every Change in manifest order.
func (m *Manifest) Keys() []string {
	out := make([]string, len(m.Changes))
	for i := range m.Changes {
		out[i] = m.Changes[i].Key()
	}
	return out
}

// Lookup returns the Change with key.
func (m *Manifest) Lookup(key string) (*Change, bool) {
	for i := range m.Changes {
		if m.Changes[i].Key() == key {
			return &m.Changes[i], true
		}
	}
	return nil, false
}

// Select resolves keys against the manifest, preserving the order of keys.
// Every key must name a Change.
func (m *Manifest) Select(keys []string) ([]Change, error) {
	index := make(map[string]int, len(m.Changes))
	for i := range m.Changes {
		index[m.Changes[i].Key()] = i
	}

	out := make([]Change, 0, len(keys))
	var missing []string
	for _, k := range keys {
		i, ok := index[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out = append(out, m.Changes[i])
	}
	if len(missing) > 0 {
		return nil, &UnknownChangesError{Keys: missing}
	}
	return out, nil
}

// UnknownChangesError lists keys that name no Change in the manifest.
type UnknownChangesError struct {
	Keys []string
}

func (e *UnknownChangesError) Error() string {
	return "unknown changes: " + strings.Join(e.Keys, ", ")
}
