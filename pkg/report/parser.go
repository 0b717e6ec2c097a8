package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"golang.org/x/net/html/charset"

	"github.com/3leaps/testshift/pkg/match"
)

// DefaultPatterns locates Maven Surefire reports in any module.
var DefaultPatterns = []string{"**/surefire-reports/*.xml"}

// Outcome is the parsed result of one test execution.
//
// Failed is always a subset of All.
type Outcome struct {
	// All holds every test case observed in the reports.
	All TestSet

	// Failed holds test cases with a <failure> or <error> child.
	Failed TestSet

	// Files is the number of report files that parsed successfully.
	Files int

	// Skipped lists report files that could not be parsed.
	Skipped []SkippedFile
}

// SkippedFile records a report that contributed nothing.
type SkippedFile struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// NewOutcome returns an empty Outcome.
func NewOutcome() *Outcome {
	return &Outcome{All: NewTestSet(), Failed: NewTestSet()}
}

// Passed returns All − Failed.
func (o *Outcome) Passed() TestSet {
	return o.All.Minus(o.Failed)
}

// Empty reports whether no test case was observed.
func (o *Outcome) Empty() bool {
	return o == nil || o.All.Len() == 0
}

// Parse collects every XML report under root matching patterns.
//
// Parsing is best-effort: a malformed file is recorded in Skipped and the
// remaining files are still parsed. The returned error is non-nil only when
// a pattern is invalid or the root cannot be inspected.
func Parse(root string, patterns []string) (*Outcome, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	files, err := match.ExpandFiles(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("expand report patterns: %w", err)
	}

	out := NewOutcome()
	for _, f := range files {
		if !match.IsXMLReport(f.Rel) {
			continue
		}
		all, failed, err := ParseFile(f.Path)
		if err != nil {
			out.Skipped = append(out.Skipped, SkippedFile{Path: f.Rel, Err: err.Error()})
			continue
		}
		out.Files++
		for id := range all {
			out.All.Add(id)
		}
		for id := range failed {
			out.Failed.Add(id)
		}
	}
	return out, nil
}

// ParseFile parses a single report file.
func ParseFile(path string) (all, failed TestSet, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseReader(f)
}

// Attributes are pointers so a missing attribute can be told apart from an
// empty one.
type testCase struct {
	Classname *string   `xml:"classname,attr"`
	Name      *string   `xml:"name,attr"`
	Failure   *struct{} `xml:"failure"`
	Error     *struct{} `xml:"error"`
}

// ParseReader parses one report document.
//
// The document is parsed completely before any identifier is returned, so a
// truncated or malformed report yields an error and no partial data.
func ParseReader(r io.Reader) (all, failed TestSet, err error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	all = NewTestSet()
	failed = NewTestSet()
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse report: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		if start.Name.Local != "testcase" {
			continue
		}

		var tc testCase
		if err := dec.DecodeElement(&tc, &start); err != nil {
			return nil, nil, fmt.Errorf("parse testcase: %w", err)
		}
		id := Identifier(attrOrMissing(tc.Classname), attrOrMissing(tc.Name))
		all.Add(id)
		if tc.Failure != nil || tc.Error != nil {
			failed.Add(id)
		}
	}

	if !sawRoot {
		return nil, nil, fmt.Errorf("parse report: no XML elements")
	}
	return all, failed, nil
}

// attrOrMissing renders an absent attribute as "?".
func attrOrMissing(v *string) string {
	if v == nil {
		return "?"
	}
	return *v
}
