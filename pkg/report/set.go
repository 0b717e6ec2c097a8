// Package report parses JUnit/Surefire XML test reports into sets of test
// identifiers.
//
// A test identifier is "{classname}#{method}" with any bracketed
// parameterization suffix removed from the method, so repeated invocations
// of a parameterized test collapse to a single identity.
package report

import (
	"sort"
	"strings"
)

// TestSet is a set of test identifiers.
type TestSet map[string]struct{}

// NewTestSet returns a set holding ids.
func NewTestSet(ids ...string) TestSet {
	s := make(TestSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s TestSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s TestSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of identifiers.
func (s TestSet) Len() int {
	return len(s)
}

// Union returns s ∪ o as a new set.
func (s TestSet) Union(o TestSet) TestSet {
	out := make(TestSet, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns s ∩ o as a new set.
func (s TestSet) Intersect(o TestSet) TestSet {
	out := make(TestSet)
	for id := range s {
		if o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Minus returns s − o as a new set.
func (s TestSet) Minus(o TestSet) TestSet {
	out := make(TestSet)
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// SubsetOf reports whether every identifier in s is also in o.
func (s TestSet) SubsetOf(o TestSet) bool {
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same identifiers.
func (s TestSet) Equal(o TestSet) bool {
	return len(s) == len(o) && s.SubsetOf(o)
}

// Sorted returns the identifiers in lexical order. The result is never nil.
func (s TestSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Identifier builds the stable key for a test case from its classname and
// name attributes. Values are used as written; only the bracketed suffix
// of the name is dropped, so a name of "[1]" yields "Class#".
func Identifier(classname, name string) string {
	name, _, _ = strings.Cut(name, "[")
	return classname + "#" + name
}
