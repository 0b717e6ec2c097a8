// Package classify runs a Change through its working-tree states and labels
// every observed test as fail-to-pass, ignore-to-pass, or pass-to-pass.
package classify

import (
	"fmt"
	"strings"

	"github.com/3leaps/testshift/pkg/report"
)

// Protocol selects which states contribute to the pre-existing failure set.
type Protocol string

const (
	// ThreeState runs base, head, and overlay; pre = failed(base) ∪ failed(head).
	ThreeState Protocol = "three-state"

	// TwoState runs head and overlay; pre = failed(head).
	TwoState Protocol = "two-state"
)

// DefaultProtocol is used when none is configured.
const DefaultProtocol = ThreeState

// ParseProtocol parses a protocol name. Empty selects DefaultProtocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultProtocol, nil
	case ThreeState, "three", "3":
		return ThreeState, nil
	case TwoState, "two", "2":
		return TwoState, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want %s or %s)", s, ThreeState, TwoState)
	}
}

// RunsBase reports whether the protocol executes the base state.
func (p Protocol) RunsBase() bool {
	return p != TwoState
}

// Labels are the classified test identifiers of one Change, each sorted.
type Labels struct {
	Fail2Pass   []string `json:"fail2pass"`
	Ignore2Pass []string `json:"ignore2pass"`
	Pass2Pass   []string `json:"pass2pass"`
}

// Sets holds the intermediate sets of a classification.
type Sets struct {
	Pre         report.TestSet
	Fail2Pass   report.TestSet
	Ignore2Pass report.TestSet
	Pass2Pass   report.TestSet
}

// Labels returns the sorted form of the sets.
func (s Sets) Labels() *Labels {
	return &Labels{
		Fail2Pass:   s.Fail2Pass.Sorted(),
		Ignore2Pass: s.Ignore2Pass.Sorted(),
		Pass2Pass:   s.Pass2Pass.Sorted(),
	}
}

// Compute applies the classification rule:
//
//	fail2pass   = failed(overlay) − pre
//	ignore2pass = failed(overlay) ∩ pre
//	pass2pass   = all(overlay) − failed(overlay)
//
// base is ignored under TwoState and may be nil. A nil outcome is treated
// as empty.
func Compute(p Protocol, base, head, overlay *report.Outcome) Sets {
	pre := failedOf(head)
	if p.RunsBase() {
		pre = pre.Union(failedOf(base))
	}

	overlayFailed := failedOf(overlay)
	overlayAll := report.NewTestSet()
	if overlay != nil && overlay.All != nil {
		overlayAll = overlay.All
	}

	return Sets{
		Pre:         pre,
		Fail2Pass:   overlayFailed.Minus(pre),
		Ignore2Pass: overlayFailed.Intersect(pre),
		Pass2Pass:   overlayAll.Minus(overlayFailed),
	}
}

func failedOf(o *report.Outcome) report.TestSet {
	if o == nil || o.Failed == nil {
		return report.NewTestSet()
	}
	return o.Failed
}
