// Package match expands report glob patterns against a working tree using
// doublestar semantics.
//
// Patterns are relative to the repository root and use forward slashes. A
// pattern such as "**/surefire-reports/*.xml" matches report files at any
// depth, including nested Maven modules.
package match

import (
	"path"
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Normalization rules:
//   - Unescaped backslashes converted to forward slashes (Windows compat)
//   - Escaped backslashes and glob metacharacters preserved (\*, \?, \[, etc.)
//   - A leading "./" is dropped; patterns are always repository-relative
//
// Examples:
//
//	"**/surefire-reports/*.xml"    → "**/surefire-reports/*.xml"
//	"target\surefire-reports\*"    → "target/surefire-reports/*"
//	"./build/test-results/**"      → "build/test-results/**"
//	"reports/TEST-\*.xml"          → "reports/TEST-\*.xml"
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' {
			if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
				b.WriteRune('\\')
				b.WriteRune(runes[i+1])
				i++
				continue
			}
			b.WriteRune('/')
			continue
		}
		b.WriteRune(r)
	}

	out := b.String()
	for strings.HasPrefix(out, "./") {
		out = strings.TrimPrefix(out, "./")
	}
	return out
}

// IsXMLReport reports whether a matched path looks like an XML report file.
func IsXMLReport(p string) bool {
	return strings.EqualFold(path.Ext(p), ".xml")
}
