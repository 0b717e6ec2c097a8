package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"whitespace only", "   ", ""},
		{"surefire default", "**/surefire-reports/*.xml", "**/surefire-reports/*.xml"},

		// Backslash to forward slash conversion (Windows compat)
		{"backslashes converted", "target\\surefire-reports\\x.xml", "target/surefire-reports/x.xml"},
		{"mixed slashes", "target\\surefire-reports/x.xml", "target/surefire-reports/x.xml"},
		{"trailing backslash", "target\\reports\\", "target/reports/"},

		// Escape sequences preserved
		{"escaped asterisk", "reports/TEST-\\*.xml", "reports/TEST-\\*.xml"},
		{"escaped bracket", "reports/file\\[0-9\\].xml", "reports/file\\[0-9\\].xml"},
		{"escaped backslash", "reports/a\\\\b.xml", "reports/a\\\\b.xml"},

		// Leading ./ dropped
		{"dot slash", "./build/test-results/**", "build/test-results/**"},
		{"repeated dot slash", "././build/**", "build/**"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePattern(tt.input))
		})
	}
}

func TestIsXMLReport(t *testing.T) {
	assert.True(t, IsXMLReport("target/surefire-reports/TEST-a.xml"))
	assert.True(t, IsXMLReport("TEST-a.XML"))
	assert.False(t, IsXMLReport("target/surefire-reports/a.txt"))
	assert.False(t, IsXMLReport("target/surefire-reports"))
}

func BenchmarkNormalizePattern(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NormalizePattern("module\\target\\surefire-reports\\TEST-*.xml")
	}
}
