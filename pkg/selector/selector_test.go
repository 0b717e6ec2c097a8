package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTestPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"src/test/java/FooTest.java", true},
		{"module/tests/data.json", true},
		{"src/main/java/FooTest.java", true},
		{"src/main/java/FooIT.java", true},
		{"src/main/java/Foo.java", false},
		{"README.md", false},
		{"SRC/TEST/Foo.java", true},
		{"src/main/java/Contest.java", true},
		{"src/main/java/Unit.java", true},
		{"src/main/java/Tester.java", false},
		{"src/main/java/Protest.JAVA", true},
		{"src\\test\\Foo.java", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTestPath(tt.path))
		})
	}
}

func TestTestPaths(t *testing.T) {
	got := TestPaths([]string{"src/main/A.java", "src/test/ATest.java", "pom.xml", "it/BarIT.java"})
	assert.Equal(t, []string{"src/test/ATest.java", "it/BarIT.java"}, got)
	assert.Nil(t, TestPaths([]string{"pom.xml"}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		kind Kind
		name string
	}{
		{"src/test/java/a/FooTest.java", Unit, "FooTest"},
		{"src/test/java/a/FooIT.java", Integration, "FooIT"},
		{"src/test/java/a/ITHelpers.java", Integration, "ITHelpers"},
		{"src/test/resources/data.json", Ignored, "data.json"},
		{"src/test/java/a/Helper.java", Ignored, "Helper.java"},
		{"src/test/java/a/FooTest.kt", Ignored, "FooTest.kt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, name := Classify(tt.path)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestResolve(t *testing.T) {
	const tmpl = "mvn -Dtest=<unit_tests> -Dit.test=<integration_tests> verify"

	t.Run("mixed selection", func(t *testing.T) {
		cmd, sel := Resolve(tmpl, []string{
			"src/test/java/FooTest.java",
			"src/test/java/BarIT.java",
			"src/test/resources/x.json",
			"src/test/java/BazTest.java",
		})
		assert.Equal(t, "mvn -Dtest=FooTest,BazTest -Dit.test=BarIT verify", cmd)
		assert.Equal(t, []string{"FooTest", "BazTest"}, sel.Unit)
		assert.Equal(t, []string{"BarIT"}, sel.Integration)
		assert.Equal(t, []string{"src/test/resources/x.json"}, sel.Ignored)
	})

	t.Run("sentinels when empty", func(t *testing.T) {
		cmd, sel := Resolve(tmpl, []string{"src/test/resources/x.json"})
		assert.Equal(t, "mvn -Dtest=NO_UNIT_TESTS -Dit.test=NO_INTEGRATION_TESTS verify", cmd)
		assert.Empty(t, sel.Unit)
		assert.Empty(t, sel.Integration)
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		cmd, _ := Resolve("run <unit_tests>", []string{"a/test/FooTest.java", "b/test/FooTest.java"})
		assert.Equal(t, "run FooTest", cmd)
	})

	t.Run("no placeholders unchanged", func(t *testing.T) {
		cmd, sel := Resolve("mvn test", []string{"src/test/java/FooTest.java"})
		assert.Equal(t, "mvn test", cmd)
		assert.Equal(t, []string{"FooTest"}, sel.Unit)
	})

	t.Run("no test paths", func(t *testing.T) {
		cmd, _ := Resolve(tmpl, nil)
		assert.Equal(t, "mvn -Dtest=NO_UNIT_TESTS -Dit.test=NO_INTEGRATION_TESTS verify", cmd)
	})
}

func TestHasPlaceholders(t *testing.T) {
	assert.True(t, HasPlaceholders("mvn -Dtest=<unit_tests>"))
	assert.True(t, HasPlaceholders("mvn -Dit.test=<integration_tests>"))
	assert.False(t, HasPlaceholders("mvn test"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "unit", Unit.String())
	assert.Equal(t, "integration", Integration.String())
	assert.Equal(t, "ignored", Ignored.String())
}
