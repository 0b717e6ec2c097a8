package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name      string
		classname string
		method    string
		want      string
	}{
		{"plain", "com.acme.FooTest", "testBar", "com.acme.FooTest#testBar"},
		{"parameterized index", "com.acme.FooTest", "testBar[1]", "com.acme.FooTest#testBar"},
		{"parameterized description", "com.acme.FooTest", "testBar[x=1, y=[2]]", "com.acme.FooTest#testBar"},
		{"junit5 display name", "com.acme.FooTest", "shouldWork()[2]", "com.acme.FooTest#shouldWork()"},
		{"empty classname", "", "testBar", "#testBar"},
		{"empty name", "com.acme.FooTest", "", "com.acme.FooTest#"},
		{"bracket only", "com.acme.FooTest", "[1]", "com.acme.FooTest#"},
		{"whitespace kept", " com.acme.FooTest", "testBar ", " com.acme.FooTest#testBar "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.classname, tt.method))
		})
	}
}

func TestTestSetAlgebra(t *testing.T) {
	a := NewTestSet("x", "y", "z")
	b := NewTestSet("y", "w")

	assert.Equal(t, []string{"w", "x", "y", "z"}, a.Union(b).Sorted())
	assert.Equal(t, []string{"y"}, a.Intersect(b).Sorted())
	assert.Equal(t, []string{"x", "z"}, a.Minus(b).Sorted())
	assert.Equal(t, []string{"w"}, b.Minus(a).Sorted())

	assert.True(t, NewTestSet("y").SubsetOf(a))
	assert.False(t, b.SubsetOf(a))
	assert.True(t, a.Equal(NewTestSet("z", "y", "x")))
	assert.False(t, a.Equal(b))

	// Operations never mutate their operands.
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestTestSetSortedNeverNil(t *testing.T) {
	got := NewTestSet().Sorted()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
