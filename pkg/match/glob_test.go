package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		pattern string
		prefix  string
		literal bool
	}{
		{"cpu", "cpu", true},
		{"temp_*", "temp_", false},
		{"*_total", "", false},
		{"cpu_{a,b}", "cpu_", false},
		{`disk\*`, "disk*", true},
		{`net\[0\]_*`, "net[0]_", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			g, ok := compileGlob(tt.pattern)
			require.True(t, ok)
			assert.Equal(t, tt.prefix, g.prefix)
			assert.Equal(t, tt.literal, g.literal)
		})
	}

	_, ok := compileGlob("temp_[")
	assert.False(t, ok)
}

func TestTableGlob_Match(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"temp_*", "temp_outside", true},
		{"temp_*", "humidity", false},
		{"*_total", "requests_total", true},
		{"cpu_{a,b}", "cpu_b", true},
		{"cpu_{a,b}", "cpu_c", false},
		{`disk\*`, "disk*", true},
		{`disk\*`, "disk1", false},
		{"cpu", "cpu", true},
		{"cpu", "cpu2", false},
		{"m?m", "mem", true},
	}
	for _, tt := range tests {
		g, ok := compileGlob(tt.pattern)
		require.True(t, ok, tt.pattern)
		assert.Equal(t, tt.want, g.match(tt.name), "%s ~ %s", tt.pattern, tt.name)
	}
}

func TestFirstUnescapedMeta(t *testing.T) {
	assert.Equal(t, 5, firstUnescapedMeta("temp_*"))
	assert.Equal(t, 3, firstUnescapedMeta("cpu?"))
	assert.Equal(t, -1, firstUnescapedMeta(`disk\*`))
	assert.Equal(t, -1, firstUnescapedMeta("cpu"))
}
