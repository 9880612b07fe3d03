package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tsroute/pkg/row"
)

func TestColumnCompiler_Compile(t *testing.T) {
	valid := []string{
		"host = 'a'",
		`host="a"`,
		"host = a",
		"host != 'a'",
		"host = 'a' AND region != 'west'",
		"host = 'a' and region = 'b c'",
	}
	for _, expr := range valid {
		t.Run("valid "+expr, func(t *testing.T) {
			p, err := ColumnCompiler{}.Compile(expr)
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}

	invalid := []string{
		"",
		"host",
		"host =",
		"= 'a'",
		"host 'a' 'b'",
		"host = 'a' region = 'b'",
		"host = 'a' AND",
		"host = 'unterminated",
		"host ! 'a'",
	}
	for _, expr := range invalid {
		t.Run("invalid "+expr, func(t *testing.T) {
			_, err := ColumnCompiler{}.Compile(expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPredicate)
		})
	}
}

func TestColumnCompiler_Eval(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		row      row.Row
		expected bool
	}{
		{"equal", "host = 'a'", row.New("cpu", "host", "a"), true},
		{"not equal value", "host = 'a'", row.New("cpu", "host", "b"), false},
		{"missing column never equals", "host = 'a'", row.New("cpu"), false},
		{"missing column differs", "host != 'a'", row.New("cpu"), true},
		{"negation", "host != 'a'", row.New("cpu", "host", "a"), false},
		{"conjunction true", "host = a AND dc = 'eu 1'", row.New("cpu", "host", "a", "dc", "eu 1"), true},
		{"conjunction false", "host = a AND dc = 'eu 1'", row.New("cpu", "host", "a", "dc", "us"), false},
		{"empty value", "host = ''", row.New("cpu", "host", ""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ColumnCompiler{}.Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Eval(tt.row))
		})
	}
}
