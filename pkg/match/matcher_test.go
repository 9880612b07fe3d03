package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tsroute/pkg/row"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		compiler    PredicateCompiler
		wantErr     error
		wantErrType interface{}
	}{
		{
			name: "empty config",
			cfg:  Config{},
		},
		{
			name: "valid regex",
			cfg:  Config{TableNameRegex: "^temp_"},
		},
		{
			name: "valid glob",
			cfg:  Config{TableNameGlob: "temp_*"},
		},
		{
			name:     "valid predicate",
			cfg:      Config{Predicate: "host = 'a'"},
			compiler: ColumnCompiler{},
		},
		{
			name:    "regex and glob",
			cfg:     Config{TableNameRegex: "^a", TableNameGlob: "a*"},
			wantErr: ErrConflictingPatterns,
		},
		{
			name:        "invalid regex",
			cfg:         Config{TableNameRegex: "(unclosed"},
			wantErrType: &PatternError{},
		},
		{
			name:        "invalid glob",
			cfg:         Config{TableNameGlob: "[invalid"},
			wantErrType: &PatternError{},
		},
		{
			name:    "predicate without compiler",
			cfg:     Config{Predicate: "host = 'a'"},
			wantErr: ErrNoCompiler,
		},
		{
			name:        "invalid predicate",
			cfg:         Config{Predicate: "host ="},
			compiler:    ColumnCompiler{},
			wantErrType: &PredicateError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg, tt.compiler)
			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Nil(t, m)
			case tt.wantErrType != nil:
				require.Error(t, err)
				assert.IsType(t, tt.wantErrType, err)
				assert.Nil(t, m)
			default:
				require.NoError(t, err)
				assert.NotNil(t, m)
			}
		})
	}
}

func TestNew_InvalidPatternIsSentinel(t *testing.T) {
	_, err := New(Config{TableNameRegex: "("}, nil)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{Predicate: "!"}, ColumnCompiler{})
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		row      row.Row
		expected bool
	}{
		{"empty matches everything", Config{}, row.New("anything"), true},
		{"regex prefix match", Config{TableNameRegex: "^temp_"}, row.New("temp_sensor"), true},
		{"regex prefix no match", Config{TableNameRegex: "^temp_"}, row.New("pressure"), false},
		{"regex unanchored", Config{TableNameRegex: "sensor"}, row.New("temp_sensor_2"), true},
		{"glob match", Config{TableNameGlob: "temp_*"}, row.New("temp_sensor"), true},
		{"glob whole name", Config{TableNameGlob: "temp"}, row.New("temp_sensor"), false},
		{"predicate match", Config{Predicate: "host = 'a'"}, row.New("cpu", "host", "a"), true},
		{"predicate no match", Config{Predicate: "host = 'a'"}, row.New("cpu", "host", "b"), false},
		{"pattern and predicate", Config{TableNameRegex: "^cpu$", Predicate: "host = a"}, row.New("cpu", "host", "a"), true},
		{"pattern fails first", Config{TableNameRegex: "^mem$", Predicate: "host = a"}, row.New("cpu", "host", "a"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg, ColumnCompiler{})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.Match(tt.row))
		})
	}
}

func TestMatcher_PatternShortCircuitsPredicate(t *testing.T) {
	calls := 0
	compiler := CompilerFunc(func(string) (Predicate, error) {
		return PredicateFunc(func(row.Row) bool {
			calls++
			return true
		}), nil
	})

	m, err := New(Config{TableNameRegex: "^temp_", Predicate: "opaque"}, compiler)
	require.NoError(t, err)

	assert.False(t, m.Match(row.New("pressure")))
	assert.Equal(t, 0, calls, "predicate must not run when the pattern fails")

	assert.True(t, m.Match(row.New("temp_x")))
	assert.Equal(t, 1, calls)
}

func TestMatcher_MatchesAll(t *testing.T) {
	m, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.True(t, m.MatchesAll())

	m, err = New(Config{TableNameGlob: "*"}, nil)
	require.NoError(t, err)
	assert.False(t, m.MatchesAll())
}
