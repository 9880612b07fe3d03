// Package match evaluates routing matchers against rows.
//
// A matcher combines an optional table-name pattern (RE2 regex or doublestar
// glob) with an optional row predicate. Patterns and predicates are compiled
// when a routing configuration is loaded, so a Matcher never meets an invalid
// expression at match time.
package match

import (
	"errors"
	"regexp"

	"github.com/3leaps/tsroute/pkg/row"
)

// Matcher evaluates a table-name pattern and a row predicate.
//
// Empty dimensions match everything. The Matcher is immutable and safe for
// concurrent use after creation.
type Matcher struct {
	regex     *regexp.Regexp
	glob      *tableGlob
	predicate Predicate
}

// Config configures a Matcher.
type Config struct {
	// TableNameRegex is an RE2 expression the table name must match.
	// Unanchored: use ^ and $ for whole-name matches.
	TableNameRegex string `json:"table_name_regex,omitempty" yaml:"table_name_regex,omitempty"`

	// TableNameGlob is a doublestar glob the whole table name must match.
	// Mutually exclusive with TableNameRegex.
	TableNameGlob string `json:"table_name_glob,omitempty" yaml:"table_name_glob,omitempty"`

	// Predicate is an expression over the row's columns, compiled by the
	// configured PredicateCompiler.
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Errors returned when building a Matcher.
var (
	// ErrInvalidPattern is returned when a table-name pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid table name pattern")

	// ErrConflictingPatterns is returned when both a regex and a glob are set.
	ErrConflictingPatterns = errors.New("table_name_regex and table_name_glob are mutually exclusive")

	// ErrNoCompiler is returned when a predicate is set but no compiler is available.
	ErrNoCompiler = errors.New("predicate set but no predicate compiler configured")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from cfg.
//
// compiler is used only when cfg.Predicate is non-empty; passing nil with a
// predicate set returns ErrNoCompiler.
func New(cfg Config, compiler PredicateCompiler) (*Matcher, error) {
	m := &Matcher{}

	if cfg.TableNameRegex != "" && cfg.TableNameGlob != "" {
		return nil, ErrConflictingPatterns
	}

	if cfg.TableNameRegex != "" {
		re, err := regexp.Compile(cfg.TableNameRegex)
		if err != nil {
			return nil, &PatternError{Pattern: cfg.TableNameRegex, Err: errors.Join(ErrInvalidPattern, err)}
		}
		m.regex = re
	}

	if cfg.TableNameGlob != "" {
		g, ok := compileGlob(cfg.TableNameGlob)
		if !ok {
			return nil, &PatternError{Pattern: cfg.TableNameGlob, Err: ErrInvalidPattern}
		}
		m.glob = g
	}

	if cfg.Predicate != "" {
		if compiler == nil {
			return nil, ErrNoCompiler
		}
		p, err := compiler.Compile(cfg.Predicate)
		if err != nil {
			return nil, &PredicateError{Expr: cfg.Predicate, Err: err}
		}
		m.predicate = p
	}

	return m, nil
}

// Match reports whether r satisfies the matcher.
//
// The table-name pattern is checked first; when it fails the predicate is
// not evaluated.
func (m *Matcher) Match(r row.Row) bool {
	if m.regex != nil && !m.regex.MatchString(r.Table) {
		return false
	}
	if m.glob != nil && !m.glob.match(r.Table) {
		return false
	}
	if m.predicate != nil {
		return m.predicate.Eval(r)
	}
	return true
}

// MatchesAll reports whether the matcher has no constraints at all.
func (m *Matcher) MatchesAll() bool {
	return m.regex == nil && m.glob == nil && m.predicate == nil
}
