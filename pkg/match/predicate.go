package match

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/3leaps/tsroute/pkg/row"
)

// Predicate evaluates a compiled row expression.
//
// Implementations must be safe for concurrent use.
type Predicate interface {
	Eval(r row.Row) bool
}

// PredicateCompiler turns a predicate expression into a Predicate.
//
// The router treats the expression language as opaque; any engine can be
// plugged in by implementing this interface.
type PredicateCompiler interface {
	Compile(expr string) (Predicate, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(r row.Row) bool

// Eval calls f(r).
func (f PredicateFunc) Eval(r row.Row) bool { return f(r) }

// CompilerFunc adapts a function to the PredicateCompiler interface.
type CompilerFunc func(expr string) (Predicate, error)

// Compile calls f(expr).
func (f CompilerFunc) Compile(expr string) (Predicate, error) { return f(expr) }

// ErrInvalidPredicate is returned by ColumnCompiler for malformed expressions.
var ErrInvalidPredicate = errors.New("invalid predicate")

// PredicateError wraps predicate compilation failures with the expression.
type PredicateError struct {
	Expr string
	Err  error
}

func (e *PredicateError) Error() string {
	return "predicate " + e.Expr + ": " + e.Err.Error()
}

func (e *PredicateError) Unwrap() error {
	return e.Err
}

// ColumnCompiler is the built-in predicate language: a conjunction of column
// comparisons.
//
//	host = 'a' AND region != "west"
//
// Values may be single-quoted, double-quoted or bare words. A missing column
// never equals a value and always differs from one.
type ColumnCompiler struct{}

// Compile parses expr.
func (ColumnCompiler) Compile(expr string) (Predicate, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidPredicate)
	}

	var clauses []comparison
	for i := 0; i < len(toks); {
		if len(toks)-i < 3 {
			return nil, fmt.Errorf("%w: incomplete comparison near %q", ErrInvalidPredicate, toks[i].text)
		}
		col, op, val := toks[i], toks[i+1], toks[i+2]
		if col.kind != tokWord {
			return nil, fmt.Errorf("%w: expected column name, got %q", ErrInvalidPredicate, col.text)
		}
		if op.kind != tokOp {
			return nil, fmt.Errorf("%w: expected = or !=, got %q", ErrInvalidPredicate, op.text)
		}
		if val.kind != tokWord && val.kind != tokString {
			return nil, fmt.Errorf("%w: expected value, got %q", ErrInvalidPredicate, val.text)
		}
		clauses = append(clauses, comparison{column: col.text, negate: op.text == "!=", value: val.text})
		i += 3

		if i == len(toks) {
			break
		}
		if toks[i].kind != tokWord || !strings.EqualFold(toks[i].text, "and") {
			return nil, fmt.Errorf("%w: expected AND, got %q", ErrInvalidPredicate, toks[i].text)
		}
		i++
		if i == len(toks) {
			return nil, fmt.Errorf("%w: dangling AND", ErrInvalidPredicate)
		}
	}

	return conjunction(clauses), nil
}

type comparison struct {
	column string
	negate bool
	value  string
}

func (c comparison) eval(r row.Row) bool {
	v, ok := r.Value(c.column)
	if c.negate {
		return !ok || v != c.value
	}
	return ok && v == c.value
}

type conjunction []comparison

func (c conjunction) Eval(r row.Row) bool {
	for _, cmp := range c {
		if !cmp.eval(r) {
			return false
		}
	}
	return true
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case r == '!':
			if i+1 >= len(rs) || rs[i+1] != '=' {
				return nil, fmt.Errorf("%w: unexpected '!' at offset %d", ErrInvalidPredicate, i)
			}
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case r == '\'' || r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != r {
				end++
			}
			if end >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrInvalidPredicate, i)
			}
			toks = append(toks, token{tokString, string(rs[i+1 : end])})
			i = end + 1
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && rs[i] != '=' && rs[i] != '!' && rs[i] != '\'' && rs[i] != '"' {
				i++
			}
			toks = append(toks, token{tokWord, string(rs[start:i])})
		}
	}
	return toks, nil
}
