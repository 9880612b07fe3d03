// Package row defines the unit of routing: one measurement line with a table
// name and an ordered set of named column values.
//
// Rows are produced by the line-protocol parser upstream; this package only
// models them and renders batches for delivery.
package row

import (
	"bytes"
	"strings"
)

// Column is a single named value on a row.
type Column struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Row is one measurement record.
//
// Columns keep the order in which the parser produced them. Column names are
// expected to be unique; when they are not, Value returns the first.
type Row struct {
	Table   string   `json:"table" yaml:"table"`
	Columns []Column `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// New builds a row from a table name and alternating name/value pairs.
// A trailing name without a value is ignored.
func New(table string, pairs ...string) Row {
	r := Row{Table: table}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Columns = append(r.Columns, Column{Name: pairs[i], Value: pairs[i+1]})
	}
	return r
}

// Value returns the value of the named column.
func (r Row) Value(name string) (string, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no column storage with r.
func (r Row) Clone() Row {
	if r.Columns != nil {
		r.Columns = append([]Column(nil), r.Columns...)
	}
	return r
}

// EncodeBatch renders rows as newline-delimited line-protocol text:
//
//	table col=value,col=value
//
// Spaces, commas, equals signs and backslashes in identifiers and values are
// backslash-escaped. Rows without columns render as the bare table name.
func EncodeBatch(rows []Row) []byte {
	var buf bytes.Buffer
	for _, r := range rows {
		buf.WriteString(escape(r.Table))
		for i, c := range r.Columns {
			if i == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteByte(',')
			}
			buf.WriteString(escape(c.Name))
			buf.WriteByte('=')
			buf.WriteString(escape(c.Value))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

var escaper = strings.NewReplacer(`\`, `\\`, " ", `\ `, ",", `\,`, "=", `\=`, "\n", `\n`)

func escape(s string) string {
	return escaper.Replace(s)
}
