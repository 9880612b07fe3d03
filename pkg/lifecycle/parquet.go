package lifecycle

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/3leaps/tsroute/pkg/row"
)

// cell is one column value of one row, stored in long format so chunks with
// differing column sets share a single schema.
type cell struct {
	Row    int64  `parquet:"row"`
	Table  string `parquet:"table,dict"`
	Column string `parquet:"column,dict,optional"`
	Value  string `parquet:"value,optional"`
}

// EncodeChunk renders rows as a parquet file.
func EncodeChunk(rows []row.Row) ([]byte, error) {
	var cells []cell
	for i, r := range rows {
		if len(r.Columns) == 0 {
			cells = append(cells, cell{Row: int64(i), Table: r.Table})
			continue
		}
		for _, c := range r.Columns {
			cells = append(cells, cell{Row: int64(i), Table: r.Table, Column: c.Name, Value: c.Value})
		}
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, cells); err != nil {
		return nil, fmt.Errorf("encode parquet chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeChunk reads rows written by EncodeChunk.
func DecodeChunk(data []byte) ([]row.Row, error) {
	cells, err := parquet.Read[cell](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode parquet chunk: %w", err)
	}

	var rows []row.Row
	last := int64(-1)
	for _, c := range cells {
		if c.Row != last {
			rows = append(rows, row.Row{Table: c.Table})
			last = c.Row
		}
		if c.Column != "" {
			r := &rows[len(rows)-1]
			r.Columns = append(r.Columns, row.Column{Name: c.Column, Value: c.Value})
		}
	}
	return rows, nil
}
