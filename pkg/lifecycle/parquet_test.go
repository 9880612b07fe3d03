package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tsroute/pkg/row"
)

func TestChunkEncoding(t *testing.T) {
	rows := []row.Row{
		row.New("cpu", "host", "a", "usage", "0.5"),
		row.New("cpu"),
		row.New("mem", "free", ""),
	}
	data, err := EncodeChunk(rows)
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))

	back, err := DecodeChunk(data)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, rows[0], back[0])
	assert.Equal(t, "cpu", back[1].Table)
	assert.Empty(t, back[1].Columns)
	assert.Equal(t, []row.Column{{Name: "free", Value: ""}}, back[2].Columns)
}

func TestDecodeChunk_Invalid(t *testing.T) {
	_, err := DecodeChunk([]byte("not parquet"))
	assert.Error(t, err)
}
