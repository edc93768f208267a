package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizePMFSumsToTotal(t *testing.T) {
	cases := [][]float64{
		{0.5, 0.5},
		{0.9, 0.05, 0.05},
		{1e-12, 1 - 2e-12, 1e-12},
		{0.2, 0, -0.1, 0.8}, // zero and negative entries still get a slot
		{0, 0, 0},           // degenerate input still yields a valid table
	}
	for i, probs := range cases {
		quant := quantizePMF(probs)
		require.Len(t, quant, len(probs), "case %d", i)

		var total uint32
		for _, q := range quant {
			assert.GreaterOrEqual(t, q, uint32(1), "case %d", i)
			total += q
		}
		assert.Equal(t, uint32(rcTotal), total, "case %d", i)
	}
}

func TestBuildTableValidates(t *testing.T) {
	tbl := buildTable([]float64{0.1, 0.6, 0.2, 0.1}, -1)
	require.NoError(t, tbl.Validate())
	assert.Equal(t, 3, tbl.regular())
	assert.Equal(t, int32(-1), tbl.Offset)
	assert.Equal(t, uint32(0), tbl.CDF[0])
	assert.Equal(t, uint32(rcTotal), tbl.CDF[len(tbl.CDF)-1])
}

func TestTableValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		tbl  Table
	}{
		{"too short", Table{CDF: []uint32{0, rcTotal}}},
		{"nonzero start", Table{CDF: []uint32{1, 10, rcTotal}}},
		{"flat step", Table{CDF: []uint32{0, 10, 10, rcTotal}}},
		{"wrong end", Table{CDF: []uint32{0, 10, rcTotal - 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.tbl.Validate())
		})
	}
}

func TestEncodeValueOverflowEdges(t *testing.T) {
	// Window covers -2..2, everything else takes the escape path.
	tbl := buildTable([]float64{0.1, 0.2, 0.3, 0.2, 0.1, 0.1}, -2)
	values := []int32{-40000, -41, -3, -2, -1, 0, 1, 2, 3, 57, 40000}

	enc := newRangeEncoder()
	for _, v := range values {
		encodeValue(enc, &tbl, v)
	}
	dec := newRangeDecoder(enc.finish())
	for _, want := range values {
		assert.Equal(t, want, decodeValue(dec, &tbl))
	}
}

func TestEmptyStreamFlush(t *testing.T) {
	enc := newRangeEncoder()
	data := enc.finish()
	assert.Len(t, data, 5)
}
