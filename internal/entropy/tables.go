package entropy

import (
	"fmt"
	"math"
	"math/bits"
)

// Table is one frozen integer distribution. Symbol s owns the cumulative
// range [CDF[s], CDF[s+1]); regular symbols map to the values
// Offset..Offset+n-1 and the final symbol is an escape that switches to an
// Elias-gamma overflow code for everything outside that window. Tables are
// immutable once built and safe to share across goroutines.
type Table struct {
	CDF    []uint32
	Offset int32
}

// regular returns the number of non-escape symbols.
func (t *Table) regular() int {
	return len(t.CDF) - 2
}

// find returns the symbol owning cumulative slot f.
func (t *Table) find(f uint32) int {
	lo, hi := 0, len(t.CDF)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if t.CDF[mid] <= f {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// Validate checks the structural invariants of a deserialized table.
func (t *Table) Validate() error {
	if len(t.CDF) < 3 {
		return fmt.Errorf("table needs at least one regular symbol, got %d entries", len(t.CDF))
	}
	if t.CDF[0] != 0 {
		return fmt.Errorf("table cdf must start at 0, got %d", t.CDF[0])
	}
	for i := 1; i < len(t.CDF); i++ {
		if t.CDF[i] <= t.CDF[i-1] {
			return fmt.Errorf("table cdf not strictly increasing at symbol %d", i-1)
		}
	}
	if last := t.CDF[len(t.CDF)-1]; last != rcTotal {
		return fmt.Errorf("table cdf must end at %d, got %d", rcTotal, last)
	}
	return nil
}

// buildTable quantizes a probability vector to rcPrecision bits. The input
// covers the regular symbols plus one trailing escape mass; every symbol
// receives at least one frequency slot so any value stays codable.
func buildTable(probs []float64, offset int32) Table {
	quant := quantizePMF(probs)
	cdf := make([]uint32, len(quant)+1)
	var c uint32
	for i, q := range quant {
		cdf[i] = c
		c += q
	}
	cdf[len(quant)] = c
	return Table{CDF: cdf, Offset: offset}
}

func quantizePMF(probs []float64) []uint32 {
	n := len(probs)
	var sum float64
	for _, p := range probs {
		if p > 0 {
			sum += p
		}
	}

	quant := make([]uint32, n)
	var total uint32
	for i, p := range probs {
		var q uint32 = 1
		if sum > 0 && p > 0 {
			if q = uint32(math.Round(p / sum * rcTotal)); q == 0 {
				q = 1
			}
		}
		quant[i] = q
		total += q
	}

	// Redistribute the rounding error through the largest entries, which
	// perturbs the encoded lengths least.
	for total != rcTotal {
		i := argmaxU32(quant)
		if total < rcTotal {
			quant[i] += rcTotal - total
			total = rcTotal
		} else {
			take := total - rcTotal
			if room := quant[i] - 1; take > room {
				take = room
			}
			quant[i] -= take
			total -= take
		}
	}
	return quant
}

func argmaxU32(v []uint32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// encodeValue codes one integer against a table, escaping to the overflow
// code when the value falls outside the table's regular window.
func encodeValue(e *rangeEncoder, t *Table, v int32) {
	s := int(v) - int(t.Offset)
	reg := t.regular()
	if s >= 0 && s < reg {
		e.encode(t.CDF[s], t.CDF[s+1]-t.CDF[s], rcTotal)
		return
	}
	e.encode(t.CDF[reg], t.CDF[reg+1]-t.CDF[reg], rcTotal)

	// Fold both overflow directions onto positive integers, odd above the
	// window and even below, then gamma-code.
	var u uint32
	if s >= reg {
		u = uint32(2*(s-reg) + 1)
	} else {
		u = uint32(-2 * s)
	}
	encodeGamma(e, u)
}

// decodeValue is the exact inverse of encodeValue for the same table.
func decodeValue(d *rangeDecoder, t *Table) int32 {
	s := t.find(d.decodeFreq(rcTotal))
	d.decodeUpdate(t.CDF[s], t.CDF[s+1]-t.CDF[s])
	reg := t.regular()
	if s < reg {
		return t.Offset + int32(s)
	}
	u := decodeGamma(d)
	if u&1 == 1 {
		return t.Offset + int32(reg) + int32(u/2)
	}
	return t.Offset - int32(u/2)
}

// encodeGamma writes u >= 1 as bits.Len(u)-1 zeros followed by the binary
// digits of u, each bit coded against a uniform binary split.
func encodeGamma(e *rangeEncoder, u uint32) {
	n := bits.Len32(u) - 1
	for i := 0; i < n; i++ {
		e.encodeBit(0)
	}
	for i := n; i >= 0; i-- {
		e.encodeBit(u >> i & 1)
	}
}

func decodeGamma(d *rangeDecoder) uint32 {
	n := 0
	for d.decodeBit() == 0 {
		if n++; n >= 32 {
			// corrupt stream, bail with the largest codable magnitude
			return math.MaxUint32
		}
	}
	u := uint32(1)
	for i := 0; i < n; i++ {
		u = u<<1 | d.decodeBit()
	}
	return u
}
