package entropy

import "bytes"

// Frequency resolution of every frozen table. Cumulative frequencies in a
// Table always sum to exactly rcTotal, which keeps the coder's interval
// arithmetic exact for any symbol the table can express.
const (
	rcPrecision = 16
	rcTotal     = 1 << rcPrecision
	rcTop       = 1 << 24
)

// rangeEncoder is a carry-propagating byte-oriented range coder. Pending
// bytes that could still receive a carry are held in cache/cacheSize and
// resolved by shiftLow once the carry is decided.
type rangeEncoder struct {
	low       uint64
	width     uint32
	cache     byte
	cacheSize int
	out       bytes.Buffer
}

func newRangeEncoder() *rangeEncoder {
	return &rangeEncoder{width: 0xFFFFFFFF, cacheSize: 1}
}

// encode narrows the interval to [start/total, (start+size)/total).
func (e *rangeEncoder) encode(start, size, total uint32) {
	e.width /= total
	e.low += uint64(start) * uint64(e.width)
	e.width *= size
	for e.width < rcTop {
		e.shiftLow()
		e.width <<= 8
	}
}

func (e *rangeEncoder) encodeBit(b uint32) {
	e.encode(b, 1, 2)
}

func (e *rangeEncoder) shiftLow() {
	if uint32(e.low) < 0xFF000000 || e.low>>32 != 0 {
		carry := byte(e.low >> 32)
		temp := e.cache
		for ; e.cacheSize > 0; e.cacheSize-- {
			e.out.WriteByte(temp + carry)
			temp = 0xFF
		}
		e.cache = byte(e.low >> 24)
	}
	e.cacheSize++
	e.low = uint64(uint32(e.low)) << 8
}

// finish flushes the remaining interval state and returns the stream. The
// first byte is the initial cache pad; the decoder skips it.
func (e *rangeEncoder) finish() []byte {
	for i := 0; i < 5; i++ {
		e.shiftLow()
	}
	return e.out.Bytes()
}

type rangeDecoder struct {
	code  uint32
	width uint32
	in    []byte
	pos   int
}

// newRangeDecoder primes the decoder from an encoder-produced stream.
// Reads past the end yield zero bytes, so a well-formed stream decodes the
// same number of symbols it encoded regardless of trailing truncation.
func newRangeDecoder(data []byte) *rangeDecoder {
	d := &rangeDecoder{width: 0xFFFFFFFF, pos: 1, in: data}
	for i := 0; i < 4; i++ {
		d.code = d.code<<8 | uint32(d.nextByte())
	}
	return d
}

func (d *rangeDecoder) nextByte() byte {
	if d.pos >= len(d.in) {
		return 0
	}
	b := d.in[d.pos]
	d.pos++
	return b
}

// decodeFreq returns the cumulative-frequency slot the next symbol falls
// into. The caller maps it to a symbol and confirms with decodeUpdate.
func (d *rangeDecoder) decodeFreq(total uint32) uint32 {
	d.width /= total
	f := d.code / d.width
	if f >= total {
		f = total - 1
	}
	return f
}

func (d *rangeDecoder) decodeUpdate(start, size uint32) {
	d.code -= start * d.width
	d.width *= size
	for d.width < rcTop {
		d.code = d.code<<8 | uint32(d.nextByte())
		d.width <<= 8
	}
}

func (d *rangeDecoder) decodeBit() uint32 {
	f := d.decodeFreq(2)
	d.decodeUpdate(f, 1)
	return f
}
