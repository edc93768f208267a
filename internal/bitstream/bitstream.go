// Package bitstream defines the on-disk container for compressed images:
// a magic and version header, the tensor shape metadata, then the
// hyperprior stream and the per-slice streams, each length-prefixed.
// All integers are unsigned varints.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MeKo-Tech/charm/internal/codec"
)

// Extension is the canonical file extension for packed bitstreams.
const Extension = ".charm"

var magic = []byte("CHRM")

const formatVersion = 1

// maxDim bounds decoded shape metadata so a corrupt header cannot force
// absurd allocations downstream.
const maxDim = 1 << 20

var (
	ErrBadMagic   = errors.New("not a charm bitstream")
	ErrBadVersion = errors.New("unsupported bitstream version")
)

// Pack serializes a compressed image into a self-contained byte stream.
func Pack(c *codec.Compressed) []byte {
	out := make([]byte, 0, packedSizeHint(c))
	out = append(out, magic...)
	out = append(out, formatVersion)
	for _, d := range []int{c.XHeight, c.XWidth, c.YHeight, c.YWidth, c.ZHeight, c.ZWidth} {
		out = binary.AppendUvarint(out, uint64(d))
	}
	out = binary.AppendUvarint(out, uint64(len(c.ZStream)))
	out = append(out, c.ZStream...)
	out = binary.AppendUvarint(out, uint64(len(c.SliceStreams)))
	for _, s := range c.SliceStreams {
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	return out
}

func packedSizeHint(c *codec.Compressed) int {
	n := len(magic) + 1 + 8*binary.MaxVarintLen32 + len(c.ZStream)
	for _, s := range c.SliceStreams {
		n += binary.MaxVarintLen32 + len(s)
	}
	return n
}

// Unpack parses a packed bitstream back into its parts. It validates the
// header and that every length prefix fits the remaining data.
func Unpack(data []byte) (*codec.Compressed, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrBadMagic
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	r := bytes.NewReader(data[len(magic)+1:])

	dims := make([]int, 6)
	for i := range dims {
		d, err := readDim(r)
		if err != nil {
			return nil, err
		}
		dims[i] = d
	}

	zStream, err := readStream(r)
	if err != nil {
		return nil, fmt.Errorf("hyperprior stream: %w", err)
	}

	numSlices, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("slice count: %w", err)
	}
	if numSlices > uint64(r.Len()) {
		return nil, fmt.Errorf("slice count %d exceeds remaining data", numSlices)
	}
	slices := make([][]byte, numSlices)
	for i := range slices {
		slices[i], err = readStream(r)
		if err != nil {
			return nil, fmt.Errorf("slice stream %d: %w", i, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after last stream", r.Len())
	}

	return &codec.Compressed{
		XHeight: dims[0], XWidth: dims[1],
		YHeight: dims[2], YWidth: dims[3],
		ZHeight: dims[4], ZWidth: dims[5],
		ZStream:      zStream,
		SliceStreams: slices,
	}, nil
}

func readDim(r *bytes.Reader) (int, error) {
	d, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("shape metadata: %w", err)
	}
	if d == 0 || d > maxDim {
		return 0, fmt.Errorf("shape dimension %d out of range", d)
	}
	return int(d), nil
}

func readStream(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("stream length %d exceeds remaining %d bytes", n, r.Len())
	}
	s := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WriteFile packs c and writes it to path.
func WriteFile(path string, c *codec.Compressed) error {
	return os.WriteFile(path, Pack(c), 0o600)
}

// ReadFile reads and unpacks the bitstream at path.
func ReadFile(path string) (*codec.Compressed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unpack(data)
}
