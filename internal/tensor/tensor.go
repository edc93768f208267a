package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense float32 tensor in NHWC layout, the native layout of the
// compression pipeline (batch, height, width, channels).
type Tensor struct {
	Data []float32
	N    int
	H    int
	W    int
	C    int
}

// New allocates a zeroed tensor with the given shape.
func New(n, h, w, c int) *Tensor {
	return &Tensor{
		Data: make([]float32, n*h*w*c),
		N:    n, H: h, W: w, C: c,
	}
}

// FromData wraps an existing slice. The slice is not copied.
func FromData(data []float32, n, h, w, c int) (*Tensor, error) {
	if data == nil {
		return nil, errors.New("nil data")
	}
	if len(data) != n*h*w*c {
		return nil, fmt.Errorf("data length %d does not match shape [%d %d %d %d]", len(data), n, h, w, c)
	}
	return &Tensor{Data: data, N: n, H: h, W: w, C: c}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return t.N * t.H * t.W * t.C }

// Pixels returns the spatial element count of one batch element (H*W).
func (t *Tensor) Pixels() int { return t.H * t.W }

// Index returns the flat offset of (n, h, w, c).
func (t *Tensor) Index(n, h, w, c int) int {
	return ((n*t.H+h)*t.W+w)*t.C + c
}

// At reads the element at (n, h, w, c). Out-of-range indices panic.
func (t *Tensor) At(n, h, w, c int) float32 {
	return t.Data[t.Index(n, h, w, c)]
}

// Set writes the element at (n, h, w, c).
func (t *Tensor) Set(n, h, w, c int, v float32) {
	t.Data[t.Index(n, h, w, c)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.N, t.H, t.W, t.C)
	copy(out.Data, t.Data)
	return out
}

// ZerosLike returns a zeroed tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.N, t.H, t.W, t.C)
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.N == o.N && t.H == o.H && t.W == o.W && t.C == o.C
}

// ShapeString renders the shape for error and log messages.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("[%d %d %d %d]", t.N, t.H, t.W, t.C)
}

// ChannelRange copies channels [from, to) into a new tensor.
func (t *Tensor) ChannelRange(from, to int) (*Tensor, error) {
	if from < 0 || to > t.C || from >= to {
		return nil, fmt.Errorf("channel range [%d:%d) outside 0..%d", from, to, t.C)
	}
	out := New(t.N, t.H, t.W, to-from)
	for n := 0; n < t.N; n++ {
		for h := 0; h < t.H; h++ {
			for w := 0; w < t.W; w++ {
				src := t.Index(n, h, w, from)
				dst := out.Index(n, h, w, 0)
				copy(out.Data[dst:dst+to-from], t.Data[src:src+to-from])
			}
		}
	}
	return out, nil
}

// SplitChannels partitions the channel axis into groups equal parts.
func (t *Tensor) SplitChannels(groups int) ([]*Tensor, error) {
	if groups <= 0 || t.C%groups != 0 {
		return nil, fmt.Errorf("cannot split %d channels into %d groups", t.C, groups)
	}
	size := t.C / groups
	out := make([]*Tensor, groups)
	for g := 0; g < groups; g++ {
		part, err := t.ChannelRange(g*size, (g+1)*size)
		if err != nil {
			return nil, err
		}
		out[g] = part
	}
	return out, nil
}

// ConcatChannels joins tensors along the channel axis. All parts must share
// N, H and W.
func ConcatChannels(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	first := parts[0]
	total := 0
	for i, p := range parts {
		if p.N != first.N || p.H != first.H || p.W != first.W {
			return nil, fmt.Errorf("part %d has shape %s, want spatial dims of %s", i, p.ShapeString(), first.ShapeString())
		}
		total += p.C
	}
	out := New(first.N, first.H, first.W, total)
	for n := 0; n < first.N; n++ {
		for h := 0; h < first.H; h++ {
			for w := 0; w < first.W; w++ {
				dst := out.Index(n, h, w, 0)
				for _, p := range parts {
					src := p.Index(n, h, w, 0)
					copy(out.Data[dst:dst+p.C], p.Data[src:src+p.C])
					dst += p.C
				}
			}
		}
	}
	return out, nil
}

// CropSpatial trims the spatial dims to (h, w), keeping the top-left corner.
// Returns the receiver unchanged when nothing needs trimming.
func (t *Tensor) CropSpatial(h, w int) *Tensor {
	if h >= t.H && w >= t.W {
		return t
	}
	if h > t.H {
		h = t.H
	}
	if w > t.W {
		w = t.W
	}
	out := New(t.N, h, w, t.C)
	for n := 0; n < t.N; n++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := t.Index(n, y, x, 0)
				dst := out.Index(n, y, x, 0)
				copy(out.Data[dst:dst+t.C], t.Data[src:src+t.C])
			}
		}
	}
	return out
}

// PadSpatial zero-pads the spatial dims up to (h, w). The inverse of
// CropSpatial for gradient propagation.
func (t *Tensor) PadSpatial(h, w int) *Tensor {
	if h <= t.H && w <= t.W {
		return t
	}
	if h < t.H {
		h = t.H
	}
	if w < t.W {
		w = t.W
	}
	out := New(t.N, h, w, t.C)
	for n := 0; n < t.N; n++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				src := t.Index(n, y, x, 0)
				dst := out.Index(n, y, x, 0)
				copy(out.Data[dst:dst+t.C], t.Data[src:src+t.C])
			}
		}
	}
	return out
}

// AddChannelRange accumulates src into t's channels [from, from+src.C) at
// every spatial position.
func (t *Tensor) AddChannelRange(from int, src *Tensor) error {
	if src.N != t.N || src.H != t.H || src.W != t.W {
		return fmt.Errorf("spatial mismatch: %s vs %s", t.ShapeString(), src.ShapeString())
	}
	if from < 0 || from+src.C > t.C {
		return fmt.Errorf("channel range [%d, %d) outside %d channels", from, from+src.C, t.C)
	}
	for n := 0; n < t.N; n++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				dst := t.Index(n, y, x, from)
				srcIdx := src.Index(n, y, x, 0)
				for c := 0; c < src.C; c++ {
					t.Data[dst+c] += src.Data[srcIdx+c]
				}
			}
		}
	}
	return nil
}

// AddInPlace accumulates o into t elementwise.
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %s vs %s", t.ShapeString(), o.ShapeString())
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// Scale multiplies every element by f.
func (t *Tensor) Scale(f float32) {
	for i := range t.Data {
		t.Data[i] *= f
	}
}

// Stats computes min, max and mean, for debug logs and heatmap scaling.
func Stats(data []float32) (minVal, maxVal, mean float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	minVal, maxVal = data[0], data[0]
	var sum float64
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
	}
	mean = float32(sum / float64(len(data)))
	return minVal, maxVal, mean
}
