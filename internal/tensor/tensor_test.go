package tensor

import "testing"

func TestFromDataAndIndexing(t *testing.T) {
	data := make([]float32, 2*3*4*5)
	for i := range data {
		data[i] = float32(i)
	}
	ten, err := FromData(data, 2, 3, 4, 5)
	if err != nil {
		t.Fatalf("FromData error: %v", err)
	}
	if ten.Len() != len(data) {
		t.Fatalf("Len() = %d, want %d", ten.Len(), len(data))
	}
	if got := ten.At(1, 2, 3, 4); got != float32(len(data)-1) {
		t.Errorf("At(last) = %v, want %v", got, len(data)-1)
	}
	ten.Set(0, 0, 0, 0, -1)
	if ten.At(0, 0, 0, 0) != -1 {
		t.Error("Set did not write")
	}
}

func TestFromDataErrors(t *testing.T) {
	tests := []struct {
		name       string
		data       []float32
		n, h, w, c int
		wantErr    bool
	}{
		{name: "nil data", data: nil, n: 1, h: 1, w: 1, c: 1, wantErr: true},
		{name: "short data", data: make([]float32, 3), n: 1, h: 2, w: 2, c: 1, wantErr: true},
		{name: "long data", data: make([]float32, 9), n: 1, h: 2, w: 2, c: 2, wantErr: true},
		{name: "valid", data: make([]float32, 8), n: 1, h: 2, w: 2, c: 2, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromData(tt.data, tt.n, tt.h, tt.w, tt.c)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromData() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitConcatRoundTrip(t *testing.T) {
	ten := New(1, 2, 3, 6)
	for i := range ten.Data {
		ten.Data[i] = float32(i) * 0.5
	}
	parts, err := ten.SplitChannels(3)
	if err != nil {
		t.Fatalf("SplitChannels: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	for _, p := range parts {
		if p.C != 2 {
			t.Fatalf("part has %d channels, want 2", p.C)
		}
	}
	back, err := ConcatChannels(parts...)
	if err != nil {
		t.Fatalf("ConcatChannels: %v", err)
	}
	if !back.SameShape(ten) {
		t.Fatalf("shape %s, want %s", back.ShapeString(), ten.ShapeString())
	}
	for i := range ten.Data {
		if back.Data[i] != ten.Data[i] {
			t.Fatalf("element %d: %v != %v", i, back.Data[i], ten.Data[i])
		}
	}
}

func TestSplitChannelsUneven(t *testing.T) {
	ten := New(1, 1, 1, 7)
	if _, err := ten.SplitChannels(3); err == nil {
		t.Error("expected error splitting 7 channels into 3 groups")
	}
}

func TestChannelRangeValues(t *testing.T) {
	ten := New(1, 1, 2, 4)
	for i := range ten.Data {
		ten.Data[i] = float32(i)
	}
	sub, err := ten.ChannelRange(1, 3)
	if err != nil {
		t.Fatalf("ChannelRange: %v", err)
	}
	want := []float32{1, 2, 5, 6}
	for i, v := range want {
		if sub.Data[i] != v {
			t.Errorf("sub[%d] = %v, want %v", i, sub.Data[i], v)
		}
	}
}

func TestCropPadSpatial(t *testing.T) {
	ten := New(1, 4, 4, 2)
	for i := range ten.Data {
		ten.Data[i] = float32(i + 1)
	}
	cropped := ten.CropSpatial(3, 2)
	if cropped.H != 3 || cropped.W != 2 {
		t.Fatalf("cropped to %dx%d, want 3x2", cropped.H, cropped.W)
	}
	if cropped.At(0, 2, 1, 1) != ten.At(0, 2, 1, 1) {
		t.Error("crop moved values")
	}
	// Cropping to the current size must be a no-op alias.
	if same := ten.CropSpatial(4, 4); same != ten {
		t.Error("CropSpatial(full) should return the receiver")
	}

	padded := cropped.PadSpatial(4, 4)
	if padded.H != 4 || padded.W != 4 {
		t.Fatalf("padded to %dx%d, want 4x4", padded.H, padded.W)
	}
	if padded.At(0, 1, 1, 0) != cropped.At(0, 1, 1, 0) {
		t.Error("pad moved values")
	}
	if padded.At(0, 3, 3, 0) != 0 {
		t.Error("pad did not zero-fill")
	}
}

func TestAddInPlaceAndScale(t *testing.T) {
	a := New(1, 1, 2, 2)
	b := New(1, 1, 2, 2)
	for i := range a.Data {
		a.Data[i] = 1
		b.Data[i] = float32(i)
	}
	if err := a.AddInPlace(b); err != nil {
		t.Fatalf("AddInPlace: %v", err)
	}
	a.Scale(2)
	want := []float32{2, 4, 6, 8}
	for i, v := range want {
		if a.Data[i] != v {
			t.Errorf("a[%d] = %v, want %v", i, a.Data[i], v)
		}
	}
	if err := a.AddInPlace(New(1, 1, 1, 1)); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestAddChannelRange(t *testing.T) {
	dst := New(1, 2, 1, 4)
	src := New(1, 2, 1, 2)
	for i := range src.Data {
		src.Data[i] = float32(i + 1)
	}
	if err := dst.AddChannelRange(1, src); err != nil {
		t.Fatalf("AddChannelRange: %v", err)
	}
	want := []float32{0, 1, 2, 0, 0, 3, 4, 0}
	for i, v := range want {
		if dst.Data[i] != v {
			t.Errorf("dst[%d] = %v, want %v", i, dst.Data[i], v)
		}
	}

	if err := dst.AddChannelRange(3, src); err == nil {
		t.Error("expected out-of-range error")
	}
	if err := dst.AddChannelRange(0, New(1, 3, 1, 2)); err == nil {
		t.Error("expected spatial mismatch error")
	}
}

func TestStats(t *testing.T) {
	minV, maxV, mean := Stats([]float32{-2, 0, 2, 4})
	if minV != -2 || maxV != 4 || mean != 1 {
		t.Errorf("Stats = (%v, %v, %v), want (-2, 4, 1)", minV, maxV, mean)
	}
	minV, maxV, mean = Stats(nil)
	if minV != 0 || maxV != 0 || mean != 0 {
		t.Error("Stats(nil) should be zeros")
	}
}
