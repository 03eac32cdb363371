package imagequeue

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

// gradientPNG encodes a small diagonal gradient; shift moves the pattern so
// different shifts produce visibly different images.
func gradientPNG(t *testing.T, w, h, shift int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*4 + y*2 + shift) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestHashDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Hash
		want int
	}{
		{name: "equal", a: Hash{0xF0, 1}, b: Hash{0xF0, 1}, want: 0},
		{name: "one word", a: Hash{0}, b: Hash{0b1011}, want: 3},
		{name: "across words", a: Hash{0, 0}, b: Hash{1, ^uint64(0)}, want: 65},
		{name: "width mismatch", a: Hash{0}, b: Hash{0, 0}, want: math.MaxInt},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.a.Distance(tc.b); got != tc.want {
				t.Errorf("Distance = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHashString(t *testing.T) {
	t.Parallel()

	h := Hash{0x0123456789abcdef, 1}
	if got, want := h.String(), "0123456789abcdef0000000000000001"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if h.Bits() != 128 {
		t.Errorf("Bits = %d, want 128", h.Bits())
	}
}

func TestPerceptualHasher_Deterministic(t *testing.T) {
	t.Parallel()

	data := gradientPNG(t, 64, 64, 0)
	hasher := PerceptualHasher{Size: 16}

	h1, err := hasher.Hash(data)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := hasher.Hash(append([]byte(nil), data...))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if h1.Bits() != 256 {
		t.Errorf("Bits = %d, want 256", h1.Bits())
	}
	if d := h1.Distance(h2); d != 0 {
		t.Errorf("same bytes hashed %d bits apart", d)
	}
}

func TestPerceptualHasher_Size(t *testing.T) {
	t.Parallel()

	h, err := PerceptualHasher{Size: 8}.Hash(gradientPNG(t, 32, 32, 0))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h.Bits() != 64 {
		t.Errorf("Bits = %d, want 64", h.Bits())
	}
}

func TestPerceptualHasher_Undecodable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil", data: nil},
		{name: "garbage", data: []byte("definitely not an image")},
		{name: "truncated png", data: gradientPNG(t, 16, 16, 0)[:20]},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := PerceptualHasher{}.Hash(tc.data)
			if !errors.Is(err, ErrUndecodable) {
				t.Errorf("Hash error = %v, want ErrUndecodable", err)
			}
		})
	}
}
