package imagequeue

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"
)

// Hash is a fixed-length perceptual fingerprint packed into 64-bit words.
type Hash []uint64

// Bits returns the hash width.
func (h Hash) Bits() int { return len(h) * 64 }

// Distance returns the Hamming distance between h and other. Hashes of
// different widths are never similar and report math.MaxInt.
func (h Hash) Distance(other Hash) int {
	if len(h) != len(other) {
		return math.MaxInt
	}
	d := 0
	for i := range h {
		d += bits.OnesCount64(h[i] ^ other[i])
	}
	return d
}

func (h Hash) String() string {
	buf := make([]byte, 8*len(h))
	for i, w := range h {
		binary.BigEndian.PutUint64(buf[i*8:], w)
	}
	return hex.EncodeToString(buf)
}

// Hasher computes a perceptual hash from raw image bytes.
type Hasher interface {
	Hash(data []byte) (Hash, error)
}

// PerceptualHasher computes a DCT perception hash of Size×Size bits.
// Size must be a power of two no smaller than 8.
type PerceptualHasher struct {
	Size int
}

// Hash decodes data (JPEG, PNG, GIF or WebP) and returns its pHash.
func (p PerceptualHasher) Hash(data []byte) (Hash, error) {
	size := p.Size
	if size <= 0 {
		size = DefaultHashSize
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	h, err := goimagehash.ExtPerceptionHash(img, size, size)
	if err != nil {
		return nil, fmt.Errorf("imagequeue: perception hash: %w", err)
	}
	return Hash(h.GetHash()), nil
}
