// Package phash computes DCT-based perceptual fingerprints of images.
//
// The image is reduced to a 2N x 2N luminance grid, transformed with a
// 2-D DCT-II, and the N x N low-frequency block is compared against its
// mean (the DC term excluded) to produce N*N bits.
package phash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"math"
	"math/bits"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultHashSize            = 8
	DefaultSimilarityThreshold = 0.95
)

// ErrInvalidFingerprint is returned when a fingerprint string cannot be parsed
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Fingerprint is a fixed-length bit string. It is a value type and is
// compared by Hamming distance.
type Fingerprint struct {
	words  []uint64
	length int
}

// Len returns the number of bits
func (f Fingerprint) Len() int { return f.length }

// IsZero reports whether f holds no bits
func (f Fingerprint) IsZero() bool { return f.length == 0 }

// Bit returns bit i (row-major order)
func (f Fingerprint) Bit(i int) bool {
	return f.words[i/64]&(1<<(uint(i)%64)) != 0
}

// String returns the bits as a '0'/'1' string, row-major
func (f Fingerprint) String() string {
	var b strings.Builder
	b.Grow(f.length)
	for i := 0; i < f.length; i++ {
		if f.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Hex returns a compact hex key for the fingerprint, prefixed with its
// bit length so fingerprints of different sizes never collide
func (f Fingerprint) Hex() string {
	buf := make([]byte, 8*len(f.words))
	for i, w := range f.words {
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(w >> (8 * uint(j)))
		}
	}
	return fmt.Sprintf("%d:%s", f.length, hex.EncodeToString(buf))
}

// Equal reports whether a and b have identical bits
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.length != o.length {
		return false
	}
	for i := range f.words {
		if f.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Parse decodes a '0'/'1' string produced by String
func Parse(s string) (Fingerprint, error) {
	if s == "" {
		return Fingerprint{}, ErrInvalidFingerprint
	}
	f := newFingerprint(len(s))
	for i, r := range s {
		switch r {
		case '1':
			f.set(i)
		case '0':
		default:
			return Fingerprint{}, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidFingerprint, r, i)
		}
	}
	return f, nil
}

func newFingerprint(length int) Fingerprint {
	return Fingerprint{words: make([]uint64, (length+63)/64), length: length}
}

func (f Fingerprint) set(i int) {
	f.words[i/64] |= 1 << (uint(i) % 64)
}

// HammingDistance counts differing bits. It returns -1 when the lengths differ.
func HammingDistance(a, b Fingerprint) int {
	if a.length != b.length {
		return -1
	}
	d := 0
	for i := range a.words {
		d += bits.OnesCount64(a.words[i] ^ b.words[i])
	}
	return d
}

// Similarity returns 1 - hamming/length in [0,1]. Fingerprints of
// unequal or zero length have similarity 0.
func Similarity(a, b Fingerprint) float64 {
	if a.length == 0 || a.length != b.length {
		return 0
	}
	return 1 - float64(HammingDistance(a, b))/float64(a.length)
}

// AreSimilar reports whether Similarity(a, b) >= threshold
func AreSimilar(a, b Fingerprint, threshold float64) bool {
	return Similarity(a, b) >= threshold
}

// Hasher computes fingerprints of hashSize*hashSize bits
type Hasher struct {
	hashSize int
	grid     int
	basis    *mat.Dense // grid x grid DCT-II basis
	pool     sync.Pool
}

// New creates a hasher with the default 64-bit fingerprint
func New() *Hasher {
	return NewWithSize(DefaultHashSize)
}

// NewWithSize creates a hasher producing hashSize*hashSize bit fingerprints
func NewWithSize(hashSize int) *Hasher {
	if hashSize <= 0 {
		hashSize = DefaultHashSize
	}
	grid := 2 * hashSize
	h := &Hasher{
		hashSize: hashSize,
		grid:     grid,
		basis:    dctBasis(grid),
	}
	h.pool.New = func() any {
		return make([]float64, grid*grid)
	}
	return h
}

// HashSize returns the side of the low-frequency block
func (h *Hasher) HashSize() int { return h.hashSize }

// Bits returns the fingerprint length
func (h *Hasher) Bits() int { return h.hashSize * h.hashSize }

// Fingerprint computes the perceptual hash of img
func (h *Hasher) Fingerprint(img image.Image) (Fingerprint, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Fingerprint{}, fmt.Errorf("invalid image dimensions")
	}

	n := h.grid
	small := imaging.Resize(img, n, n, imaging.Box)

	lum := h.pool.Get().([]float64)
	defer h.pool.Put(lum)
	for y := 0; y < n; y++ {
		i := y * small.Stride
		for x := 0; x < n; x++ {
			r := float64(small.Pix[i+0])
			g := float64(small.Pix[i+1])
			bl := float64(small.Pix[i+2])
			lum[y*n+x] = 0.299*r + 0.587*g + 0.114*bl
			i += 4
		}
	}

	coeffs := h.dct2(mat.NewDense(n, n, lum))

	// Mean over the low-frequency block without the DC term
	k := h.hashSize
	var sum float64
	for u := 0; u < k; u++ {
		for v := 0; v < k; v++ {
			if u == 0 && v == 0 {
				continue
			}
			sum += coeffs.At(u, v)
		}
	}
	mean := sum / float64(k*k-1)

	fp := newFingerprint(k * k)
	for u := 0; u < k; u++ {
		for v := 0; v < k; v++ {
			if u == 0 && v == 0 {
				continue // DC bit stays 0
			}
			if coeffs.At(u, v) > mean {
				fp.set(u*k + v)
			}
		}
	}
	return fp, nil
}

// dct2 computes C·X·Cᵀ, the orthonormal 2-D DCT-II of x
func (h *Hasher) dct2(x *mat.Dense) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(h.basis, x)
	out.Mul(&tmp, h.basis.T())
	return &out
}

// dctBasis returns the n x n orthonormal DCT-II matrix
func dctBasis(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	scale0 := math.Sqrt(1 / float64(n))
	scale := math.Sqrt(2 / float64(n))
	for u := 0; u < n; u++ {
		s := scale
		if u == 0 {
			s = scale0
		}
		for x := 0; x < n; x++ {
			m.Set(u, x, s*math.Cos(math.Pi*float64(u)*(2*float64(x)+1)/(2*float64(n))))
		}
	}
	return m
}
