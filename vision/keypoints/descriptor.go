package keypoints

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// DescriptorBits is the length of a binary descriptor in bits.
	DescriptorBits = 256
	// DescriptorBytes is the length of an encoded descriptor.
	DescriptorBytes = DescriptorBits / 8
)

// Descriptor is a 256 bit binary feature signature. Bit i lives in word i/64 at position i%64.
type Descriptor [DescriptorBits / 64]uint64

// Distance returns the Hamming distance between two descriptors.
func Distance(a, b Descriptor) int {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

// Bit reports whether bit i is set.
func (d Descriptor) Bit(i int) bool {
	return d[i/64]&(1<<(i%64)) != 0
}

// SetBit sets bit i to one.
func (d *Descriptor) SetBit(i int) {
	d[i/64] |= 1 << (i % 64)
}

// MaxDistanceFromFraction converts a fraction of the descriptor length to a distance threshold.
func MaxDistanceFromFraction(fraction float64) int {
	return int(fraction * DescriptorBits)
}

// MajorityDescriptor returns the bitwise majority of the descriptors: a bit is set when it is set
// in more than half of them. It is the center of a cluster of binary descriptors.
func MajorityDescriptor(descriptors []Descriptor) Descriptor {
	var counts [DescriptorBits]int
	for _, d := range descriptors {
		for w, word := range d {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				counts[w*64+b]++
				word &= word - 1
			}
		}
	}
	var out Descriptor
	for i, c := range counts {
		if 2*c > len(descriptors) {
			out.SetBit(i)
		}
	}
	return out
}

// AppendBytes appends the little endian encoding of the descriptor to buf.
func (d Descriptor) AppendBytes(buf []byte) []byte {
	for _, word := range d {
		buf = binary.LittleEndian.AppendUint64(buf, word)
	}
	return buf
}

// DescriptorFromBytes decodes a descriptor written by AppendBytes.
func DescriptorFromBytes(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) < DescriptorBytes {
		return d, errors.Errorf("descriptor needs %d bytes, got %d", DescriptorBytes, len(b))
	}
	for i := range d {
		d[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return d, nil
}
