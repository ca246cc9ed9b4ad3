package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Delta layout: [originalSize:4][ops...]. The ops encode current XOR base
// (base bytes past its end read as zero) as runs:
//
//	0x00-0x7F  literal run of (c+1) bytes follows
//	0x80-0xFF  run of ((c&0x7F)+1) zero bytes
const maxRun = 128

// MaxPayload bounds the size a delta may declare. Reconstructed states
// travel in a single transport payload, which is capped below this.
const MaxPayload = 64 * 1024

// BaselineHash identifies a delta baseline on both ends.
func BaselineHash(base []byte) uint32 {
	return uint32(xxhash.Sum64(base))
}

// ComputeDelta encodes current against base.
func ComputeDelta(current, base []byte) []byte {
	out := make([]byte, 4, 4+len(current)/2+2)
	binary.LittleEndian.PutUint32(out, uint32(len(current)))

	xorAt := func(i int) byte {
		if i < len(base) {
			return current[i] ^ base[i]
		}
		return current[i]
	}

	for i := 0; i < len(current); {
		if xorAt(i) == 0 {
			j := i
			for j < len(current) && j-i < maxRun && xorAt(j) == 0 {
				j++
			}
			out = append(out, 0x80|byte(j-i-1))
			i = j
			continue
		}
		j := i
		for j < len(current) && j-i < maxRun && !zeroRunAhead(xorAt, j, len(current)) {
			j++
		}
		out = append(out, byte(j-i-1))
		for k := i; k < j; k++ {
			out = append(out, xorAt(k))
		}
		i = j
	}
	return out
}

// zeroRunAhead reports whether a zero run worth switching to starts at i. A
// single zero byte is cheaper inside a literal run.
func zeroRunAhead(xorAt func(int) byte, i, n int) bool {
	if xorAt(i) != 0 {
		return false
	}
	return i+1 >= n || xorAt(i+1) == 0
}

// ApplyDelta reconstructs the buffer ComputeDelta was given as current.
func ApplyDelta(delta, base []byte) ([]byte, error) {
	if len(delta) < 4 {
		return nil, ErrShortBuffer
	}
	size := int(binary.LittleEndian.Uint32(delta))
	ops := delta[4:]
	// Each op byte yields at most maxRun output bytes.
	if size > MaxPayload || size > len(ops)*maxRun {
		return nil, ErrDeltaCorrupt
	}
	out := make([]byte, 0, size)

	for p := 0; p < len(ops); {
		c := ops[p]
		p++
		if c&0x80 != 0 {
			n := int(c&0x7F) + 1
			if len(out)+n > size {
				return nil, ErrDeltaCorrupt
			}
			for k := 0; k < n; k++ {
				out = append(out, 0)
			}
			continue
		}
		n := int(c) + 1
		if p+n > len(ops) || len(out)+n > size {
			return nil, ErrDeltaCorrupt
		}
		out = append(out, ops[p:p+n]...)
		p += n
	}
	if len(out) != size {
		return nil, ErrDeltaCorrupt
	}
	for i := range out {
		if i < len(base) {
			out[i] ^= base[i]
		}
	}
	return out, nil
}
