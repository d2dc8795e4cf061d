package btc

import (
	"encoding/binary"
	"math/big"
)

const BlockHeaderSize = 80

// BlockHeader is Bitcoin's 80-byte block header. Hashes are kept in
// internal byte order (the order they appear on the wire).
type BlockHeader struct {
	Version    int32
	PrevBlock  [32]byte
	MerkleRoot [32]byte
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

func BlockHeaderBytes(h BlockHeader) []byte {
	out := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.Version))
	copy(out[4:36], h.PrevBlock[:])
	copy(out[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(out[68:72], h.Time)
	binary.LittleEndian.PutUint32(out[72:76], h.Bits)
	binary.LittleEndian.PutUint32(out[76:80], h.Nonce)
	return out
}

// ParseBlockHeaderBytes parses an 80-byte header and rejects trailing bytes.
func ParseBlockHeaderBytes(b []byte) (BlockHeader, error) {
	if len(b) != BlockHeaderSize {
		return BlockHeader{}, Errf(ERR_PARSE, "header: want %d bytes, got %d", BlockHeaderSize, len(b))
	}
	var h BlockHeader
	h.Version = int32(binary.LittleEndian.Uint32(b[0:4]))
	copy(h.PrevBlock[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Time = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return h, nil
}

// BlockHash returns the double-SHA256 identity of the header, in internal
// byte order.
func (h BlockHeader) BlockHash() [32]byte {
	return DoubleSha256(BlockHeaderBytes(h))
}

// CompactToTarget expands Bitcoin's compact difficulty representation
// ("nBits") to a 256-bit target. Negative or overflowing encodings return
// an error rather than a clamped value.
func CompactToTarget(compact uint32) (*big.Int, error) {
	mantissa := int64(compact & 0x007fffff)
	exponent := uint(compact >> 24)
	if compact&0x00800000 != 0 {
		return nil, Errf(ERR_PARSE, "compact target: sign bit set")
	}
	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(mantissa)
	} else {
		target = big.NewInt(mantissa)
		target.Lsh(target, 8*(exponent-3))
	}
	if target.BitLen() > 256 {
		return nil, Errf(ERR_PARSE, "compact target: overflows 256 bits")
	}
	return target, nil
}

// TargetToCompact compresses a target back to compact form, matching
// Bitcoin's rounding exactly (only the top three mantissa bytes survive).
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	var mantissa uint32
	exponent := uint(len(target.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(target.Uint64() << (8 * (3 - exponent)))
	} else {
		tn := new(big.Int).Rsh(target, 8*(exponent-3))
		mantissa = uint32(tn.Uint64())
	}
	// A mantissa with the sign bit set is normalized by shifting it right
	// and bumping the exponent.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent<<24) | mantissa
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// WorkFromBits computes the expected number of hashes represented by a
// header at the given difficulty: floor(2^256 / (target+1)).
func WorkFromBits(bits uint32) (*big.Int, error) {
	target, err := CompactToTarget(bits)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, Errf(ERR_PARSE, "work: non-positive target")
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(two256, denom), nil
}

// HashToBig reinterprets an internal-byte-order hash as the big-endian
// integer Bitcoin compares against the target.
func HashToBig(hash [32]byte) *big.Int {
	var reversed [32]byte
	for i := range hash {
		reversed[i] = hash[31-i]
	}
	return new(big.Int).SetBytes(reversed[:])
}

// CheckProofOfWork verifies that the header hash satisfies the header's own
// claimed target. Consistency of the claimed target with the retarget
// schedule is the header chain's job.
func CheckProofOfWork(h BlockHeader) error {
	target, err := CompactToTarget(h.Bits)
	if err != nil {
		return err
	}
	if target.Sign() <= 0 {
		return Errf(ERR_POW_INVALID, "non-positive target")
	}
	if HashToBig(h.BlockHash()).Cmp(target) > 0 {
		return Errf(ERR_POW_INVALID, "hash above target")
	}
	return nil
}
