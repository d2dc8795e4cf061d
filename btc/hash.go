package btc

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"
)

// DoubleSha256 is Bitcoin's block/transaction identity hash.
func DoubleSha256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func Sha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Hash160 is ripemd160(sha256(b)), used in P2PKH and P2WPKH programs.
func Hash160(b []byte) [20]byte {
	first := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(first[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
