package sigset

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"btcpeg.dev/node/btc"
)

// share is one signatory's slot in a threshold signing session.
type share struct {
	pubkey [33]byte
	power  uint64
	sig    []byte // DER, nil until signed
}

// ThresholdSig collects signature shares over a single sighash from one
// signatory set. Each share is verified as it arrives; SignedPower is the
// sum of powers whose share is present.
type ThresholdSig struct {
	msg    [32]byte
	shares []share // script order: descending power
	byKey  map[[33]byte]int
	signed uint64
}

// NewThresholdSig opens a signing session for the set over the given
// sighash.
func NewThresholdSig(set *SignatorySet, msg [32]byte) *ThresholdSig {
	t := &ThresholdSig{
		msg:    msg,
		shares: make([]share, len(set.Signatories)),
		byKey:  make(map[[33]byte]int, len(set.Signatories)),
	}
	for i, s := range set.Signatories {
		t.shares[i] = share{pubkey: s.Pubkey, power: s.VotingPower}
		t.byKey[s.Pubkey] = i
	}
	return t
}

func (t *ThresholdSig) Message() [32]byte {
	return t.msg
}

// SignedPower is the summed voting power of signatories whose share has
// been accepted.
func (t *ThresholdSig) SignedPower() uint64 {
	return t.signed
}

// NeedsSig reports whether the pubkey belongs to the session and has not
// signed yet.
func (t *ThresholdSig) NeedsSig(pubkey [33]byte) bool {
	i, ok := t.byKey[pubkey]
	return ok && t.shares[i].sig == nil
}

// Sign verifies and records one signatory's DER-encoded ECDSA signature
// over the session message. Unknown signers, invalid signatures, and
// second submissions from the same signer are rejected without mutating
// the session.
func (t *ThresholdSig) Sign(pubkey [33]byte, derSig []byte) error {
	i, ok := t.byKey[pubkey]
	if !ok {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE, "sigset: %x is not a signatory", pubkey[:4])
	}
	if t.shares[i].sig != nil {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE, "sigset: %x already signed", pubkey[:4])
	}
	if err := verifySignature(pubkey, t.msg, derSig); err != nil {
		return err
	}
	sig := make([]byte, len(derSig))
	copy(sig, derSig)
	t.shares[i].sig = sig
	t.signed += t.shares[i].power
	return nil
}

// Witness produces the witness stack spending an output bound to the
// session's set: one item per signatory in reverse script order (empty
// for absent signers) followed by the redeem script. Each signature item
// carries the SIGHASH_ALL byte.
func (t *ThresholdSig) Witness(redeemScript []byte) [][]byte {
	items := make([][]byte, 0, len(t.shares)+1)
	for i := len(t.shares) - 1; i >= 0; i-- {
		if t.shares[i].sig == nil {
			items = append(items, []byte{})
			continue
		}
		withType := make([]byte, len(t.shares[i].sig)+1)
		copy(withType, t.shares[i].sig)
		withType[len(withType)-1] = byte(btc.SighashAll)
		items = append(items, withType)
	}
	return append(items, redeemScript)
}

// VerifySignatureSet measures how much of the set's power a bundle of
// signatures represents over msg. Absent, unknown, and invalid entries
// contribute nothing; the call never fails. This is the single source of
// truth for whether a message is sufficiently signed.
func VerifySignatureSet(set *SignatorySet, msg [32]byte, sigs map[[33]byte][]byte) uint64 {
	var power uint64
	for _, s := range set.Signatories {
		der, ok := sigs[s.Pubkey]
		if !ok {
			continue
		}
		if verifySignature(s.Pubkey, msg, der) == nil {
			power += s.VotingPower
		}
	}
	return power
}

func verifySignature(pubkey [33]byte, msg [32]byte, derSig []byte) error {
	pub, err := secp256k1.ParsePubKey(pubkey[:])
	if err != nil {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE, "sigset: bad pubkey %x: %v", pubkey[:4], err)
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE, "sigset: malformed signature: %v", err)
	}
	if !sig.Verify(msg[:], pub) {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE, "sigset: signature does not verify for %x", pubkey[:4])
	}
	return nil
}
