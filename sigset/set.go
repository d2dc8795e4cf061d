package sigset

import (
	"math/bits"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"btcpeg.dev/node/btc"
)

// MaxSignatories caps the committee size. Sets built from a larger
// validator list keep the highest-power members.
const MaxSignatories = 20

// scriptPrecisionBits is the precision kept when voting powers are encoded
// into the witness script. Script numbers reserve a sign bit, so 23 bits
// keeps every encoded power and the running sum within three bytes.
const scriptPrecisionBits = 23

// Signatory is one committee member: a compressed secp256k1 public key and
// its voting power.
type Signatory struct {
	Pubkey      [33]byte
	VotingPower uint64
}

// SignatorySet is an immutable weighted committee. Membership changes
// produce a new set with a fresh index and creation height; outputs bound
// to an old set stay spendable by that set.
type SignatorySet struct {
	Index        uint32
	CreateHeight uint32
	Signatories  []Signatory
	PresentVP    uint64
}

// NewSignatorySet validates and orders a committee. Signatories are sorted
// by descending voting power (pubkey bytes break ties so the order is
// total); when more than MaxSignatories are given only the highest-power
// members are kept and the dropped power is not counted.
func NewSignatorySet(index, createHeight uint32, members []Signatory) (*SignatorySet, error) {
	if len(members) == 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: empty signatory set")
	}
	sorted := make([]Signatory, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].VotingPower != sorted[j].VotingPower {
			return sorted[i].VotingPower > sorted[j].VotingPower
		}
		return string(sorted[i].Pubkey[:]) < string(sorted[j].Pubkey[:])
	})
	if len(sorted) > MaxSignatories {
		sorted = sorted[:MaxSignatories]
	}

	seen := make(map[[33]byte]bool, len(sorted))
	var total uint64
	for _, s := range sorted {
		if s.VotingPower == 0 {
			return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: signatory %x has zero voting power", s.Pubkey[:4])
		}
		if seen[s.Pubkey] {
			return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: duplicate signatory %x", s.Pubkey[:4])
		}
		seen[s.Pubkey] = true
		if _, err := secp256k1.ParsePubKey(s.Pubkey[:]); err != nil {
			return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: invalid pubkey %x: %v", s.Pubkey[:4], err)
		}
		total += s.VotingPower
	}

	return &SignatorySet{
		Index:        index,
		CreateHeight: createHeight,
		Signatories:  sorted,
		PresentVP:    total,
	}, nil
}

func (s *SignatorySet) Len() int {
	return len(s.Signatories)
}

// truncation is the number of low bits removed from voting powers before
// they are encoded into the script, so the running sum stays within
// scriptPrecisionBits.
func (s *SignatorySet) truncation() uint {
	vpBits := bits.Len64(s.PresentVP)
	if vpBits <= scriptPrecisionBits {
		return 0
	}
	return uint(vpBits - scriptPrecisionBits)
}

// Tier is one rung of a decaying threshold schedule: after DelayBlocks
// have elapsed since the funding output confirmed, signatures carrying at
// least Numerator/Denominator of the set's power may spend.
type Tier struct {
	DelayBlocks uint32
	Numerator   uint64
	Denominator uint64
}

// ThresholdSchedule orders tiers from strictest to most relaxed. The first
// tier has no delay; each later tier trades a longer relative time-lock
// for a lower power requirement.
type ThresholdSchedule struct {
	Tiers []Tier
}

func NewThresholdSchedule(tiers []Tier) (*ThresholdSchedule, error) {
	if len(tiers) == 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: schedule needs at least one tier")
	}
	if tiers[0].DelayBlocks != 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: first tier must have zero delay")
	}
	for i, tier := range tiers {
		if tier.Denominator == 0 || tier.Numerator == 0 || tier.Numerator > tier.Denominator {
			return nil, btc.Errf(btc.ERR_SCRIPT,
				"sigset: tier %d fraction %d/%d out of range", i, tier.Numerator, tier.Denominator)
		}
		if tier.DelayBlocks > 0xffff {
			return nil, btc.Errf(btc.ERR_SCRIPT,
				"sigset: tier %d delay %d exceeds the 16-bit sequence lock range", i, tier.DelayBlocks)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if tier.DelayBlocks <= prev.DelayBlocks {
			return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: tier %d delay must increase", i)
		}
		// Fractions must strictly decrease: num/den < prevNum/prevDen.
		if tier.Numerator*prev.Denominator >= prev.Numerator*tier.Denominator {
			return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: tier %d fraction must decrease", i)
		}
	}
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return &ThresholdSchedule{Tiers: out}, nil
}

// DefaultSchedule is the two-thirds-immediately committee policy with no
// decay tiers.
func DefaultSchedule() *ThresholdSchedule {
	return &ThresholdSchedule{Tiers: []Tier{{DelayBlocks: 0, Numerator: 2, Denominator: 3}}}
}

// RequiredPower returns the untruncated voting power a tier demands of
// this set: ceil(PresentVP * Num / Den), so a committee holding exactly
// the tier's fraction satisfies it. The product is computed in 128 bits.
func (s *SignatorySet) RequiredPower(tier Tier) uint64 {
	hi, lo := bits.Mul64(s.PresentVP, tier.Numerator)
	lo, carry := bits.Add64(lo, tier.Denominator-1, 0)
	hi += carry
	if hi >= tier.Denominator {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, tier.Denominator)
	return q
}
