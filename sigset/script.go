package sigset

import (
	"btcpeg.dev/node/btc"
)

// RedeemScript builds the weighted multisig witness script binding this
// set to a destination commitment.
//
// The script has three parts. First an accumulator: each signatory's
// pubkey is checked against a witness signature slot and its truncated
// voting power is added to a running sum when the signature is valid.
// Then the decay ladder: the sum is compared against the schedule's
// tiers from strictest to most relaxed, where every tier past the first
// guards its lower requirement with a CHECKSEQUENCEVERIFY relative
// time-lock. A spend that cannot meet the immediate threshold becomes
// valid once enough blocks elapse, with the same signatures. Finally the
// destination bytes are pushed and dropped, committing the script (and
// so the P2WSH address) to the destination without affecting execution.
func RedeemScript(set *SignatorySet, dest []byte, schedule *ThresholdSchedule) ([]byte, error) {
	if set == nil || len(set.Signatories) == 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: empty signatory set")
	}
	if schedule == nil || len(schedule.Tiers) == 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: empty threshold schedule")
	}
	if len(dest) == 0 || len(dest) > 80 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "sigset: destination commitment must be 1..80 bytes")
	}

	trunc := set.truncation()
	b := btc.NewScriptBuilder()

	first := set.Signatories[0]
	b.AddData(first.Pubkey[:]).AddOp(btc.OP_CHECKSIG)
	b.AddOp(btc.OP_IF).
		AddInt(int64(first.VotingPower >> trunc)).
		AddOp(btc.OP_ELSE).
		AddInt(0).
		AddOp(btc.OP_ENDIF)

	for _, sig := range set.Signatories[1:] {
		b.AddOp(btc.OP_SWAP)
		b.AddData(sig.Pubkey[:]).AddOp(btc.OP_CHECKSIG)
		b.AddOp(btc.OP_IF).
			AddInt(int64(sig.VotingPower >> trunc)).
			AddOp(btc.OP_ADD).
			AddOp(btc.OP_ENDIF)
	}

	tiers := schedule.Tiers
	for _, tier := range tiers[:len(tiers)-1] {
		required := int64(set.RequiredPower(tier) >> trunc)
		b.AddOp(btc.OP_DUP).AddInt(required).AddOp(btc.OP_GREATERTHANOREQUAL)
		b.AddOp(btc.OP_IF)
		if tier.DelayBlocks > 0 {
			b.AddInt(int64(tier.DelayBlocks)).
				AddOp(btc.OP_CHECKSEQUENCEVERIFY).
				AddOp(btc.OP_DROP)
		}
		b.AddOp(btc.OP_DROP).AddInt(1)
		b.AddOp(btc.OP_ELSE)
	}

	last := tiers[len(tiers)-1]
	if last.DelayBlocks > 0 {
		b.AddInt(int64(last.DelayBlocks)).
			AddOp(btc.OP_CHECKSEQUENCEVERIFY).
			AddOp(btc.OP_DROP)
	}
	b.AddInt(int64(set.RequiredPower(last) >> trunc)).
		AddOp(btc.OP_GREATERTHANOREQUAL)

	for range tiers[:len(tiers)-1] {
		b.AddOp(btc.OP_ENDIF)
	}

	b.AddData(dest).AddOp(btc.OP_DROP)
	return b.Script(), nil
}

// OutputScript returns the P2WSH script pubkey paying the set.
func OutputScript(set *SignatorySet, dest []byte, schedule *ThresholdSchedule) ([]byte, error) {
	redeem, err := RedeemScript(set, dest, schedule)
	if err != nil {
		return nil, err
	}
	return btc.PayToWitnessScriptHash(redeem), nil
}

// Address returns the bech32 address of the set's P2WSH output for the
// given network.
func Address(set *SignatorySet, dest []byte, schedule *ThresholdSchedule, params btc.NetParams) (string, error) {
	redeem, err := RedeemScript(set, dest, schedule)
	if err != nil {
		return "", err
	}
	program := btc.Sha256(redeem)
	return btc.EncodeSegwitAddress(params.Bech32HRP, program[:])
}
