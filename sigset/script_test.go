package sigset

import (
	"bytes"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"btcpeg.dev/node/btc"
)

// runScript executes the subset of script used by the custody template:
// data pushes, flow control, stack ops, ADD, GREATERTHANOREQUAL, CHECKSIG
// (against msg) and CHECKSEQUENCEVERIFY (against sequence). It returns the
// final verdict a Bitcoin node would reach for the witness.
func runScript(t *testing.T, script []byte, witness [][]byte, msg [32]byte, sequence uint32) bool {
	t.Helper()

	stack := make([][]byte, 0, len(witness))
	for _, item := range witness {
		stack = append(stack, item)
	}
	pop := func() []byte {
		if len(stack) == 0 {
			t.Fatalf("script underflow")
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top
	}
	popNum := func() int64 {
		v, err := btc.ParseScriptNum(pop())
		if err != nil {
			t.Fatalf("scriptnum: %v", err)
		}
		return v
	}
	push := func(b []byte) { stack = append(stack, b) }
	pushBool := func(v bool) {
		if v {
			push([]byte{1})
		} else {
			push(nil)
		}
	}
	truthy := func(b []byte) bool {
		for i, c := range b {
			if c != 0 && !(i == len(b)-1 && c == 0x80) {
				return true
			}
		}
		return false
	}

	var exec []bool
	executing := func() bool {
		for _, e := range exec {
			if !e {
				return false
			}
		}
		return true
	}

	i := 0
	for i < len(script) {
		op := script[i]
		i++

		if op >= 1 && op <= 0x4b {
			if i+int(op) > len(script) {
				t.Fatalf("push past end of script")
			}
			if executing() {
				push(script[i : i+int(op)])
			}
			i += int(op)
			continue
		}

		switch op {
		case btc.OP_IF:
			if executing() {
				exec = append(exec, truthy(pop()))
			} else {
				exec = append(exec, false)
			}
			continue
		case btc.OP_ELSE:
			if len(exec) == 0 {
				t.Fatalf("ELSE without IF")
			}
			exec[len(exec)-1] = !exec[len(exec)-1]
			continue
		case btc.OP_ENDIF:
			if len(exec) == 0 {
				t.Fatalf("ENDIF without IF")
			}
			exec = exec[:len(exec)-1]
			continue
		}

		if !executing() {
			continue
		}

		switch op {
		case btc.OP_0:
			push(nil)
		case btc.OP_1NEGATE:
			push(btc.ScriptNumBytes(-1))
		case btc.OP_DUP:
			top := pop()
			push(top)
			push(top)
		case btc.OP_DROP:
			pop()
		case btc.OP_SWAP:
			a, b := pop(), pop()
			push(a)
			push(b)
		case btc.OP_ADD:
			b, a := popNum(), popNum()
			push(btc.ScriptNumBytes(a + b))
		case btc.OP_GREATERTHANOREQUAL:
			b, a := popNum(), popNum()
			pushBool(a >= b)
		case btc.OP_CHECKSIG:
			pub := pop()
			sig := pop()
			if len(sig) == 0 {
				pushBool(false)
				break
			}
			var pk [33]byte
			copy(pk[:], pub)
			// Strip the sighash type byte the way consensus does.
			pushBool(verifySignature(pk, msg, sig[:len(sig)-1]) == nil)
		case btc.OP_CHECKSEQUENCEVERIFY:
			required, err := btc.ParseScriptNum(stack[len(stack)-1])
			if err != nil {
				t.Fatalf("csv operand: %v", err)
			}
			if int64(sequence) < required {
				return false
			}
		default:
			if op >= btc.OP_1 && op <= btc.OP_16 {
				push(btc.ScriptNumBytes(int64(op - btc.OP_1 + 1)))
				break
			}
			t.Fatalf("unexpected opcode %02x", op)
		}
	}
	if len(exec) != 0 {
		t.Fatalf("unbalanced IF")
	}
	return len(stack) == 1 && truthy(stack[0])
}

type committee struct {
	set   *SignatorySet
	privs map[[33]byte]*secp256k1.PrivateKey
}

// newCommittee builds a set with the given powers, keyed by deterministic
// seeds, and remembers the private keys for signing.
func newCommittee(t *testing.T, powers []uint64) *committee {
	t.Helper()
	members := make([]Signatory, len(powers))
	privs := make(map[[33]byte]*secp256k1.PrivateKey, len(powers))
	for i, p := range powers {
		priv, pk := testKey(t, byte(i+1))
		members[i] = Signatory{Pubkey: pk, VotingPower: p}
		privs[pk] = priv
	}
	return &committee{set: mustSet(t, 1, 500, members), privs: privs}
}

// signWith opens a session and submits shares for the signatories at the
// given script-order positions.
func (c *committee) signWith(t *testing.T, msg [32]byte, positions ...int) *ThresholdSig {
	t.Helper()
	ts := NewThresholdSig(c.set, msg)
	for _, pos := range positions {
		pk := c.set.Signatories[pos].Pubkey
		der := secpecdsa.Sign(c.privs[pk], msg[:]).Serialize()
		if err := ts.Sign(pk, der); err != nil {
			t.Fatalf("Sign(position %d): %v", pos, err)
		}
	}
	return ts
}

func TestRedeemScript_Deterministic(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	sched, _ := NewThresholdSchedule([]Tier{{0, 3, 4}, {1008, 1, 2}})
	dest := []byte("dest-commitment")

	a, err := RedeemScript(c.set, dest, sched)
	if err != nil {
		t.Fatalf("RedeemScript: %v", err)
	}
	b, _ := RedeemScript(c.set, dest, sched)
	if !bytes.Equal(a, b) {
		t.Fatalf("script not deterministic")
	}

	other, _ := RedeemScript(c.set, []byte("other-dest"), sched)
	if bytes.Equal(a, other) {
		t.Fatalf("destination not committed into the script")
	}

	addrA, err := Address(c.set, dest, sched, btc.MainNetParams)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	addrB, _ := Address(c.set, []byte("other-dest"), sched, btc.MainNetParams)
	if addrA == addrB {
		t.Fatalf("different destinations derived the same address")
	}
}

func TestSpend_AtThreshold(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	sched, _ := NewThresholdSchedule([]Tier{{0, 3, 4}})
	dest := []byte("d")
	script, err := RedeemScript(c.set, dest, sched)
	if err != nil {
		t.Fatalf("RedeemScript: %v", err)
	}
	msg := btc.Sha256([]byte("spend"))

	// Power 3 of 4 meets the 3/4 requirement exactly.
	ts := c.signWith(t, msg, 0, 1)
	wit := ts.Witness(script)
	if len(wit) != c.set.Len()+1 {
		t.Fatalf("witness has %d items, want %d", len(wit), c.set.Len()+1)
	}
	if !bytes.Equal(wit[len(wit)-1], script) {
		t.Fatalf("redeem script is not the last witness item")
	}
	if !runScript(t, script, wit[:len(wit)-1], msg, 0) {
		t.Fatalf("at-threshold spend rejected")
	}

	// Power 2 of 4 falls below.
	under := c.signWith(t, msg, 1, 2).Witness(script)
	if runScript(t, script, under[:len(under)-1], msg, 0) {
		t.Fatalf("below-threshold spend accepted")
	}

	// Full committee also spends.
	full := c.signWith(t, msg, 0, 1, 2).Witness(script)
	if !runScript(t, script, full[:len(full)-1], msg, 0) {
		t.Fatalf("full-power spend rejected")
	}
}

func TestSpend_DecaySchedule(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	sched, err := NewThresholdSchedule([]Tier{{0, 3, 4}, {1008, 1, 2}})
	if err != nil {
		t.Fatalf("NewThresholdSchedule: %v", err)
	}
	script, err := RedeemScript(c.set, []byte("d"), sched)
	if err != nil {
		t.Fatalf("RedeemScript: %v", err)
	}
	msg := btc.Sha256([]byte("decayed spend"))

	// Power 2 misses the immediate 3/4 tier but meets the decayed 1/2
	// tier: rejected with a fresh output, accepted once the relative lock
	// is satisfied.
	wit := c.signWith(t, msg, 0).Witness(script)
	if runScript(t, script, wit[:len(wit)-1], msg, 0) {
		t.Fatalf("decayed tier usable before the time-lock")
	}
	if runScript(t, script, wit[:len(wit)-1], msg, 1007) {
		t.Fatalf("decayed tier usable one block early")
	}
	if !runScript(t, script, wit[:len(wit)-1], msg, 1008) {
		t.Fatalf("decayed spend rejected at the unlock height")
	}

	// Power 3 spends immediately regardless of sequence.
	strong := c.signWith(t, msg, 0, 2).Witness(script)
	if !runScript(t, script, strong[:len(strong)-1], msg, 0) {
		t.Fatalf("immediate-tier spend rejected")
	}

	// Power 1 satisfies no tier at any age.
	weak := c.signWith(t, msg, 1).Witness(script)
	if runScript(t, script, weak[:len(weak)-1], msg, 0xffff) {
		t.Fatalf("sub-threshold spend accepted")
	}
}

func TestThresholdSig_Sign(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	msg := btc.Sha256([]byte("session"))
	ts := NewThresholdSig(c.set, msg)

	pk0 := c.set.Signatories[0].Pubkey
	der := secpecdsa.Sign(c.privs[pk0], msg[:]).Serialize()
	if err := ts.Sign(pk0, der); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ts.SignedPower() != 2 {
		t.Fatalf("SignedPower = %d, want 2", ts.SignedPower())
	}
	if ts.NeedsSig(pk0) {
		t.Fatalf("NeedsSig true after signing")
	}

	// Second share from the same signer is rejected and power is unchanged.
	if err := ts.Sign(pk0, der); btc.CodeOf(err) != btc.ERR_INVALID_SIGNATURE {
		t.Fatalf("double sign err = %v", err)
	}
	if ts.SignedPower() != 2 {
		t.Fatalf("double sign changed power to %d", ts.SignedPower())
	}

	// Unknown signer.
	outsider, outsiderPk := testKey(t, 99)
	outDer := secpecdsa.Sign(outsider, msg[:]).Serialize()
	if err := ts.Sign(outsiderPk, outDer); btc.CodeOf(err) != btc.ERR_INVALID_SIGNATURE {
		t.Fatalf("outsider err = %v", err)
	}

	// Signature over a different message.
	wrongMsg := btc.Sha256([]byte("other"))
	pk1 := c.set.Signatories[1].Pubkey
	wrongDer := secpecdsa.Sign(c.privs[pk1], wrongMsg[:]).Serialize()
	err := ts.Sign(pk1, wrongDer)
	var typed *btc.Error
	if !errors.As(err, &typed) || typed.Code != btc.ERR_INVALID_SIGNATURE {
		t.Fatalf("wrong-message err = %v", err)
	}
	if ts.SignedPower() != 2 {
		t.Fatalf("rejected share changed power to %d", ts.SignedPower())
	}
}

func TestVerifySignatureSet(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	msg := btc.Sha256([]byte("bundle"))

	sigs := make(map[[33]byte][]byte)
	for _, s := range c.set.Signatories[:2] {
		sigs[s.Pubkey] = secpecdsa.Sign(c.privs[s.Pubkey], msg[:]).Serialize()
	}
	if got := VerifySignatureSet(c.set, msg, sigs); got != 3 {
		t.Fatalf("power = %d, want 3", got)
	}

	// A corrupted entry contributes nothing but does not poison the rest.
	pk2 := c.set.Signatories[2].Pubkey
	sigs[pk2] = []byte{0x30, 0x01, 0x00}
	if got := VerifySignatureSet(c.set, msg, sigs); got != 3 {
		t.Fatalf("power with invalid entry = %d, want 3", got)
	}

	if got := VerifySignatureSet(c.set, msg, nil); got != 0 {
		t.Fatalf("power with no sigs = %d, want 0", got)
	}
}
