package checkpoint

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/sigset"
)

type committee struct {
	set   *sigset.SignatorySet
	privs map[[33]byte]*secp256k1.PrivateKey
}

func newCommittee(t *testing.T, powers []uint64) *committee {
	t.Helper()
	members := make([]sigset.Signatory, len(powers))
	privs := make(map[[33]byte]*secp256k1.PrivateKey, len(powers))
	for i, p := range powers {
		var seed [32]byte
		seed[31] = byte(i + 1)
		priv := secp256k1.PrivKeyFromBytes(seed[:])
		var pk [33]byte
		copy(pk[:], priv.PubKey().SerializeCompressed())
		members[i] = sigset.Signatory{Pubkey: pk, VotingPower: p}
		privs[pk] = priv
	}
	set, err := sigset.NewSignatorySet(1, 100, members)
	if err != nil {
		t.Fatalf("NewSignatorySet: %v", err)
	}
	return &committee{set: set, privs: privs}
}

// signAll submits one signer's shares over every input of the signing
// checkpoint.
func (c *committee) signAll(t *testing.T, q *Queue, cp *Checkpoint, position int) Status {
	t.Helper()
	pk := c.set.Signatories[position].Pubkey
	sigs := make([][]byte, len(cp.Inputs))
	for i, in := range cp.Inputs {
		msg := in.Sigs.Message()
		sigs[i] = secpecdsa.Sign(c.privs[pk], msg[:]).Serialize()
	}
	status, err := q.SubmitSignatures(pk, sigs)
	if err != nil {
		t.Fatalf("SubmitSignatures(position %d): %v", position, err)
	}
	return status
}

func mustQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := NewQueue(cfg)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

// depositInput fabricates a confirmed deposit output owned by the set.
func depositInput(t *testing.T, c *committee, sched *sigset.ThresholdSchedule, amount uint64, n byte) *Input {
	t.Helper()
	redeem, err := sigset.RedeemScript(c.set, []byte{0xd0, n}, sched)
	if err != nil {
		t.Fatalf("RedeemScript: %v", err)
	}
	var txid [32]byte
	txid[0] = n
	return &Input{
		Prevout:      btc.OutPoint{TxID: txid, Vout: 0},
		Amount:       amount,
		RedeemScript: redeem,
		SigSet:       c.set,
	}
}

func p2wpkhOutput(value uint64, n byte) btc.TxOutput {
	var h [20]byte
	h[0] = n
	return btc.TxOutput{Value: value, ScriptPubkey: btc.PayToWitnessPubkeyHash(h)}
}

func TestQueueLifecycle(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	q := mustQueue(t, cfg)

	cp, err := q.Begin(c.set, 100)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if cp.Index != 0 || cp.Status != Building {
		t.Fatalf("genesis checkpoint = %d/%s", cp.Index, cp.Status)
	}
	if len(cp.Inputs) != 0 {
		t.Fatalf("genesis checkpoint has %d inputs before any deposit", len(cp.Inputs))
	}

	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 10_000_000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if err := cp.AddWithdrawal(p2wpkhOutput(1_000_000, 7)); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}

	advanced, requeued, err := q.Advance(100, true)
	if err != nil || !advanced {
		t.Fatalf("Advance = %v, %v", advanced, err)
	}
	if len(requeued) != 0 {
		t.Fatalf("healthy withdrawal requeued")
	}
	if cp.Status != Signing {
		t.Fatalf("status after advance = %s", cp.Status)
	}
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 1, 2)); btc.CodeOf(err) != btc.ERR_STALE_CHECKPOINT {
		t.Fatalf("input accepted after freeze: %v", err)
	}
	if _, err := cp.Tx(); btc.CodeOf(err) != btc.ERR_THRESHOLD_NOT_MET {
		t.Fatalf("transaction available before completion: %v", err)
	}

	// Threshold is 2/3 of power 4 = 3. One power-2 share is not enough.
	if status := c.signAll(t, q, cp, 0); status != Signing {
		t.Fatalf("status with power 2 = %s", status)
	}
	if _, err := cp.Tx(); btc.CodeOf(err) != btc.ERR_THRESHOLD_NOT_MET {
		t.Fatalf("transaction available below threshold: %v", err)
	}
	if status := c.signAll(t, q, cp, 1); status != Complete {
		t.Fatalf("status with power 3 = %s", status)
	}

	tx, err := cp.Tx()
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if !bytes.Equal(tx.Outputs[0].ScriptPubkey, cp.ReserveScript()) {
		t.Fatalf("output 0 does not pay the reserve script")
	}
	for i, in := range tx.Inputs {
		if len(in.Witness) != c.set.Len()+1 {
			t.Fatalf("input %d witness has %d items", i, len(in.Witness))
		}
		if !bytes.Equal(in.Witness[len(in.Witness)-1], cp.Inputs[i].RedeemScript) {
			t.Fatalf("input %d witness script mismatch", i)
		}
	}

	// Fee comes out of the outputs.
	total := tx.Outputs[0].Value + tx.Outputs[1].Value
	if total >= 10_000_000 {
		t.Fatalf("no fee deducted: outputs total %d", total)
	}

	// The next checkpoint spends this one's reserve.
	next, err := q.Begin(c.set, 110)
	if err != nil {
		t.Fatalf("Begin next: %v", err)
	}
	if len(next.Inputs) != 1 {
		t.Fatalf("next checkpoint has %d inputs, want the reserve", len(next.Inputs))
	}
	reserve := next.Inputs[0]
	wantOutpoint, _ := cp.ReserveOutpoint()
	if reserve.Prevout != wantOutpoint {
		t.Fatalf("next checkpoint does not spend the previous reserve")
	}
	if reserve.Amount != tx.Outputs[0].Value {
		t.Fatalf("reserve input amount %d, want %d", reserve.Amount, tx.Outputs[0].Value)
	}
	if !bytes.Equal(reserve.RedeemScript, cp.ReserveRedeem()) {
		t.Fatalf("reserve input redeem script mismatch")
	}
}

func TestBeginRequiresPreviousComplete(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	q := mustQueue(t, DefaultConfig())

	if _, err := q.Begin(c.set, 100); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := q.Begin(c.set, 101); btc.CodeOf(err) != btc.ERR_STALE_CHECKPOINT {
		t.Fatalf("second Begin err = %v, want STALE_CHECKPOINT_STATE", err)
	}
}

func TestAdvanceTriggers(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	cfg.MinIntervalBlocks = 10
	cfg.MaxPendingBatch = 3
	q := mustQueue(t, cfg)

	cp, _ := q.Begin(c.set, 100)
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 10_000_000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}

	// Neither trigger has fired.
	advanced, _, err := q.Advance(105, false)
	if err != nil || advanced {
		t.Fatalf("early Advance = %v, %v", advanced, err)
	}
	if cp.Status != Building {
		t.Fatalf("checkpoint advanced early")
	}

	// Elapsed-height trigger.
	advanced, _, err = q.Advance(110, false)
	if err != nil || !advanced {
		t.Fatalf("interval Advance = %v, %v", advanced, err)
	}

	// Batch-size trigger on a fresh checkpoint.
	finishSigning(t, c, q)
	cp2, err := q.Begin(c.set, 110)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := cp2.AddWithdrawal(p2wpkhOutput(1_000_000, 8)); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}
	if err := cp2.AddWithdrawal(p2wpkhOutput(1_000_000, 9)); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}
	if !q.ShouldAdvance(110) {
		t.Fatalf("batch trigger did not fire at %d pending items", cp2.BatchSize())
	}
}

// finishSigning drives the current Signing checkpoint to Complete.
func finishSigning(t *testing.T, c *committee, q *Queue) {
	t.Helper()
	cp, err := q.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	for pos := 0; pos < c.set.Len(); pos++ {
		if cp.Status == Complete {
			return
		}
		c.signAll(t, q, cp, pos)
	}
	if cp.Status != Complete {
		t.Fatalf("checkpoint did not complete with every signature")
	}
}

func TestAdvanceRequeuesDustWithdrawals(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	q := mustQueue(t, cfg)

	cp, _ := q.Begin(c.set, 100)
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 10_000_000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	healthy := p2wpkhOutput(1_000_000, 7)
	dust := p2wpkhOutput(400, 8)
	if err := cp.AddWithdrawal(healthy); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}
	if err := cp.AddWithdrawal(dust); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}

	advanced, requeued, err := q.Advance(100, true)
	if err != nil || !advanced {
		t.Fatalf("Advance = %v, %v", advanced, err)
	}
	if len(requeued) != 1 || requeued[0].Value != 400 {
		t.Fatalf("requeued = %+v, want the 400-sat output", requeued)
	}
	if len(cp.tx.Outputs) != 2 {
		t.Fatalf("tx has %d outputs, want reserve + healthy withdrawal", len(cp.tx.Outputs))
	}
	for i, out := range cp.tx.Outputs {
		if out.Value < btc.DustLimit(out.ScriptPubkey) {
			t.Fatalf("output %d left below dust after fee split", i)
		}
	}
	// The requeued value is still owed, so the reserve must retain it. Both
	// surviving outputs paid an equal fee share, leaving the gap between
	// reserve and withdrawal at exactly (input - withdrawals) + dust.
	if diff := cp.tx.Outputs[0].Value - cp.tx.Outputs[1].Value; diff != 8_000_000 {
		t.Fatalf("reserve exceeds withdrawal by %d, want 8000000 with the requeued value retained", diff)
	}
}

func TestFreezeRejectsOverdrawnCheckpoint(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	q := mustQueue(t, cfg)

	cp, _ := q.Begin(c.set, 100)
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 1000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if err := cp.AddWithdrawal(p2wpkhOutput(5000, 7)); err != nil {
		t.Fatalf("AddWithdrawal: %v", err)
	}
	if _, _, err := q.Advance(100, true); btc.CodeOf(err) != btc.ERR_STALE_CHECKPOINT {
		t.Fatalf("overdrawn freeze err = %v", err)
	}
}

func TestSubmitSignatures_Rejections(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	q := mustQueue(t, cfg)

	cp, _ := q.Begin(c.set, 100)
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 10_000_000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}

	pk := c.set.Signatories[0].Pubkey
	// Signing has not started.
	if _, err := q.SubmitSignatures(pk, [][]byte{nil}); btc.CodeOf(err) != btc.ERR_STALE_CHECKPOINT {
		t.Fatalf("building-phase submit err = %v", err)
	}

	if _, _, err := q.Advance(100, true); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Wrong arity.
	if _, err := q.SubmitSignatures(pk, nil); btc.CodeOf(err) != btc.ERR_INVALID_SIGNATURE {
		t.Fatalf("arity err = %v", err)
	}
	// Signature over the wrong message.
	bogus := secpecdsa.Sign(c.privs[pk], make([]byte, 32)).Serialize()
	if _, err := q.SubmitSignatures(pk, [][]byte{bogus}); btc.CodeOf(err) != btc.ERR_INVALID_SIGNATURE {
		t.Fatalf("bad signature err = %v", err)
	}
	if cp.Inputs[0].Sigs.SignedPower() != 0 {
		t.Fatalf("rejected share counted toward power")
	}
}

func TestFeeRateAdjustment(t *testing.T) {
	c := newCommittee(t, []uint64{2, 1, 1})
	cfg := DefaultConfig()
	cfg.FeeRate = 100
	q := mustQueue(t, cfg)

	cp, _ := q.Begin(c.set, 100)
	if err := cp.AddInput(depositInput(t, c, cfg.Schedule, 10_000_000, 1)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if _, _, err := q.Advance(100, true); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	finishSigning(t, c, q)

	// Slow confirmation scales the rate up by a quarter.
	if err := q.RecordConfirmation(0, cfg.TargetConfirmBlocks+10); err != nil {
		t.Fatalf("RecordConfirmation: %v", err)
	}
	if q.FeeRate() != 125 {
		t.Fatalf("rate after slow confirmation = %d, want 125", q.FeeRate())
	}
	// Fast confirmation scales it back down.
	if err := q.RecordConfirmation(0, 1); err != nil {
		t.Fatalf("RecordConfirmation: %v", err)
	}
	if q.FeeRate() != 93 {
		t.Fatalf("rate after fast confirmation = %d, want 93", q.FeeRate())
	}

	// The rate never escapes its bounds.
	for i := 0; i < 30; i++ {
		_ = q.RecordConfirmation(0, cfg.TargetConfirmBlocks+10)
	}
	if q.FeeRate() != cfg.MaxFeeRate {
		t.Fatalf("rate not clamped to max: %d", q.FeeRate())
	}
	for i := 0; i < 30; i++ {
		_ = q.RecordConfirmation(0, 1)
	}
	if q.FeeRate() != cfg.MinFeeRate {
		t.Fatalf("rate not clamped to min: %d", q.FeeRate())
	}
}
