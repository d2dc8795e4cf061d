package checkpoint

import (
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/sigset"
)

// Status is a checkpoint's lifecycle stage. Transitions only move forward:
// Building -> Signing -> Complete.
type Status string

const (
	Building Status = "building"
	Signing  Status = "signing"
	Complete Status = "complete"
)

// reserveCommitment is the destination commitment used for reserve
// outputs, distinguishing them from deposit outputs committed to a
// depositor destination.
var reserveCommitment = []byte{0}

// worstCaseSigLen is the size of a DER signature plus sighash type byte
// used when estimating witness weight before signatures exist.
const worstCaseSigLen = 73

// Input is one spend in a checkpoint transaction: either the previous
// checkpoint's reserve output or a confirmed deposit output. Each input
// stays bound to the signatory set that owned it when it was created, so
// committee rotations never strand funds.
type Input struct {
	Prevout      btc.OutPoint
	Amount       uint64
	RedeemScript []byte
	SigSet       *sigset.SignatorySet

	// Sigs collects signature shares once the checkpoint reaches Signing.
	Sigs *sigset.ThresholdSig
}

// Checkpoint is one link in the chain of custody transactions. While
// Building it accumulates deposit inputs and withdrawal outputs; Advance
// freezes it into a transaction with known txid and populates the
// sighashes; signatures then drive it to Complete.
type Checkpoint struct {
	Index        uint32
	Status       Status
	CreateHeight uint32
	SigSet       *sigset.SignatorySet
	FeeRate      uint64

	Inputs      []*Input
	Withdrawals []btc.TxOutput

	reserveRedeem []byte
	tx            *btc.Tx
}

func newCheckpoint(index, height uint32, set *sigset.SignatorySet, feeRate uint64, schedule *sigset.ThresholdSchedule) (*Checkpoint, error) {
	redeem, err := sigset.RedeemScript(set, reserveCommitment, schedule)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Index:         index,
		Status:        Building,
		CreateHeight:  height,
		SigSet:        set,
		FeeRate:       feeRate,
		reserveRedeem: redeem,
	}, nil
}

// ReserveScript is the P2WSH script pubkey of this checkpoint's reserve
// output.
func (c *Checkpoint) ReserveScript() []byte {
	return btc.PayToWitnessScriptHash(c.reserveRedeem)
}

// ReserveRedeem is the witness script behind the reserve output, needed to
// spend it from the next checkpoint.
func (c *Checkpoint) ReserveRedeem() []byte {
	return append([]byte(nil), c.reserveRedeem...)
}

func (c *Checkpoint) AddInput(in *Input) error {
	if c.Status != Building {
		return btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, inputs are frozen", c.Index, c.Status)
	}
	c.Inputs = append(c.Inputs, in)
	return nil
}

func (c *Checkpoint) AddWithdrawal(out btc.TxOutput) error {
	if c.Status != Building {
		return btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, outputs are frozen", c.Index, c.Status)
	}
	c.Withdrawals = append(c.Withdrawals, out)
	return nil
}

// InputAmount is the total value of all accumulated inputs.
func (c *Checkpoint) InputAmount() uint64 {
	var sum uint64
	for _, in := range c.Inputs {
		sum += in.Amount
	}
	return sum
}

// WithdrawalAmount is the total value of all queued withdrawal outputs.
func (c *Checkpoint) WithdrawalAmount() uint64 {
	var sum uint64
	for _, out := range c.Withdrawals {
		sum += out.Value
	}
	return sum
}

// BatchSize is the number of pending inputs and outputs, used as one of
// the close triggers.
func (c *Checkpoint) BatchSize() int {
	return len(c.Inputs) + len(c.Withdrawals)
}

// Tx returns the finished checkpoint transaction. Before Complete the
// transaction either does not exist or lacks its witnesses.
func (c *Checkpoint) Tx() (*btc.Tx, error) {
	switch c.Status {
	case Complete:
		return c.tx, nil
	case Signing:
		return nil, btc.Errf(btc.ERR_THRESHOLD_NOT_MET,
			"checkpoint %d is still collecting signatures", c.Index)
	default:
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, transaction not final", c.Index, c.Status)
	}
}

// ReserveOutpoint identifies the reserve output funding the next
// checkpoint. The txid is only stable once the checkpoint has advanced
// out of Building.
func (c *Checkpoint) ReserveOutpoint() (btc.OutPoint, error) {
	if c.Status == Building || c.tx == nil {
		return btc.OutPoint{}, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d has no frozen transaction", c.Index)
	}
	return btc.OutPoint{TxID: c.tx.TxID(), Vout: 0}, nil
}

// ReserveValue is the amount held by the reserve output after fees.
func (c *Checkpoint) ReserveValue() (uint64, error) {
	if c.Status == Building || c.tx == nil {
		return 0, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d has no frozen transaction", c.Index)
	}
	return c.tx.Outputs[0].Value, nil
}

// freeze builds the checkpoint transaction, deducts fees, and opens a
// signing session per input. Withdrawal outputs made dust by the fee
// split are returned for requeueing into the next checkpoint.
func (c *Checkpoint) freeze() ([]btc.TxOutput, error) {
	if len(c.Inputs) == 0 {
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d has nothing to spend", c.Index)
	}

	inAmount := c.InputAmount()
	outAmount := c.WithdrawalAmount()
	if inAmount < outAmount {
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT,
			"checkpoint %d withdrawals %d exceed inputs %d", c.Index, outAmount, inAmount)
	}

	tx := &btc.Tx{Version: 2}
	for _, in := range c.Inputs {
		tx.Inputs = append(tx.Inputs, btc.TxInput{
			Prevout:  in.Prevout,
			Sequence: 0xffffffff,
		})
	}
	tx.Outputs = append(tx.Outputs, btc.TxOutput{
		Value:        inAmount - outAmount,
		ScriptPubkey: c.ReserveScript(),
	})
	tx.Outputs = append(tx.Outputs, c.Withdrawals...)

	fee := c.estimateFee(tx)
	requeued, err := deductFee(tx, fee)
	if err != nil {
		return nil, err
	}

	for i, in := range c.Inputs {
		sighash, err := btc.WitnessSighash(tx, i, in.RedeemScript, in.Amount)
		if err != nil {
			return nil, err
		}
		in.Sigs = sigset.NewThresholdSig(in.SigSet, sighash)
	}

	c.tx = tx
	c.Status = Signing
	return requeued, nil
}

// estimateFee prices the transaction at its worst-case weight: every
// signatory slot in every input carries a maximum-size signature.
func (c *Checkpoint) estimateFee(tx *btc.Tx) uint64 {
	for i, in := range c.Inputs {
		items := make([][]byte, 0, in.SigSet.Len()+1)
		for range in.SigSet.Signatories {
			items = append(items, make([]byte, worstCaseSigLen))
		}
		items = append(items, in.RedeemScript)
		tx.Inputs[i].Witness = items
	}
	vsize := btc.TxVsize(tx)
	for i := range tx.Inputs {
		tx.Inputs[i].Witness = nil
	}
	return vsize * c.FeeRate
}

// deductFee splits fee evenly across the transaction's outputs, dropping
// withdrawal outputs too small to pay their share. Dropped outputs are
// returned so the caller can requeue them. The reserve output (index 0)
// must survive the split.
func deductFee(tx *btc.Tx, fee uint64) ([]btc.TxOutput, error) {
	if fee == 0 {
		return nil, nil
	}

	outputs := tx.Outputs
	var removed []btc.TxOutput
	var share uint64
	for {
		share = fee / uint64(len(outputs))

		kept := outputs[:0:0]
		minHeadroom := ^uint64(0)
		for i, out := range outputs {
			dust := btc.DustLimit(out.ScriptPubkey)
			var headroom uint64
			if out.Value > dust {
				headroom = out.Value - dust
			}
			if headroom <= share {
				// Order is preserved across rounds, so while the reserve
				// survives it is always the first output.
				if i == 0 {
					return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT,
						"reserve output cannot cover its fee share of %d", share)
				}
				removed = append(removed, out)
				continue
			}
			if headroom < minHeadroom {
				minHeadroom = headroom
			}
			kept = append(kept, out)
		}
		outputs = kept

		if minHeadroom >= fee/uint64(len(outputs)) {
			share = fee / uint64(len(outputs))
			break
		}
	}

	for i := range outputs {
		outputs[i].Value -= share
	}
	// Removed outputs stay owed to their destinations via requeueing; their
	// value rides in the reserve until the next checkpoint spends it.
	for _, out := range removed {
		outputs[0].Value += out.Value
	}
	tx.Outputs = outputs
	return removed, nil
}

// submitSignatures records one signer's shares, one DER signature per
// input in order. Inputs whose set does not include the signer take an
// empty placeholder.
func (c *Checkpoint) submitSignatures(pubkey [33]byte, sigs [][]byte) error {
	if c.Status != Signing {
		return btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, not accepting signatures", c.Index, c.Status)
	}
	if len(sigs) != len(c.Inputs) {
		return btc.Errf(btc.ERR_INVALID_SIGNATURE,
			"got %d signatures for %d inputs", len(sigs), len(c.Inputs))
	}
	for i, in := range c.Inputs {
		if len(sigs[i]) == 0 {
			if in.Sigs.NeedsSig(pubkey) {
				return btc.Errf(btc.ERR_INVALID_SIGNATURE, "input %d missing signature from %x", i, pubkey[:4])
			}
			continue
		}
		if err := in.Sigs.Sign(pubkey, sigs[i]); err != nil {
			return err
		}
	}
	return nil
}

// signedAt reports whether every input has collected at least the
// required fraction of its set's power.
func (c *Checkpoint) signedAt(num, den uint64) bool {
	for _, in := range c.Inputs {
		required := in.SigSet.RequiredPower(sigset.Tier{Numerator: num, Denominator: den})
		if in.Sigs.SignedPower() < required {
			return false
		}
	}
	return true
}

// complete attaches the collected witnesses and finalizes the
// transaction.
func (c *Checkpoint) complete() {
	for i, in := range c.Inputs {
		c.tx.Inputs[i].Witness = in.Sigs.Witness(in.RedeemScript)
	}
	c.Status = Complete
}
