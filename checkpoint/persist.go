package checkpoint

import (
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/sigset"
)

// SetRecord is the persistence form of a signatory set.
type SetRecord struct {
	Index        uint32
	CreateHeight uint32
	Signatories  []sigset.Signatory
}

func RecordSet(set *sigset.SignatorySet) SetRecord {
	return SetRecord{
		Index:        set.Index,
		CreateHeight: set.CreateHeight,
		Signatories:  append([]sigset.Signatory(nil), set.Signatories...),
	}
}

// Restore revalidates and rebuilds the set.
func (r SetRecord) Restore() (*sigset.SignatorySet, error) {
	return sigset.NewSignatorySet(r.Index, r.CreateHeight, r.Signatories)
}

// InputRecord is the persistence form of a checkpoint input.
type InputRecord struct {
	Prevout      btc.OutPoint
	Amount       uint64
	RedeemScript []byte
	Set          SetRecord
}

func RecordInput(in *Input) InputRecord {
	return InputRecord{
		Prevout:      in.Prevout,
		Amount:       in.Amount,
		RedeemScript: append([]byte(nil), in.RedeemScript...),
		Set:          RecordSet(in.SigSet),
	}
}

// Restore rebuilds the input with an unopened signing slot.
func (r InputRecord) Restore() (*Input, error) {
	set, err := r.Set.Restore()
	if err != nil {
		return nil, err
	}
	return &Input{
		Prevout:      r.Prevout,
		Amount:       r.Amount,
		RedeemScript: append([]byte(nil), r.RedeemScript...),
		SigSet:       set,
	}, nil
}

// Record is the persistence form of one checkpoint. Signature shares
// collected during Signing are not persisted; signers resubmit after a
// restart (sighashes are recomputed from the frozen transaction).
type Record struct {
	Index        uint32
	Status       Status
	CreateHeight uint32
	FeeRate      uint64
	Set          SetRecord
	Inputs       []InputRecord
	Withdrawals  []btc.TxOutput
	// TxBytes is the frozen transaction for Signing and Complete
	// checkpoints; Complete records carry the witnesses.
	TxBytes []byte
}

// Export snapshots the whole queue for persistence.
func (q *Queue) Export() []Record {
	records := make([]Record, 0, len(q.checkpoints))
	for _, cp := range q.checkpoints {
		rec := Record{
			Index:        cp.Index,
			Status:       cp.Status,
			CreateHeight: cp.CreateHeight,
			FeeRate:      cp.FeeRate,
			Set:          RecordSet(cp.SigSet),
			Withdrawals:  append([]btc.TxOutput(nil), cp.Withdrawals...),
		}
		for _, in := range cp.Inputs {
			rec.Inputs = append(rec.Inputs, RecordInput(in))
		}
		if cp.tx != nil {
			rec.TxBytes = btc.TxBytes(cp.tx, cp.Status == Complete)
		}
		records = append(records, rec)
	}
	return records
}

// RestoreQueue rebuilds a queue from exported records. Frozen checkpoints
// get their signing sessions reopened empty; Complete checkpoints keep
// the witnesses carried in their transaction bytes.
func RestoreQueue(cfg Config, records []Record) (*Queue, error) {
	q, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if int(rec.Index) != len(q.checkpoints) {
			return nil, btc.Errf(btc.ERR_PARSE, "checkpoint: records out of order at index %d", rec.Index)
		}
		set, err := rec.Set.Restore()
		if err != nil {
			return nil, err
		}
		cp, err := newCheckpoint(rec.Index, rec.CreateHeight, set, rec.FeeRate, cfg.Schedule)
		if err != nil {
			return nil, err
		}
		cp.Status = rec.Status
		cp.Withdrawals = append([]btc.TxOutput(nil), rec.Withdrawals...)
		for _, inRec := range rec.Inputs {
			in, err := inRec.Restore()
			if err != nil {
				return nil, err
			}
			cp.Inputs = append(cp.Inputs, in)
		}

		if rec.Status != Building {
			if len(rec.TxBytes) == 0 {
				return nil, btc.Errf(btc.ERR_PARSE, "checkpoint: %s record %d missing transaction", rec.Status, rec.Index)
			}
			tx, err := btc.ParseTxBytes(rec.TxBytes)
			if err != nil {
				return nil, err
			}
			cp.tx = tx
			for i, in := range cp.Inputs {
				sighash, err := btc.WitnessSighash(tx, i, in.RedeemScript, in.Amount)
				if err != nil {
					return nil, err
				}
				in.Sigs = sigset.NewThresholdSig(in.SigSet, sighash)
			}
		}
		q.checkpoints = append(q.checkpoints, cp)
	}
	if len(q.checkpoints) > 0 {
		q.feeRate = q.checkpoints[len(q.checkpoints)-1].FeeRate
	}
	return q, nil
}
