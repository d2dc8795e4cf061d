package checkpoint

import (
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/sigset"
)

// Config carries the checkpoint policy.
type Config struct {
	// MinIntervalBlocks is the elapsed-height close trigger for a Building
	// checkpoint.
	MinIntervalBlocks uint32
	// MaxPendingBatch closes a Building checkpoint early once it holds
	// this many inputs plus outputs.
	MaxPendingBatch int

	// FeeRate is the initial satoshis-per-vbyte rate; confirmation
	// feedback adjusts it within [MinFeeRate, MaxFeeRate].
	FeeRate    uint64
	MinFeeRate uint64
	MaxFeeRate uint64
	// TargetConfirmBlocks is the confirmation depth budget; completed
	// checkpoints confirming slower push the rate up, faster pull it down.
	TargetConfirmBlocks uint32

	// ThresholdNumerator/Denominator is the power fraction every input
	// must collect before a checkpoint completes. This is a fixed bar,
	// independent of the decay tiers in the spending script.
	ThresholdNumerator   uint64
	ThresholdDenominator uint64

	// Schedule shapes the reserve output's spending script.
	Schedule *sigset.ThresholdSchedule
}

func DefaultConfig() Config {
	return Config{
		MinIntervalBlocks:    6,
		MaxPendingBatch:      100,
		FeeRate:              55,
		MinFeeRate:           40,
		MaxFeeRate:           1000,
		TargetConfirmBlocks:  6,
		ThresholdNumerator:   2,
		ThresholdDenominator: 3,
		Schedule:             sigset.DefaultSchedule(),
	}
}

func validateConfig(cfg Config) error {
	if cfg.ThresholdDenominator == 0 || cfg.ThresholdNumerator == 0 ||
		cfg.ThresholdNumerator > cfg.ThresholdDenominator {
		return btc.Errf(btc.ERR_PARSE, "checkpoint: threshold %d/%d out of range",
			cfg.ThresholdNumerator, cfg.ThresholdDenominator)
	}
	if cfg.MinFeeRate == 0 || cfg.MaxFeeRate < cfg.MinFeeRate {
		return btc.Errf(btc.ERR_PARSE, "checkpoint: fee rate bounds [%d, %d] invalid",
			cfg.MinFeeRate, cfg.MaxFeeRate)
	}
	if cfg.FeeRate < cfg.MinFeeRate || cfg.FeeRate > cfg.MaxFeeRate {
		return btc.Errf(btc.ERR_PARSE, "checkpoint: fee rate %d outside [%d, %d]",
			cfg.FeeRate, cfg.MinFeeRate, cfg.MaxFeeRate)
	}
	if cfg.Schedule == nil || len(cfg.Schedule.Tiers) == 0 {
		return btc.Errf(btc.ERR_PARSE, "checkpoint: missing threshold schedule")
	}
	return nil
}

// Queue is the indexed arena of checkpoints. At most one checkpoint is
// non-terminal at any time; checkpoints reference each other by index,
// never by pointer.
type Queue struct {
	cfg         Config
	checkpoints []*Checkpoint
	feeRate     uint64
}

func NewQueue(cfg Config) (*Queue, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Queue{cfg: cfg, feeRate: cfg.FeeRate}, nil
}

// Len is the number of checkpoints ever created.
func (q *Queue) Len() int {
	return len(q.checkpoints)
}

// FeeRate is the rate the next Building checkpoint will use.
func (q *Queue) FeeRate() uint64 {
	return q.feeRate
}

// Get returns the checkpoint at the given index.
func (q *Queue) Get(index uint32) (*Checkpoint, error) {
	if int(index) >= len(q.checkpoints) {
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d does not exist", index)
	}
	return q.checkpoints[index], nil
}

// Current returns the newest checkpoint.
func (q *Queue) Current() (*Checkpoint, error) {
	if len(q.checkpoints) == 0 {
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "no checkpoints exist")
	}
	return q.checkpoints[len(q.checkpoints)-1], nil
}

// Building returns the current checkpoint if it is accepting inputs and
// outputs.
func (q *Queue) Building() (*Checkpoint, error) {
	cp, err := q.Current()
	if err != nil {
		return nil, err
	}
	if cp.Status != Building {
		return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, not building", cp.Index, cp.Status)
	}
	return cp, nil
}

// LastComplete returns the newest Complete checkpoint.
func (q *Queue) LastComplete() (*Checkpoint, error) {
	for i := len(q.checkpoints) - 1; i >= 0; i-- {
		if q.checkpoints[i].Status == Complete {
			return q.checkpoints[i], nil
		}
	}
	return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT, "no complete checkpoint exists")
}

// Begin opens the next Building checkpoint for the given signatory set.
// Beyond the first checkpoint the previous one must be Complete, and its
// reserve output becomes input 0 of the new checkpoint. A committee
// rotation takes effect here: the new reserve pays the new set while
// input 0 stays spendable by the old one.
func (q *Queue) Begin(set *sigset.SignatorySet, height uint32) (*Checkpoint, error) {
	var reserve *Input
	if len(q.checkpoints) > 0 {
		prev := q.checkpoints[len(q.checkpoints)-1]
		if prev.Status != Complete {
			return nil, btc.Errf(btc.ERR_STALE_CHECKPOINT,
				"checkpoint %d is %s, cannot begin the next", prev.Index, prev.Status)
		}
		outpoint, err := prev.ReserveOutpoint()
		if err != nil {
			return nil, err
		}
		value, err := prev.ReserveValue()
		if err != nil {
			return nil, err
		}
		reserve = &Input{
			Prevout:      outpoint,
			Amount:       value,
			RedeemScript: prev.ReserveRedeem(),
			SigSet:       prev.SigSet,
		}
	}

	cp, err := newCheckpoint(uint32(len(q.checkpoints)), height, set, q.feeRate, q.cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if reserve != nil {
		cp.Inputs = append(cp.Inputs, reserve)
	}
	q.checkpoints = append(q.checkpoints, cp)
	return cp, nil
}

// ShouldAdvance reports whether the Building checkpoint's close triggers
// have fired at the given height.
func (q *Queue) ShouldAdvance(height uint32) bool {
	cp, err := q.Building()
	if err != nil {
		return false
	}
	if height >= cp.CreateHeight && height-cp.CreateHeight >= q.cfg.MinIntervalBlocks {
		return true
	}
	return cp.BatchSize() >= q.cfg.MaxPendingBatch
}

// Advance freezes the Building checkpoint into Signing when a close
// trigger has fired (or force is set). It reports whether the checkpoint
// advanced and returns any withdrawal outputs pushed back for the next
// checkpoint because the fee split made them dust.
func (q *Queue) Advance(height uint32, force bool) (bool, []btc.TxOutput, error) {
	cp, err := q.Building()
	if err != nil {
		return false, nil, err
	}
	if !force && !q.ShouldAdvance(height) {
		return false, nil, nil
	}
	requeued, err := cp.freeze()
	if err != nil {
		return false, nil, err
	}
	return true, requeued, nil
}

// SubmitSignatures applies one signer's shares to the Signing checkpoint
// and completes it once every input holds the configured power fraction.
func (q *Queue) SubmitSignatures(pubkey [33]byte, sigs [][]byte) (Status, error) {
	cp, err := q.Current()
	if err != nil {
		return "", err
	}
	if err := cp.submitSignatures(pubkey, sigs); err != nil {
		return "", err
	}
	if cp.signedAt(q.cfg.ThresholdNumerator, q.cfg.ThresholdDenominator) {
		cp.complete()
	}
	return cp.Status, nil
}

// RecordConfirmation feeds back how many blocks a completed checkpoint
// took to confirm, scaling the fee rate for subsequent checkpoints.
func (q *Queue) RecordConfirmation(index uint32, blocksToConfirm uint32) error {
	cp, err := q.Get(index)
	if err != nil {
		return err
	}
	if cp.Status != Complete {
		return btc.Errf(btc.ERR_STALE_CHECKPOINT, "checkpoint %d is %s, not awaiting confirmation", index, cp.Status)
	}
	if blocksToConfirm > q.cfg.TargetConfirmBlocks {
		q.feeRate = adjustFeeRate(q.feeRate, true, q.cfg)
	} else {
		q.feeRate = adjustFeeRate(q.feeRate, false, q.cfg)
	}
	return nil
}

// adjustFeeRate scales the rate by a quarter in the requested direction,
// moving at least one unit, clamped to the configured bounds.
func adjustFeeRate(rate uint64, up bool, cfg Config) uint64 {
	var next uint64
	if up {
		next = rate * 5 / 4
		if next <= rate {
			next = rate + 1
		}
	} else {
		next = rate * 3 / 4
		if next >= rate && rate > 0 {
			next = rate - 1
		}
	}
	if next < cfg.MinFeeRate {
		return cfg.MinFeeRate
	}
	if next > cfg.MaxFeeRate {
		return cfg.MaxFeeRate
	}
	return next
}
