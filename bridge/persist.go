package bridge

import (
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/headers"
	"btcpeg.dev/node/ledger"
)

// State is the persistence form of the whole bridge.
type State struct {
	Headers       []headers.StoredHeader
	Ledger        ledger.Snapshot
	Set           checkpoint.SetRecord
	Checkpoints   []checkpoint.Record
	PendingInputs []checkpoint.InputRecord
}

// ExportState snapshots everything a restart needs. Headers replay
// through full validation on restore; signing progress is intentionally
// not carried (signers resubmit).
func (b *Bridge) ExportState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{
		Headers:     b.chain.Export(),
		Ledger:      b.ledger.Snapshot(),
		Set:         checkpoint.RecordSet(b.set),
		Checkpoints: b.queue.Export(),
	}
	for _, in := range b.pendingInputs {
		st.PendingInputs = append(st.PendingInputs, checkpoint.RecordInput(in))
	}
	return st
}

// Restore rebuilds a bridge from a persisted state.
func Restore(cfg Config, st State) (*Bridge, error) {
	chain, err := headers.Restore(cfg.Headers, st.Headers)
	if err != nil {
		return nil, err
	}
	queue, err := checkpoint.RestoreQueue(cfg.Checkpoint, st.Checkpoints)
	if err != nil {
		return nil, err
	}
	set, err := st.Set.Restore()
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:    cfg,
		chain:  chain,
		queue:  queue,
		ledger: ledger.FromSnapshot(cfg.Ledger, st.Ledger),
		set:    set,
	}
	for _, rec := range st.PendingInputs {
		in, err := rec.Restore()
		if err != nil {
			return nil, err
		}
		b.pendingInputs = append(b.pendingInputs, in)
	}
	return b, nil
}
