package ledger

import (
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/headers"
)

// Config bounds what the ledger will accept.
type Config struct {
	// MinConfirmations is the depth a deposit's block needs below the tip
	// before the deposit can be credited.
	MinConfirmations uint32
	// MinDepositAmount and MinWithdrawalAmount filter out values too small
	// to be worth a checkpoint slot, in satoshis.
	MinDepositAmount    uint64
	MinWithdrawalAmount uint64
}

func DefaultConfig() Config {
	return Config{
		MinConfirmations:    6,
		MinDepositAmount:    5000,
		MinWithdrawalAmount: 5000,
	}
}

// Deposit is a credited peg-in.
type Deposit struct {
	Outpoint    btc.OutPoint
	Amount      uint64
	Destination string
	BlockHash   [32]byte
}

// Withdrawal is a queued peg-out request awaiting a checkpoint slot.
type Withdrawal struct {
	Seq          uint64
	ScriptPubkey []byte
	Amount       uint64
}

// Ledger tracks which deposit outpoints have been credited and which
// withdrawal requests await inclusion in a checkpoint. Every mutation
// either fully applies or leaves the ledger untouched.
type Ledger struct {
	cfg      Config
	credited map[btc.OutPoint]bool
	balances map[string]uint64
	pending  []Withdrawal
	nextSeq  uint64
}

func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		cfg:      cfg,
		credited: make(map[btc.OutPoint]bool),
		balances: make(map[string]uint64),
	}
}

// CreditDeposit validates a peg-in against the header chain and credits it
// exactly once. The deposit transaction must sit in a sufficiently buried
// best-chain block, its merkle proof must bind it to that block, the named
// output must pay expectedScript (the signatory script committed to the
// destination), and the outpoint must not have been credited before.
func (l *Ledger) CreditDeposit(
	chain *headers.ChainState,
	blockHash [32]byte,
	proof *btc.MerkleProof,
	tx *btc.Tx,
	vout uint32,
	expectedScript []byte,
	destination string,
) (*Deposit, error) {
	txid := tx.TxID()
	if proof.TxID != txid {
		return nil, btc.Errf(btc.ERR_MERKLE_MISMATCH, "ledger: proof is for txid %x, deposit is %x", proof.TxID[:8], txid[:8])
	}

	conf, err := chain.Confirmations(blockHash)
	if err != nil {
		return nil, err
	}
	if conf < l.cfg.MinConfirmations {
		return nil, btc.Errf(btc.ERR_INSUFFICIENT_CONF,
			"ledger: block %x has %d confirmations, need %d", blockHash[:8], conf, l.cfg.MinConfirmations)
	}

	header, _, ok := chain.HeaderByHash(blockHash)
	if !ok {
		return nil, btc.Errf(btc.ERR_UNKNOWN_HEADER, "ledger: block %x not known", blockHash[:8])
	}
	if err := proof.Verify(header.MerkleRoot); err != nil {
		return nil, err
	}

	if int(vout) >= len(tx.Outputs) {
		return nil, btc.Errf(btc.ERR_PARSE, "ledger: output %d out of range, tx has %d", vout, len(tx.Outputs))
	}
	out := tx.Outputs[vout]
	if string(out.ScriptPubkey) != string(expectedScript) {
		return nil, btc.Errf(btc.ERR_SCRIPT, "ledger: deposit output does not pay the signatory script")
	}
	if out.Value < l.cfg.MinDepositAmount {
		return nil, btc.Errf(btc.ERR_AMOUNT,
			"ledger: deposit of %d below minimum %d", out.Value, l.cfg.MinDepositAmount)
	}

	outpoint := btc.OutPoint{TxID: txid, Vout: vout}
	if l.credited[outpoint] {
		return nil, btc.Errf(btc.ERR_DUPLICATE_NONCE, "ledger: outpoint %x:%d already credited", txid[:8], vout)
	}

	l.credited[outpoint] = true
	l.balances[destination] += out.Value
	return &Deposit{
		Outpoint:    outpoint,
		Amount:      out.Value,
		Destination: destination,
		BlockHash:   blockHash,
	}, nil
}

// Balance is the total credited to a destination.
func (l *Ledger) Balance(destination string) uint64 {
	return l.balances[destination]
}

// Credited reports whether a deposit outpoint has been used.
func (l *Ledger) Credited(outpoint btc.OutPoint) bool {
	return l.credited[outpoint]
}

// QueueWithdrawal enqueues a peg-out paying amount to scriptPubkey and
// returns its sequence number.
func (l *Ledger) QueueWithdrawal(scriptPubkey []byte, amount uint64) (uint64, error) {
	if len(scriptPubkey) == 0 {
		return 0, btc.Errf(btc.ERR_SCRIPT, "ledger: empty withdrawal script")
	}
	if amount < l.cfg.MinWithdrawalAmount {
		return 0, btc.Errf(btc.ERR_AMOUNT,
			"ledger: withdrawal of %d below minimum %d", amount, l.cfg.MinWithdrawalAmount)
	}
	if amount < btc.DustLimit(scriptPubkey) {
		return 0, btc.Errf(btc.ERR_AMOUNT, "ledger: withdrawal of %d is dust", amount)
	}
	seq := l.nextSeq
	l.nextSeq++
	l.pending = append(l.pending, Withdrawal{Seq: seq, ScriptPubkey: scriptPubkey, Amount: amount})
	return seq, nil
}

// Pending returns the queued withdrawals without draining them.
func (l *Ledger) Pending() []Withdrawal {
	out := make([]Withdrawal, len(l.pending))
	copy(out, l.pending)
	return out
}

// Drain hands the queued withdrawals to a checkpoint and empties the
// queue. Each request is drained exactly once.
func (l *Ledger) Drain() []Withdrawal {
	out := l.pending
	l.pending = nil
	return out
}

// Snapshot is the persistence form of the ledger.
type Snapshot struct {
	Credited []btc.OutPoint
	Balances map[string]uint64
	Pending  []Withdrawal
	NextSeq  uint64
}

func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Balances: make(map[string]uint64, len(l.balances)),
		Pending:  make([]Withdrawal, len(l.pending)),
		NextSeq:  l.nextSeq,
	}
	for op := range l.credited {
		s.Credited = append(s.Credited, op)
	}
	for dest, v := range l.balances {
		s.Balances[dest] = v
	}
	copy(s.Pending, l.pending)
	return s
}

// FromSnapshot rebuilds a ledger from its persisted form.
func FromSnapshot(cfg Config, s Snapshot) *Ledger {
	l := NewLedger(cfg)
	for _, op := range s.Credited {
		l.credited[op] = true
	}
	for dest, v := range s.Balances {
		l.balances[dest] = v
	}
	l.pending = append(l.pending, s.Pending...)
	l.nextSeq = s.NextSeq
	return l
}

// Requeue pushes withdrawal outputs back into the queue with fresh
// sequence numbers, for outputs a checkpoint's fee split displaced.
func (l *Ledger) Requeue(outputs []btc.TxOutput) {
	for _, out := range outputs {
		seq := l.nextSeq
		l.nextSeq++
		l.pending = append(l.pending, Withdrawal{Seq: seq, ScriptPubkey: out.ScriptPubkey, Amount: out.Value})
	}
}
