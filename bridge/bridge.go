package bridge

import (
	"sync"

	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/headers"
	"btcpeg.dev/node/ledger"
	"btcpeg.dev/node/sigset"
)

// Config assembles the component policies plus the Bitcoin network the
// bridge watches.
type Config struct {
	Network    btc.NetParams
	Headers    headers.Config
	Checkpoint checkpoint.Config
	Ledger     ledger.Config
}

// Bridge is the single entry point for every state transition. It owns the
// header chain, the checkpoint queue, the ledger, and the current
// signatory set, and serializes all access behind one lock: callers never
// observe or produce partial state.
type Bridge struct {
	mu sync.Mutex

	cfg    Config
	chain  *headers.ChainState
	queue  *checkpoint.Queue
	ledger *ledger.Ledger
	set    *sigset.SignatorySet

	// pendingInputs holds credited deposits that arrived while no
	// checkpoint was accepting inputs; they drain into the next Building
	// checkpoint.
	pendingInputs []*checkpoint.Input
}

func New(cfg Config, set *sigset.SignatorySet) (*Bridge, error) {
	chain, err := headers.NewChainState(cfg.Headers)
	if err != nil {
		return nil, err
	}
	queue, err := checkpoint.NewQueue(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	if set == nil || set.Len() == 0 {
		return nil, btc.Errf(btc.ERR_SCRIPT, "bridge: missing initial signatory set")
	}
	return &Bridge{
		cfg:    cfg,
		chain:  chain,
		queue:  queue,
		ledger: ledger.NewLedger(cfg.Ledger),
		set:    set,
	}, nil
}

// SubmitHeader relays one Bitcoin header into the light client.
func (b *Bridge) SubmitHeader(h btc.BlockHeader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chain.SubmitHeader(h)
}

// SubmitHeaders relays a batch in order, stopping at the first rejection.
func (b *Bridge) SubmitHeaders(hs []btc.BlockHeader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range hs {
		if err := b.chain.SubmitHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// Tip reports the best-chain head.
func (b *Bridge) Tip() (hash [32]byte, height uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chain.Tip()
}

// SignatorySet returns the current committee.
func (b *Bridge) SignatorySet() *sigset.SignatorySet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set
}

// UpdateSignatorySet replaces the committee. The new set gets a fresh
// index and the current tip as its creation height; existing outputs stay
// bound to the sets that own them, and the next checkpoint rotates the
// reserve to the new set.
func (b *Bridge) UpdateSignatorySet(members []sigset.Signatory) (*sigset.SignatorySet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, height := b.chain.Tip()
	next, err := sigset.NewSignatorySet(b.set.Index+1, height, members)
	if err != nil {
		return nil, err
	}
	b.set = next
	return next, nil
}

// DepositAddress derives the address a depositor pays for the given
// destination. The destination is committed into the witness script, so
// the address binds the deposit to it.
func (b *Bridge) DepositAddress(destination string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if destination == "" {
		return "", btc.Errf(btc.ERR_ADDRESS, "bridge: empty destination")
	}
	return sigset.Address(b.set, []byte(destination), b.cfg.Checkpoint.Schedule, b.cfg.Network)
}

// depositScripts derives the expected script pubkey and redeem script for
// a destination under the current set.
func (b *Bridge) depositScripts(destination string) (scriptPubkey, redeem []byte, err error) {
	redeem, err = sigset.RedeemScript(b.set, []byte(destination), b.cfg.Checkpoint.Schedule)
	if err != nil {
		return nil, nil, err
	}
	return btc.PayToWitnessScriptHash(redeem), redeem, nil
}

// CreditDeposit verifies a relayed deposit against the header chain and
// credits it. The credited output becomes an input of the current (or
// next) Building checkpoint.
func (b *Bridge) CreditDeposit(
	blockHash [32]byte,
	proof *btc.MerkleProof,
	txBytes []byte,
	vout uint32,
	destination string,
) (*ledger.Deposit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := btc.ParseTxBytes(txBytes)
	if err != nil {
		return nil, err
	}
	scriptPubkey, redeem, err := b.depositScripts(destination)
	if err != nil {
		return nil, err
	}
	dep, err := b.ledger.CreditDeposit(b.chain, blockHash, proof, tx, vout, scriptPubkey, destination)
	if err != nil {
		return nil, err
	}

	in := &checkpoint.Input{
		Prevout:      dep.Outpoint,
		Amount:       dep.Amount,
		RedeemScript: redeem,
		SigSet:       b.set,
	}
	if cp, err := b.queue.Building(); err == nil {
		if err := cp.AddInput(in); err != nil {
			return nil, err
		}
	} else {
		b.pendingInputs = append(b.pendingInputs, in)
	}
	return dep, nil
}

// QueueWithdrawal enqueues a peg-out to a Bitcoin address.
func (b *Bridge) QueueWithdrawal(address string, amount uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	script, err := btc.PayToAddrScript(address, b.cfg.Network)
	if err != nil {
		return 0, err
	}
	return b.ledger.QueueWithdrawal(script, amount)
}

// PendingWithdrawals lists queued peg-outs not yet drained into a
// checkpoint.
func (b *Bridge) PendingWithdrawals() []ledger.Withdrawal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Pending()
}

// BeginCheckpoint opens the next Building checkpoint under the current
// set and drains pending deposits and withdrawals into it.
func (b *Bridge) BeginCheckpoint() (*checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, height := b.chain.Tip()
	cp, err := b.queue.Begin(b.set, height)
	if err != nil {
		return nil, err
	}
	for _, in := range b.pendingInputs {
		if err := cp.AddInput(in); err != nil {
			return nil, err
		}
	}
	b.pendingInputs = nil
	for _, w := range b.ledger.Drain() {
		if err := cp.AddWithdrawal(btc.TxOutput{Value: w.Amount, ScriptPubkey: w.ScriptPubkey}); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// AdvanceCheckpoint freezes the Building checkpoint once its close
// triggers have fired (or force is set), requeueing withdrawal outputs
// displaced by the fee split. It reports whether the checkpoint advanced.
func (b *Bridge) AdvanceCheckpoint(force bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, height := b.chain.Tip()
	advanced, requeued, err := b.queue.Advance(height, force)
	if err != nil {
		return false, err
	}
	b.ledger.Requeue(requeued)
	return advanced, nil
}

// SubmitSignatures applies one signer's shares to the Signing checkpoint.
// It returns the checkpoint's status afterward; Complete means the
// transaction is fully signed and ready for broadcast.
func (b *Bridge) SubmitSignatures(pubkey [33]byte, sigs [][]byte) (checkpoint.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.SubmitSignatures(pubkey, sigs)
}

// Checkpoint returns the checkpoint at the given index.
func (b *Bridge) Checkpoint(index uint32) (*checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Get(index)
}

// CurrentCheckpoint returns the newest checkpoint.
func (b *Bridge) CurrentCheckpoint() (*checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Current()
}

// CheckpointTx returns the broadcastable bytes of a Complete checkpoint.
func (b *Bridge) CheckpointTx(index uint32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp, err := b.queue.Get(index)
	if err != nil {
		return nil, err
	}
	tx, err := cp.Tx()
	if err != nil {
		return nil, err
	}
	return btc.TxBytes(tx, true), nil
}

// RecordCheckpointConfirmation feeds confirmation latency back into the
// fee rate used by subsequent checkpoints.
func (b *Bridge) RecordCheckpointConfirmation(index uint32, blocksToConfirm uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.RecordConfirmation(index, blocksToConfirm)
}

// Status is a point-in-time summary for operators and the relayer.
type Status struct {
	TipHash            [32]byte
	TipHeight          uint32
	HeaderCount        int
	SigsetIndex        uint32
	CheckpointCount    int
	CurrentStatus      checkpoint.Status
	FeeRate            uint64
	PendingWithdrawals int
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	hash, height := b.chain.Tip()
	s := Status{
		TipHash:            hash,
		TipHeight:          height,
		HeaderCount:        b.chain.Len(),
		SigsetIndex:        b.set.Index,
		CheckpointCount:    b.queue.Len(),
		FeeRate:            b.queue.FeeRate(),
		PendingWithdrawals: len(b.ledger.Pending()),
	}
	if cp, err := b.queue.Current(); err == nil {
		s.CurrentStatus = cp.Status
	}
	return s
}
