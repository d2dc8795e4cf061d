package headers

import (
	"math/big"
	"sort"

	"btcpeg.dev/node/btc"
)

// headerNode is one accepted header with its position and the cumulative
// work of the path from the anchor.
type headerNode struct {
	header btc.BlockHeader
	height uint32
	work   *big.Int
}

// ChainState tracks every accepted header keyed by hash, selects the
// highest-work tip (first seen wins ties), and maintains the best-chain
// height index. All mutation flows through SubmitHeader; every call either
// fully applies or leaves the state untouched.
type ChainState struct {
	cfg          Config
	nodes        map[[32]byte]*headerNode
	bestByHeight map[uint32][32]byte
	tip          [32]byte
	anchor       [32]byte
}

func NewChainState(cfg Config) (*ChainState, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	anchorHash := cfg.TrustedHeader.BlockHash()
	anchorWork, err := btc.WorkFromBits(cfg.TrustedHeader.Bits)
	if err != nil {
		return nil, btc.Errf(btc.ERR_PARSE, "headers: trusted header: %v", err)
	}
	s := &ChainState{
		cfg:          cfg,
		nodes:        make(map[[32]byte]*headerNode),
		bestByHeight: make(map[uint32][32]byte),
		tip:          anchorHash,
		anchor:       anchorHash,
	}
	s.nodes[anchorHash] = &headerNode{
		header: cfg.TrustedHeader,
		height: cfg.TrustedHeight,
		work:   anchorWork,
	}
	s.bestByHeight[cfg.TrustedHeight] = anchorHash
	return s, nil
}

func (s *ChainState) Config() Config {
	return s.cfg
}

// SubmitHeader validates a header against its branch and inserts it.
// Submitting an already-known header is an accepted no-op. A header
// extending a losing fork is stored but does not move the tip until its
// branch carries strictly more work.
func (s *ChainState) SubmitHeader(h btc.BlockHeader) error {
	hash := h.BlockHash()
	if _, ok := s.nodes[hash]; ok {
		return nil
	}

	parent, ok := s.nodes[h.PrevBlock]
	if !ok {
		return btc.Errf(btc.ERR_UNKNOWN_PARENT, "headers: previous hash %x not known", h.PrevBlock[:8])
	}
	height := parent.height + 1

	if err := s.validateTimestamp(parent, h); err != nil {
		return err
	}

	expectedBits, err := s.expectedBits(parent, height, h.Time)
	if err != nil {
		return err
	}
	if h.Bits != expectedBits {
		return btc.Errf(btc.ERR_RETARGET_MISMATCH,
			"headers: height %d claims bits %08x, schedule requires %08x", height, h.Bits, expectedBits)
	}

	if err := btc.CheckProofOfWork(h); err != nil {
		return err
	}

	headerWork, err := btc.WorkFromBits(h.Bits)
	if err != nil {
		return err
	}
	node := &headerNode{
		header: h,
		height: height,
		work:   new(big.Int).Add(parent.work, headerWork),
	}
	s.nodes[hash] = node

	if node.work.Cmp(s.nodes[s.tip].work) > 0 {
		s.setTip(hash)
		s.prune()
	}
	return nil
}

// validateTimestamp enforces the median-time-past rule: the timestamp must
// be strictly greater than the median of up to 11 ancestor timestamps.
func (s *ChainState) validateTimestamp(parent *headerNode, h btc.BlockHeader) error {
	stamps := make([]uint32, 0, 11)
	node := parent
	for len(stamps) < 11 && node != nil {
		stamps = append(stamps, node.header.Time)
		node = s.parentOf(node)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	median := stamps[len(stamps)/2]
	if h.Time <= median {
		return btc.Errf(btc.ERR_TIMESTAMP,
			"headers: timestamp %d not above median-time-past %d", h.Time, median)
	}
	return nil
}

// expectedBits computes the difficulty the branch's schedule demands at
// the given height.
func (s *ChainState) expectedBits(parent *headerNode, height uint32, headerTime uint32) (uint32, error) {
	if !s.cfg.Retargeting {
		return parent.header.Bits, nil
	}

	if height%s.cfg.RetargetInterval != 0 {
		if !s.cfg.MinDifficultyBlocks {
			return parent.header.Bits, nil
		}
		// Testnet: a block arriving more than twice the target spacing
		// after its parent may use the minimum difficulty; otherwise the
		// last non-minimum difficulty in the interval applies.
		if headerTime > parent.header.Time+2*s.cfg.TargetSpacing {
			return s.cfg.MaxTarget, nil
		}
		node := parent
		for node.height%s.cfg.RetargetInterval != 0 && node.header.Bits == s.cfg.MaxTarget {
			next := s.parentOf(node)
			if next == nil {
				return 0, btc.Errf(btc.ERR_RETARGET_MISMATCH,
					"headers: difficulty ancestor below retained window")
			}
			node = next
		}
		return node.header.Bits, nil
	}

	return s.retarget(parent, height)
}

// retarget recomputes the compact target at an interval boundary using
// Bitcoin's integer arithmetic. The elapsed time is measured from the
// first block of the closing interval to its last, spanning interval-1
// block gaps (the historical off-by-one), clamped to a 4x adjustment in
// either direction, and rounded by passing the result through the compact
// encoding.
func (s *ChainState) retarget(parent *headerNode, height uint32) (uint32, error) {
	firstHeight := height - s.cfg.RetargetInterval
	first := s.ancestorAt(parent, firstHeight)
	if first == nil {
		return 0, btc.Errf(btc.ERR_RETARGET_MISMATCH,
			"headers: retarget ancestor at height %d below retained window", firstHeight)
	}

	var timespan uint32
	if parent.header.Time > first.header.Time {
		timespan = parent.header.Time - first.header.Time
	}
	if timespan < s.cfg.TargetTimespan/4 {
		timespan = s.cfg.TargetTimespan / 4
	}
	if timespan > s.cfg.TargetTimespan*4 {
		timespan = s.cfg.TargetTimespan * 4
	}

	oldTarget, err := btc.CompactToTarget(parent.header.Bits)
	if err != nil {
		return 0, err
	}
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(int64(timespan)))
	newTarget.Div(newTarget, big.NewInt(int64(s.cfg.TargetTimespan)))

	maxTarget, err := btc.CompactToTarget(s.cfg.MaxTarget)
	if err != nil {
		return 0, err
	}
	if newTarget.Cmp(maxTarget) > 0 {
		newTarget = maxTarget
	}
	return btc.TargetToCompact(newTarget), nil
}

func (s *ChainState) parentOf(node *headerNode) *headerNode {
	return s.nodes[node.header.PrevBlock]
}

func (s *ChainState) ancestorAt(node *headerNode, height uint32) *headerNode {
	for node != nil && node.height > height {
		node = s.parentOf(node)
	}
	if node == nil || node.height != height {
		return nil
	}
	return node
}

// setTip rebinds the best-chain index to the branch ending at hash.
func (s *ChainState) setTip(hash [32]byte) {
	node := s.nodes[hash]

	for h := node.height + 1; ; h++ {
		if _, ok := s.bestByHeight[h]; !ok {
			break
		}
		delete(s.bestByHeight, h)
	}

	cur := node
	curHash := hash
	for {
		if existing, ok := s.bestByHeight[cur.height]; ok && existing == curHash {
			break
		}
		s.bestByHeight[cur.height] = curHash
		parent := s.parentOf(cur)
		if parent == nil {
			break
		}
		curHash = cur.header.PrevBlock
		cur = parent
	}
	s.tip = hash
}

// prune discards headers more than MaxLength below the tip. Proofs against
// pruned blocks can no longer be validated.
func (s *ChainState) prune() {
	tipHeight := s.nodes[s.tip].height
	if tipHeight < s.cfg.MaxLength {
		return
	}
	cutoff := tipHeight - s.cfg.MaxLength
	for hash, node := range s.nodes {
		if node.height < cutoff {
			delete(s.nodes, hash)
			if s.bestByHeight[node.height] == hash {
				delete(s.bestByHeight, node.height)
			}
		}
	}
}

// Tip returns the best-chain head.
func (s *ChainState) Tip() (hash [32]byte, height uint32) {
	return s.tip, s.nodes[s.tip].height
}

// TipWork returns the cumulative work of the best chain.
func (s *ChainState) TipWork() *big.Int {
	return new(big.Int).Set(s.nodes[s.tip].work)
}

func (s *ChainState) IsInBestChain(hash [32]byte) bool {
	node, ok := s.nodes[hash]
	if !ok {
		return false
	}
	return s.bestByHeight[node.height] == hash
}

// Confirmations returns the depth of the block below the tip (the tip
// itself has zero). Blocks that are unknown, pruned, or off the best chain
// fail; proofs citing them must be resubmitted against the new chain.
func (s *ChainState) Confirmations(hash [32]byte) (uint32, error) {
	node, ok := s.nodes[hash]
	if !ok {
		return 0, btc.Errf(btc.ERR_UNKNOWN_HEADER, "headers: block %x not known", hash[:8])
	}
	if s.bestByHeight[node.height] != hash {
		return 0, btc.Errf(btc.ERR_NOT_IN_BEST_CHAIN, "headers: block %x not in best chain", hash[:8])
	}
	return s.nodes[s.tip].height - node.height, nil
}

// HeaderByHash returns any accepted header, best chain or not.
func (s *ChainState) HeaderByHash(hash [32]byte) (btc.BlockHeader, uint32, bool) {
	node, ok := s.nodes[hash]
	if !ok {
		return btc.BlockHeader{}, 0, false
	}
	return node.header, node.height, true
}

// HeaderByHeight returns the best-chain header at the given height.
func (s *ChainState) HeaderByHeight(height uint32) (btc.BlockHeader, bool) {
	hash, ok := s.bestByHeight[height]
	if !ok {
		return btc.BlockHeader{}, false
	}
	return s.nodes[hash].header, true
}

// Len reports the number of retained headers, forks included.
func (s *ChainState) Len() int {
	return len(s.nodes)
}

// StoredHeader is the persistence form of an accepted header. Work is the
// cumulative branch work at acceptance time, big-endian.
type StoredHeader struct {
	Header btc.BlockHeader
	Height uint32
	Work   []byte
}

// Export returns every retained header in a stable order: ascending
// height, best-chain entry first within a height so first-seen
// tie-breaking is preserved across Restore.
func (s *ChainState) Export() []StoredHeader {
	out := make([]StoredHeader, 0, len(s.nodes))
	hashes := make(map[int][][32]byte)
	for hash, node := range s.nodes {
		hashes[int(node.height)] = append(hashes[int(node.height)], hash)
	}
	heights := make([]int, 0, len(hashes))
	for h := range hashes {
		heights = append(heights, h)
	}
	sort.Ints(heights)
	for _, h := range heights {
		group := hashes[h]
		sort.Slice(group, func(i, j int) bool {
			ib := s.bestByHeight[uint32(h)] == group[i]
			jb := s.bestByHeight[uint32(h)] == group[j]
			if ib != jb {
				return ib
			}
			return string(group[i][:]) < string(group[j][:])
		})
		for _, hash := range group {
			node := s.nodes[hash]
			out = append(out, StoredHeader{
				Header: node.header,
				Height: node.height,
				Work:   node.work.Bytes(),
			})
		}
	}
	return out
}

// Restore rebuilds a chain from exported records. The records passed full
// validation when first accepted, so they are inserted directly from their
// persisted height and work. The configured anchor may be absent when
// pruning retired it; the oldest retained record then roots the tree.
func Restore(cfg Config, stored []StoredHeader) (*ChainState, error) {
	s, err := NewChainState(cfg)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return s, nil
	}

	anchorStored := false
	for _, rec := range stored {
		if rec.Header.BlockHash() == s.anchor {
			anchorStored = true
			break
		}
	}
	if !anchorStored {
		delete(s.nodes, s.anchor)
		delete(s.bestByHeight, s.cfg.TrustedHeight)
	}

	var tipHash [32]byte
	var tipWork *big.Int
	for _, rec := range stored {
		hash := rec.Header.BlockHash()
		if _, ok := s.nodes[hash]; ok {
			continue
		}
		if len(rec.Work) == 0 {
			return nil, btc.Errf(btc.ERR_PARSE,
				"headers: stored header %x carries no work", hash[:8])
		}
		work := new(big.Int).SetBytes(rec.Work)
		s.nodes[hash] = &headerNode{header: rec.Header, height: rec.Height, work: work}
		if tipWork == nil || work.Cmp(tipWork) > 0 {
			tipHash = hash
			tipWork = work
		}
	}
	if tipWork == nil {
		return s, nil
	}
	s.setTip(tipHash)
	return s, nil
}
