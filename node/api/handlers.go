package api

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/sigset"
)

type statusResponse struct {
	TipHash            string            `json:"tip_hash"`
	TipHeight          uint32            `json:"tip_height"`
	HeaderCount        int               `json:"header_count"`
	SigsetIndex        uint32            `json:"sigset_index"`
	CheckpointCount    int               `json:"checkpoint_count"`
	CheckpointStatus   checkpoint.Status `json:"checkpoint_status,omitempty"`
	FeeRate            uint64            `json:"fee_rate"`
	PendingWithdrawals int               `json:"pending_withdrawals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.bridge.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		TipHash:            hex.EncodeToString(st.TipHash[:]),
		TipHeight:          st.TipHeight,
		HeaderCount:        st.HeaderCount,
		SigsetIndex:        st.SigsetIndex,
		CheckpointCount:    st.CheckpointCount,
		CheckpointStatus:   st.CurrentStatus,
		FeeRate:            st.FeeRate,
		PendingWithdrawals: st.PendingWithdrawals,
	})
}

type submitHeadersRequest struct {
	Headers []string `json:"headers"`
}

func (s *Server) handleSubmitHeaders(w http.ResponseWriter, r *http.Request) {
	var req submitHeadersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hs := make([]btc.BlockHeader, 0, len(req.Headers))
	for i, raw := range req.Headers {
		b, err := hex.DecodeString(raw)
		if err != nil {
			s.writeError(w, btc.Errf(btc.ERR_PARSE, "header %d: bad hex", i))
			return
		}
		h, err := btc.ParseBlockHeaderBytes(b)
		if err != nil {
			s.writeError(w, err)
			return
		}
		hs = append(hs, h)
	}
	if err := s.bridge.SubmitHeaders(hs); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	hash, height := s.bridge.Tip()
	s.log.Info("headers accepted", zap.Int("count", len(hs)), zap.Uint32("tip_height", height))
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":   len(hs),
		"tip_hash":   hex.EncodeToString(hash[:]),
		"tip_height": height,
	})
}

func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	dest := mux.Vars(r)["destination"]
	addr, err := s.bridge.DepositAddress(dest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"destination": dest,
		"address":     addr,
	})
}

type merkleProofJSON struct {
	TxID            string   `json:"txid"`
	Siblings        []string `json:"siblings"`
	Bits            []bool   `json:"bits"`
	NumTransactions uint32   `json:"num_transactions"`
}

func (p merkleProofJSON) proof() (*btc.MerkleProof, error) {
	txid, err := parseHash32(p.TxID)
	if err != nil {
		return nil, btc.Errf(btc.ERR_PARSE, "proof txid: %v", err)
	}
	siblings := make([][32]byte, len(p.Siblings))
	for i, s := range p.Siblings {
		if siblings[i], err = parseHash32(s); err != nil {
			return nil, btc.Errf(btc.ERR_PARSE, "proof sibling %d: %v", i, err)
		}
	}
	return &btc.MerkleProof{
		TxID:            txid,
		Siblings:        siblings,
		Bits:            p.Bits,
		NumTransactions: p.NumTransactions,
	}, nil
}

type creditDepositRequest struct {
	BlockHash   string          `json:"block_hash"`
	Tx          string          `json:"tx"`
	Vout        uint32          `json:"vout"`
	Destination string          `json:"destination"`
	Proof       merkleProofJSON `json:"proof"`
}

func (s *Server) handleCreditDeposit(w http.ResponseWriter, r *http.Request) {
	var req creditDepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	blockHash, err := parseHash32(req.BlockHash)
	if err != nil {
		s.writeError(w, btc.Errf(btc.ERR_PARSE, "block_hash: %v", err))
		return
	}
	txBytes, err := hex.DecodeString(req.Tx)
	if err != nil {
		s.writeError(w, btc.Errf(btc.ERR_PARSE, "tx: bad hex"))
		return
	}
	proof, err := req.Proof.proof()
	if err != nil {
		s.writeError(w, err)
		return
	}
	dep, err := s.bridge.CreditDeposit(blockHash, proof, txBytes, req.Vout, req.Destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	s.log.Info("deposit credited",
		zap.String("destination", dep.Destination),
		zap.Uint64("amount", dep.Amount))
	writeJSON(w, http.StatusCreated, map[string]any{
		"txid":        hex.EncodeToString(dep.Outpoint.TxID[:]),
		"vout":        dep.Outpoint.Vout,
		"amount":      dep.Amount,
		"destination": dep.Destination,
	})
}

type queueWithdrawalRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleQueueWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req queueWithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	seq, err := s.bridge.QueueWithdrawal(req.Address, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	s.log.Info("withdrawal queued", zap.Uint64("seq", seq), zap.Uint64("amount", req.Amount))
	writeJSON(w, http.StatusCreated, map[string]any{"seq": seq})
}

func (s *Server) handlePendingWithdrawals(w http.ResponseWriter, _ *http.Request) {
	pending := s.bridge.PendingWithdrawals()
	out := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		out = append(out, map[string]any{
			"seq":           p.Seq,
			"script_pubkey": hex.EncodeToString(p.ScriptPubkey),
			"amount":        p.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

type checkpointResponse struct {
	Index           uint32            `json:"index"`
	Status          checkpoint.Status `json:"status"`
	CreateHeight    uint32            `json:"create_height"`
	FeeRate         uint64            `json:"fee_rate"`
	InputCount      int               `json:"input_count"`
	WithdrawalCount int               `json:"withdrawal_count"`
	// Sighashes lists the per-input messages signers commit to, present
	// once the checkpoint is frozen.
	Sighashes []string `json:"sighashes,omitempty"`
	// Tx is the broadcastable transaction of a Complete checkpoint.
	Tx string `json:"tx,omitempty"`
}

func (s *Server) checkpointResponse(cp *checkpoint.Checkpoint) checkpointResponse {
	resp := checkpointResponse{
		Index:           cp.Index,
		Status:          cp.Status,
		CreateHeight:    cp.CreateHeight,
		FeeRate:         cp.FeeRate,
		InputCount:      len(cp.Inputs),
		WithdrawalCount: len(cp.Withdrawals),
	}
	if cp.Status != checkpoint.Building {
		for _, in := range cp.Inputs {
			msg := in.Sigs.Message()
			resp.Sighashes = append(resp.Sighashes, hex.EncodeToString(msg[:]))
		}
	}
	if cp.Status == checkpoint.Complete {
		if raw, err := s.bridge.CheckpointTx(cp.Index); err == nil {
			resp.Tx = hex.EncodeToString(raw)
		}
	}
	return resp
}

func (s *Server) handleBeginCheckpoint(w http.ResponseWriter, _ *http.Request) {
	cp, err := s.bridge.BeginCheckpoint()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	s.log.Info("checkpoint opened", zap.Uint32("index", cp.Index))
	writeJSON(w, http.StatusCreated, s.checkpointResponse(cp))
}

type advanceRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleAdvanceCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	advanced, err := s.bridge.AdvanceCheckpoint(req.Force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	cp, err := s.bridge.CurrentCheckpoint()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if advanced {
		s.log.Info("checkpoint frozen", zap.Uint32("index", cp.Index))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"advanced":   advanced,
		"checkpoint": s.checkpointResponse(cp),
	})
}

type submitSignaturesRequest struct {
	Pubkey     string   `json:"pubkey"`
	Signatures []string `json:"signatures"`
}

func (s *Server) handleSubmitSignatures(w http.ResponseWriter, r *http.Request) {
	var req submitSignaturesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pk, err := parsePubkey(req.Pubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sigs := make([][]byte, len(req.Signatures))
	for i, raw := range req.Signatures {
		if sigs[i], err = hex.DecodeString(raw); err != nil {
			s.writeError(w, btc.Errf(btc.ERR_PARSE, "signature %d: bad hex", i))
			return
		}
	}
	status, err := s.bridge.SubmitSignatures(pk, sigs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	s.log.Info("signatures accepted",
		zap.String("pubkey", req.Pubkey),
		zap.String("status", string(status)))
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleCurrentCheckpoint(w http.ResponseWriter, _ *http.Request) {
	cp, err := s.bridge.CurrentCheckpoint()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.checkpointResponse(cp))
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		s.writeError(w, btc.Errf(btc.ERR_PARSE, "index: %v", err))
		return
	}
	cp, err := s.bridge.Checkpoint(uint32(index))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.checkpointResponse(cp))
}

type recordConfirmationRequest struct {
	BlocksToConfirm uint32 `json:"blocks_to_confirm"`
}

func (s *Server) handleRecordConfirmation(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		s.writeError(w, btc.Errf(btc.ERR_PARSE, "index: %v", err))
		return
	}
	var req recordConfirmationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.bridge.RecordCheckpointConfirmation(uint32(index), req.BlocksToConfirm); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fee_rate": s.bridge.Status().FeeRate})
}

type updateSignatoriesRequest struct {
	Signatories []struct {
		Pubkey      string `json:"pubkey"`
		VotingPower uint64 `json:"voting_power"`
	} `json:"signatories"`
}

func (s *Server) handleUpdateSignatories(w http.ResponseWriter, r *http.Request) {
	var req updateSignatoriesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	members := make([]sigset.Signatory, 0, len(req.Signatories))
	for _, m := range req.Signatories {
		pk, err := parsePubkey(m.Pubkey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		members = append(members, sigset.Signatory{Pubkey: pk, VotingPower: m.VotingPower})
	}
	set, err := s.bridge.UpdateSignatorySet(members)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.saveState(w) {
		return
	}
	s.log.Info("signatory set rotated",
		zap.Uint32("index", set.Index),
		zap.Int("members", set.Len()),
		zap.Uint64("present_vp", set.PresentVP))
	writeJSON(w, http.StatusOK, map[string]any{
		"index":      set.Index,
		"members":    set.Len(),
		"present_vp": set.PresentVP,
	})
}

func parseHash32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, btc.Errf(btc.ERR_PARSE, "want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parsePubkey(s string) ([33]byte, error) {
	var out [33]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 33 {
		return out, btc.Errf(btc.ERR_PARSE, "pubkey must be 33 hex bytes")
	}
	copy(out[:], raw)
	return out, nil
}
