package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"btcpeg.dev/node/bridge"
	"btcpeg.dev/node/btc"
)

// Server exposes the bridge over HTTP for relayers, signers, and
// operators. Persist, when set, is called after every successful
// mutation so the store tracks the bridge.
type Server struct {
	log     *zap.Logger
	bridge  *bridge.Bridge
	persist func() error
}

func NewServer(log *zap.Logger, b *bridge.Bridge, persist func() error) *Server {
	return &Server{log: log, bridge: b, persist: persist}
}

// Router wires all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/headers", s.handleSubmitHeaders).Methods("POST")
	r.HandleFunc("/deposit-address/{destination}", s.handleDepositAddress).Methods("GET")
	r.HandleFunc("/deposits", s.handleCreditDeposit).Methods("POST")
	r.HandleFunc("/withdrawals", s.handleQueueWithdrawal).Methods("POST")
	r.HandleFunc("/withdrawals", s.handlePendingWithdrawals).Methods("GET")
	r.HandleFunc("/checkpoints", s.handleBeginCheckpoint).Methods("POST")
	r.HandleFunc("/checkpoints/advance", s.handleAdvanceCheckpoint).Methods("POST")
	r.HandleFunc("/checkpoints/current/signatures", s.handleSubmitSignatures).Methods("POST")
	r.HandleFunc("/checkpoints/current", s.handleCurrentCheckpoint).Methods("GET")
	r.HandleFunc("/checkpoints/{index:[0-9]+}", s.handleGetCheckpoint).Methods("GET")
	r.HandleFunc("/checkpoints/{index:[0-9]+}/confirmation", s.handleRecordConfirmation).Methods("POST")
	r.HandleFunc("/signatories", s.handleUpdateSignatories).Methods("PUT")

	return r
}

// saveState runs the persist hook after a successful mutation. A failed
// save is reported to the caller so it can retry; the in-memory bridge
// already holds the mutation.
func (s *Server) saveState(w http.ResponseWriter) bool {
	if s.persist == nil {
		return true
	}
	if err := s.persist(); err != nil {
		s.log.Error("state persist failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "state persist failed"})
		return false
	}
	return true
}

type errorBody struct {
	Error string        `json:"error"`
	Code  btc.ErrorCode `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the bridge's error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := btc.CodeOf(err)
	status := http.StatusBadRequest
	switch code {
	case btc.ERR_UNKNOWN_PARENT, btc.ERR_UNKNOWN_HEADER, btc.ERR_NOT_IN_BEST_CHAIN:
		status = http.StatusNotFound
	case btc.ERR_DUPLICATE_NONCE, btc.ERR_STALE_CHECKPOINT, btc.ERR_THRESHOLD_NOT_MET, btc.ERR_INSUFFICIENT_CONF:
		status = http.StatusConflict
	case "":
		status = http.StatusInternalServerError
	}
	s.log.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request payload"})
		return false
	}
	return true
}
