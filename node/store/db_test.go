package store

import (
	"bytes"
	"testing"

	"btcpeg.dev/node/bridge"
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/headers"
	"btcpeg.dev/node/ledger"
	"btcpeg.dev/node/sigset"
)

func testState() bridge.State {
	var pk [33]byte
	pk[0] = 0x02
	pk[32] = 0x7f
	set := checkpoint.SetRecord{
		Index:        3,
		CreateHeight: 42,
		Signatories:  []sigset.Signatory{{Pubkey: pk, VotingPower: 10}},
	}
	var blockHash, txid [32]byte
	blockHash[0] = 0xbb
	txid[0] = 0xcc
	return bridge.State{
		Headers: []headers.StoredHeader{
			{Header: btc.BlockHeader{Version: 2, Time: 1000, Bits: 0x207fffff, Nonce: 7}, Height: 0, Work: []byte{2}},
			{Header: btc.BlockHeader{Version: 2, PrevBlock: blockHash, Time: 1600, Bits: 0x207fffff}, Height: 1, Work: []byte{4}},
		},
		Ledger: ledger.Snapshot{
			Credited: []btc.OutPoint{{TxID: txid, Vout: 1}},
			Balances: map[string]uint64{"user1": 10_000_000},
			Pending:  []ledger.Withdrawal{{Seq: 0, ScriptPubkey: []byte{0x00, 0x14}, Amount: 5000}},
			NextSeq:  1,
		},
		Set: set,
		Checkpoints: []checkpoint.Record{
			{
				Index:        0,
				Status:       checkpoint.Complete,
				CreateHeight: 0,
				FeeRate:      55,
				Set:          set,
				TxBytes:      []byte{0x02, 0x00, 0x00, 0x00},
			},
		},
		PendingInputs: []checkpoint.InputRecord{
			{Prevout: btc.OutPoint{TxID: txid, Vout: 0}, Amount: 9000, RedeemScript: []byte{0x51}, Set: set},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.LoadState(); err != nil || ok {
		t.Fatalf("fresh store LoadState = ok %v, err %v", ok, err)
	}

	want := testState()
	if err := s.SaveState(want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, ok, err := s.LoadState()
	if err != nil || !ok {
		t.Fatalf("LoadState = ok %v, err %v", ok, err)
	}
	if len(got.Headers) != 2 || got.Headers[1].Height != 1 {
		t.Fatalf("headers round trip: %+v", got.Headers)
	}
	if got.Headers[0].Header.BlockHash() != want.Headers[0].Header.BlockHash() {
		t.Fatalf("header bytes changed across round trip")
	}
	if got.Set.Index != 3 || len(got.Set.Signatories) != 1 || got.Set.Signatories[0].VotingPower != 10 {
		t.Fatalf("sigset round trip: %+v", got.Set)
	}
	if len(got.Checkpoints) != 1 || got.Checkpoints[0].Status != checkpoint.Complete {
		t.Fatalf("checkpoints round trip: %+v", got.Checkpoints)
	}
	if !bytes.Equal(got.Checkpoints[0].TxBytes, want.Checkpoints[0].TxBytes) {
		t.Fatalf("tx bytes changed across round trip")
	}
	if got.Ledger.Balances["user1"] != 10_000_000 || got.Ledger.NextSeq != 1 {
		t.Fatalf("ledger round trip: %+v", got.Ledger)
	}
	if len(got.PendingInputs) != 1 || got.PendingInputs[0].Amount != 9000 {
		t.Fatalf("pending inputs round trip: %+v", got.PendingInputs)
	}
}

func TestSaveStateReplacesPrevious(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	st := testState()
	if err := s.SaveState(st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	st.Headers = st.Headers[:1]
	st.PendingInputs = nil
	st.Ledger.Balances["user1"] = 4_000_000
	if err := s.SaveState(st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, ok, err := s.LoadState()
	if err != nil || !ok {
		t.Fatalf("LoadState = ok %v, err %v", ok, err)
	}
	if len(got.Headers) != 1 {
		t.Fatalf("stale headers survived rewrite: %d", len(got.Headers))
	}
	if len(got.PendingInputs) != 0 {
		t.Fatalf("stale pending inputs survived rewrite")
	}
	if got.Ledger.Balances["user1"] != 4_000_000 {
		t.Fatalf("ledger not replaced: %d", got.Ledger.Balances["user1"])
	}
}

func TestOpenRejectsEmptyDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("Open accepted an empty datadir")
	}
}
