package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"btcpeg.dev/node/bridge"
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/headers"
)

var (
	bucketHeaders     = []byte("headers_by_seq")
	bucketCheckpoints = []byte("checkpoints_by_index")
	bucketLedger      = []byte("ledger")
	bucketSigset      = []byte("sigset")
	bucketPending     = []byte("pending_inputs")
)

var allBuckets = [][]byte{
	bucketHeaders, bucketCheckpoints, bucketLedger, bucketSigset, bucketPending,
}

var (
	keySnapshot = []byte("snapshot")
	keyCurrent  = []byte("current")
)

// Store persists a bridge's exported state in bbolt. Values are JSON;
// header and checkpoint keys are big-endian sequence numbers so iteration
// order matches export order.
type Store struct {
	path string
	db   *bolt.DB
}

func Open(datadir string) (*Store, error) {
	if datadir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if err := os.MkdirAll(datadir, 0o750); err != nil {
		return nil, fmt.Errorf("datadir create: %w", err)
	}

	path := filepath.Join(datadir, "peg.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	s := &Store{path: path, db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }

// SaveState replaces the persisted state with st in one transaction.
func (s *Store) SaveState(st bridge.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("reset bucket %s: %w", string(name), err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(name), err)
			}
		}

		hb := tx.Bucket(bucketHeaders)
		for i, h := range st.Headers {
			if err := putJSON(hb, seqKey(uint64(i)), h); err != nil {
				return fmt.Errorf("header %d: %w", i, err)
			}
		}
		cb := tx.Bucket(bucketCheckpoints)
		for i, rec := range st.Checkpoints {
			if err := putJSON(cb, seqKey(uint64(i)), rec); err != nil {
				return fmt.Errorf("checkpoint %d: %w", rec.Index, err)
			}
		}
		pb := tx.Bucket(bucketPending)
		for i, in := range st.PendingInputs {
			if err := putJSON(pb, seqKey(uint64(i)), in); err != nil {
				return fmt.Errorf("pending input %d: %w", i, err)
			}
		}
		if err := putJSON(tx.Bucket(bucketLedger), keySnapshot, st.Ledger); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		if err := putJSON(tx.Bucket(bucketSigset), keyCurrent, st.Set); err != nil {
			return fmt.Errorf("sigset: %w", err)
		}
		return nil
	})
}

// LoadState reads the persisted state back. ok is false when the store
// has never been written.
func (s *Store) LoadState() (st bridge.State, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSigset).Get(keyCurrent)
		if raw == nil {
			return nil
		}
		ok = true
		if err := json.Unmarshal(raw, &st.Set); err != nil {
			return fmt.Errorf("sigset: %w", err)
		}
		if raw := tx.Bucket(bucketLedger).Get(keySnapshot); raw != nil {
			if err := json.Unmarshal(raw, &st.Ledger); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}
		}
		if err := tx.Bucket(bucketHeaders).ForEach(func(_, v []byte) error {
			var h headers.StoredHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			st.Headers = append(st.Headers, h)
			return nil
		}); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if err := tx.Bucket(bucketCheckpoints).ForEach(func(_, v []byte) error {
			var rec checkpoint.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			st.Checkpoints = append(st.Checkpoints, rec)
			return nil
		}); err != nil {
			return fmt.Errorf("checkpoints: %w", err)
		}
		if err := tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var in checkpoint.InputRecord
			if err := json.Unmarshal(v, &in); err != nil {
				return err
			}
			st.PendingInputs = append(st.PendingInputs, in)
			return nil
		}); err != nil {
			return fmt.Errorf("pending inputs: %w", err)
		}
		return nil
	})
	if err != nil {
		return bridge.State{}, false, err
	}
	if !ok {
		return bridge.State{}, false, nil
	}
	return st, true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func seqKey(i uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], i)
	return k[:]
}
