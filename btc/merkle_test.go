package btc

import "testing"

func fakeTxids(n int) [][32]byte {
	out := make([][32]byte, n)
	for i := range out {
		var seed [8]byte
		seed[0] = byte(i + 1)
		out[i] = DoubleSha256(seed[:])
	}
	return out
}

func TestMerkleProof_SingleTx(t *testing.T) {
	txids := fakeTxids(1)
	root, err := MerkleRoot(txids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root != txids[0] {
		t.Fatalf("single-tx root must equal txid")
	}

	proof, err := BuildMerkleProof(txids, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proof.Siblings) != 0 {
		t.Fatalf("single-tx proof must be empty, got %d siblings", len(proof.Siblings))
	}
	if err := proof.Verify(root); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMerkleProof_AllLeaves(t *testing.T) {
	for _, n := range []int{2, 3, 5, 7, 8, 13} {
		txids := fakeTxids(n)
		root, err := MerkleRoot(txids)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := 0; i < n; i++ {
			proof, err := BuildMerkleProof(txids, uint32(i))
			if err != nil {
				t.Fatalf("build %d/%d: %v", i, n, err)
			}
			err = proof.Verify(root)
			if isDuplicatedPath(proof) {
				// Leaves paired with themselves on odd levels are
				// deliberately unprovable.
				if err == nil {
					t.Fatalf("n=%d i=%d: expected duplication rejection", n, i)
				}
				continue
			}
			if err != nil {
				t.Fatalf("n=%d i=%d: verify failed: %v", n, i, err)
			}
			if proof.LeafIndex() != uint32(i) {
				t.Fatalf("n=%d i=%d: leaf index %d", n, i, proof.LeafIndex())
			}
		}
	}
}

func isDuplicatedPath(p *MerkleProof) bool {
	cur := p.TxID
	var pre [64]byte
	for i, sib := range p.Siblings {
		if sib == cur {
			return true
		}
		if p.Bits[i] {
			copy(pre[:32], sib[:])
			copy(pre[32:], cur[:])
		} else {
			copy(pre[:32], cur[:])
			copy(pre[32:], sib[:])
		}
		cur = DoubleSha256(pre[:])
	}
	return false
}

func TestMerkleProof_MutationsFail(t *testing.T) {
	txids := fakeTxids(8)
	root, err := MerkleRoot(txids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proof, err := BuildMerkleProof(txids, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := proof.Verify(root); err != nil {
		t.Fatalf("baseline verify: %v", err)
	}

	mutated := *proof
	mutated.Siblings = append([][32]byte(nil), proof.Siblings...)
	mutated.Siblings[1][0] ^= 0x01
	if err := mutated.Verify(root); err == nil {
		t.Fatalf("expected failure after sibling mutation")
	}

	mutated = *proof
	mutated.Bits = append([]bool(nil), proof.Bits...)
	mutated.Bits[0] = !mutated.Bits[0]
	if err := mutated.Verify(root); err == nil {
		t.Fatalf("expected failure after direction mutation")
	}

	mutated = *proof
	mutated.Siblings = proof.Siblings[:2]
	mutated.Bits = proof.Bits[:2]
	if err := mutated.Verify(root); err == nil {
		t.Fatalf("expected failure for wrong path length")
	}
}

func TestMerkleProof_PathLengthMatchesTxCount(t *testing.T) {
	txids := fakeTxids(5) // depth ceil(log2(5)) = 3
	proof, err := BuildMerkleProof(txids, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proof.Siblings) != 3 {
		t.Fatalf("depth: got %d want 3", len(proof.Siblings))
	}

	// Claiming a different tx count must fail the depth check.
	proof.NumTransactions = 4
	root, _ := MerkleRoot(txids)
	if err := proof.Verify(root); err == nil {
		t.Fatalf("expected depth mismatch for wrong tx count")
	}
}
