package btc

import "encoding/binary"

// TxBytes serializes a transaction. When withWitness is set and at least
// one input carries witness data, the BIP144 marker/flag layout is used.
func TxBytes(tx *Tx, withWitness bool) []byte {
	segwit := withWitness && tx.hasWitness()

	out := make([]byte, 0, estimateTxSize(tx, segwit))
	var tmp4 [4]byte
	var tmp8 [8]byte

	binary.LittleEndian.PutUint32(tmp4[:], uint32(tx.Version))
	out = append(out, tmp4[:]...)

	if segwit {
		out = append(out, 0x00, 0x01)
	}

	out = append(out, CompactSize(len(tx.Inputs)).Encode()...)
	for _, in := range tx.Inputs {
		out = append(out, in.Prevout.TxID[:]...)
		binary.LittleEndian.PutUint32(tmp4[:], in.Prevout.Vout)
		out = append(out, tmp4[:]...)
		out = append(out, CompactSize(len(in.ScriptSig)).Encode()...)
		out = append(out, in.ScriptSig...)
		binary.LittleEndian.PutUint32(tmp4[:], in.Sequence)
		out = append(out, tmp4[:]...)
	}

	out = append(out, CompactSize(len(tx.Outputs)).Encode()...)
	for _, o := range tx.Outputs {
		binary.LittleEndian.PutUint64(tmp8[:], o.Value)
		out = append(out, tmp8[:]...)
		out = append(out, CompactSize(len(o.ScriptPubkey)).Encode()...)
		out = append(out, o.ScriptPubkey...)
	}

	if segwit {
		for _, in := range tx.Inputs {
			out = append(out, CompactSize(len(in.Witness)).Encode()...)
			for _, item := range in.Witness {
				out = append(out, CompactSize(len(item)).Encode()...)
				out = append(out, item...)
			}
		}
	}

	binary.LittleEndian.PutUint32(tmp4[:], tx.Locktime)
	out = append(out, tmp4[:]...)
	return out
}

func estimateTxSize(tx *Tx, segwit bool) int {
	size := 4 + 9 + 9 + 4
	if segwit {
		size += 2
	}
	for _, in := range tx.Inputs {
		size += 32 + 4 + 9 + len(in.ScriptSig) + 4
		if segwit {
			size += 9
			for _, item := range in.Witness {
				size += 9 + len(item)
			}
		}
	}
	for _, o := range tx.Outputs {
		size += 8 + 9 + len(o.ScriptPubkey)
	}
	return size
}

// TxVsize is the virtual size used for fee computation:
// ceil((3*base_size + total_size) / 4).
func TxVsize(tx *Tx) uint64 {
	base := uint64(len(TxBytes(tx, false)))
	total := uint64(len(TxBytes(tx, true)))
	return (3*base + total + 3) / 4
}
