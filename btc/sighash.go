package btc

import "encoding/binary"

// SighashAll is the only signature hash type the bridge produces.
const SighashAll uint32 = 0x01

// WitnessSighash computes the BIP143 signature hash for spending a
// version-0 witness program: the digest signed by each signatory for the
// input at idx, committing to the given script code and input amount.
func WitnessSighash(tx *Tx, idx int, scriptCode []byte, amount uint64) ([32]byte, error) {
	if idx < 0 || idx >= len(tx.Inputs) {
		return [32]byte{}, Errf(ERR_PARSE, "sighash: input index %d out of bounds", idx)
	}

	var tmp4 [4]byte
	var tmp8 [8]byte

	prevouts := make([]byte, 0, 36*len(tx.Inputs))
	sequences := make([]byte, 0, 4*len(tx.Inputs))
	for _, in := range tx.Inputs {
		prevouts = append(prevouts, in.Prevout.TxID[:]...)
		binary.LittleEndian.PutUint32(tmp4[:], in.Prevout.Vout)
		prevouts = append(prevouts, tmp4[:]...)
		binary.LittleEndian.PutUint32(tmp4[:], in.Sequence)
		sequences = append(sequences, tmp4[:]...)
	}
	hashPrevouts := DoubleSha256(prevouts)
	hashSequence := DoubleSha256(sequences)

	outputs := make([]byte, 0, 64)
	for _, o := range tx.Outputs {
		binary.LittleEndian.PutUint64(tmp8[:], o.Value)
		outputs = append(outputs, tmp8[:]...)
		outputs = append(outputs, CompactSize(len(o.ScriptPubkey)).Encode()...)
		outputs = append(outputs, o.ScriptPubkey...)
	}
	hashOutputs := DoubleSha256(outputs)

	in := tx.Inputs[idx]
	pre := make([]byte, 0, 156+len(scriptCode))
	binary.LittleEndian.PutUint32(tmp4[:], uint32(tx.Version))
	pre = append(pre, tmp4[:]...)
	pre = append(pre, hashPrevouts[:]...)
	pre = append(pre, hashSequence[:]...)
	pre = append(pre, in.Prevout.TxID[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], in.Prevout.Vout)
	pre = append(pre, tmp4[:]...)
	pre = append(pre, CompactSize(len(scriptCode)).Encode()...)
	pre = append(pre, scriptCode...)
	binary.LittleEndian.PutUint64(tmp8[:], amount)
	pre = append(pre, tmp8[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], in.Sequence)
	pre = append(pre, tmp4[:]...)
	pre = append(pre, hashOutputs[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], tx.Locktime)
	pre = append(pre, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], SighashAll)
	pre = append(pre, tmp4[:]...)

	return DoubleSha256(pre), nil
}
