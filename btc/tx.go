package btc

// OutPoint references an output of a previous transaction. TxID is in
// internal byte order.
type OutPoint struct {
	TxID [32]byte
	Vout uint32
}

type TxInput struct {
	Prevout   OutPoint
	ScriptSig []byte
	Sequence  uint32
	Witness   [][]byte
}

type TxOutput struct {
	Value        uint64
	ScriptPubkey []byte
}

// Tx is a Bitcoin transaction. Witness data rides alongside each input,
// per the segregated-witness layout.
type Tx struct {
	Version  int32
	Inputs   []TxInput
	Outputs  []TxOutput
	Locktime uint32
}

func (tx *Tx) hasWitness() bool {
	for _, in := range tx.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// TxID is the double-SHA256 of the no-witness serialization, in internal
// byte order.
func (tx *Tx) TxID() [32]byte {
	return DoubleSha256(TxBytes(tx, false))
}

// WTxID hashes the full serialization, witness included.
func (tx *Tx) WTxID() [32]byte {
	return DoubleSha256(TxBytes(tx, true))
}

// ParseTxBytes parses a transaction in either legacy or segwit
// serialization, rejecting trailing bytes.
func ParseTxBytes(b []byte) (*Tx, error) {
	cur := newCursor(b)
	tx, err := parseTx(cur)
	if err != nil {
		return nil, err
	}
	if cur.pos != len(b) {
		return nil, Errf(ERR_PARSE, "tx: trailing bytes")
	}
	return tx, nil
}

func parseTx(cur *cursor) (*Tx, error) {
	version, err := cur.readU32LE()
	if err != nil {
		return nil, err
	}
	tx := &Tx{Version: int32(version)}

	inputCount, err := cur.readCompactSize()
	if err != nil {
		return nil, err
	}

	segwit := false
	if inputCount == 0 {
		// Segwit marker: 0x00 input count followed by the 0x01 flag.
		flag, err := cur.readU8()
		if err != nil {
			return nil, err
		}
		if flag != 0x01 {
			return nil, Errf(ERR_PARSE, "tx: invalid segwit flag 0x%02x", flag)
		}
		segwit = true
		inputCount, err = cur.readCompactSize()
		if err != nil {
			return nil, err
		}
	}

	n, err := toIntLen(inputCount, "input_count")
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]TxInput, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		input, err := parseInput(cur)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, input)
	}

	outputCount, err := cur.readCompactSize()
	if err != nil {
		return nil, err
	}
	m, err := toIntLen(outputCount, "output_count")
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]TxOutput, 0, min(m, 1024))
	for i := 0; i < m; i++ {
		output, err := parseOutput(cur)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, output)
	}

	if segwit {
		for i := range tx.Inputs {
			witness, err := parseWitness(cur)
			if err != nil {
				return nil, err
			}
			tx.Inputs[i].Witness = witness
		}
	}

	locktime, err := cur.readU32LE()
	if err != nil {
		return nil, err
	}
	tx.Locktime = locktime
	return tx, nil
}

func parseInput(cur *cursor) (TxInput, error) {
	txid, err := cur.readHash()
	if err != nil {
		return TxInput{}, err
	}
	vout, err := cur.readU32LE()
	if err != nil {
		return TxInput{}, err
	}
	scriptLenU64, err := cur.readCompactSize()
	if err != nil {
		return TxInput{}, err
	}
	scriptLen, err := toIntLen(scriptLenU64, "script_sig_len")
	if err != nil {
		return TxInput{}, err
	}
	script, err := cur.readExact(scriptLen)
	if err != nil {
		return TxInput{}, err
	}
	sequence, err := cur.readU32LE()
	if err != nil {
		return TxInput{}, err
	}
	return TxInput{
		Prevout:   OutPoint{TxID: txid, Vout: vout},
		ScriptSig: append([]byte(nil), script...),
		Sequence:  sequence,
	}, nil
}

func parseOutput(cur *cursor) (TxOutput, error) {
	value, err := cur.readU64LE()
	if err != nil {
		return TxOutput{}, err
	}
	scriptLenU64, err := cur.readCompactSize()
	if err != nil {
		return TxOutput{}, err
	}
	scriptLen, err := toIntLen(scriptLenU64, "script_pubkey_len")
	if err != nil {
		return TxOutput{}, err
	}
	script, err := cur.readExact(scriptLen)
	if err != nil {
		return TxOutput{}, err
	}
	return TxOutput{
		Value:        value,
		ScriptPubkey: append([]byte(nil), script...),
	}, nil
}

func parseWitness(cur *cursor) ([][]byte, error) {
	itemCountU64, err := cur.readCompactSize()
	if err != nil {
		return nil, err
	}
	itemCount, err := toIntLen(itemCountU64, "witness_item_count")
	if err != nil {
		return nil, err
	}
	if itemCount == 0 {
		return nil, nil
	}
	items := make([][]byte, 0, min(itemCount, 256))
	for i := 0; i < itemCount; i++ {
		itemLenU64, err := cur.readCompactSize()
		if err != nil {
			return nil, err
		}
		itemLen, err := toIntLen(itemLenU64, "witness_item_len")
		if err != nil {
			return nil, err
		}
		item, err := cur.readExact(itemLen)
		if err != nil {
			return nil, err
		}
		items = append(items, append([]byte(nil), item...))
	}
	return items, nil
}
