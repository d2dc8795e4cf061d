package btc

// Script opcodes used by the bridge's templates. This is deliberately not a
// general script interpreter; the custody script is built from a fixed set
// of primitives.
const (
	OP_0                   = 0x00
	OP_PUSHDATA1           = 0x4c
	OP_PUSHDATA2           = 0x4d
	OP_PUSHDATA4           = 0x4e
	OP_1NEGATE             = 0x4f
	OP_1                   = 0x51
	OP_16                  = 0x60
	OP_IF                  = 0x63
	OP_ELSE                = 0x67
	OP_ENDIF               = 0x68
	OP_DROP                = 0x75
	OP_DUP                 = 0x76
	OP_SWAP                = 0x7c
	OP_EQUAL               = 0x87
	OP_EQUALVERIFY         = 0x88
	OP_ADD                 = 0x93
	OP_GREATERTHAN         = 0xa0
	OP_GREATERTHANOREQUAL  = 0xa2
	OP_HASH160             = 0xa9
	OP_CHECKSIG            = 0xac
	OP_CHECKSEQUENCEVERIFY = 0xb2
)

// ScriptBuilder accumulates script bytes. Pushes use the minimal encoding
// Bitcoin's standardness rules require.
type ScriptBuilder struct {
	script []byte
}

func NewScriptBuilder() *ScriptBuilder {
	return &ScriptBuilder{script: make([]byte, 0, 128)}
}

func (b *ScriptBuilder) AddOp(op byte) *ScriptBuilder {
	b.script = append(b.script, op)
	return b
}

// AddData pushes raw bytes with the minimal push opcode.
func (b *ScriptBuilder) AddData(data []byte) *ScriptBuilder {
	n := len(data)
	switch {
	case n == 0:
		b.script = append(b.script, OP_0)
		return b
	case n == 1 && data[0] >= 1 && data[0] <= 16:
		b.script = append(b.script, OP_1+data[0]-1)
		return b
	case n == 1 && data[0] == 0x81:
		b.script = append(b.script, OP_1NEGATE)
		return b
	case n < OP_PUSHDATA1:
		b.script = append(b.script, byte(n))
	case n <= 0xff:
		b.script = append(b.script, OP_PUSHDATA1, byte(n))
	case n <= 0xffff:
		b.script = append(b.script, OP_PUSHDATA2, byte(n), byte(n>>8))
	default:
		b.script = append(b.script, OP_PUSHDATA4, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	}
	b.script = append(b.script, data...)
	return b
}

// AddInt pushes a number using minimal script-number encoding.
func (b *ScriptBuilder) AddInt(v int64) *ScriptBuilder {
	if v == 0 {
		b.script = append(b.script, OP_0)
		return b
	}
	if v >= 1 && v <= 16 {
		b.script = append(b.script, OP_1+byte(v-1))
		return b
	}
	if v == -1 {
		b.script = append(b.script, OP_1NEGATE)
		return b
	}
	return b.AddData(ScriptNumBytes(v))
}

func (b *ScriptBuilder) Script() []byte {
	return append([]byte(nil), b.script...)
}

// ScriptNumBytes encodes v as a Bitcoin script number: little-endian with
// a sign bit in the high bit of the final byte.
func ScriptNumBytes(v int64) []byte {
	if v == 0 {
		return nil
	}
	negative := v < 0
	abs := uint64(v)
	if negative {
		abs = uint64(-v)
	}
	out := make([]byte, 0, 9)
	for abs > 0 {
		out = append(out, byte(abs&0xff))
		abs >>= 8
	}
	if out[len(out)-1]&0x80 != 0 {
		extra := byte(0)
		if negative {
			extra = 0x80
		}
		out = append(out, extra)
	} else if negative {
		out[len(out)-1] |= 0x80
	}
	return out
}

// ParseScriptNum decodes a minimally-encoded script number.
func ParseScriptNum(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) > 8 {
		return 0, Errf(ERR_SCRIPT, "scriptnum: too long")
	}
	// Minimality: the last byte must carry payload beyond the sign bit,
	// unless the sign bit would not fit in the previous byte.
	if b[len(b)-1]&0x7f == 0 {
		if len(b) == 1 || b[len(b)-2]&0x80 == 0 {
			return 0, Errf(ERR_SCRIPT, "scriptnum: non-minimal")
		}
	}
	var v int64
	for i, c := range b {
		if i == len(b)-1 {
			c &= 0x7f
		}
		v |= int64(c) << (8 * uint(i))
	}
	if b[len(b)-1]&0x80 != 0 {
		v = -v
	}
	return v, nil
}

// PayToWitnessScriptHash builds the version-0 P2WSH output script for the
// given witness script.
func PayToWitnessScriptHash(witnessScript []byte) []byte {
	program := Sha256(witnessScript)
	return NewScriptBuilder().AddOp(OP_0).AddData(program[:]).Script()
}

func PayToWitnessPubkeyHash(pubkeyHash [20]byte) []byte {
	return NewScriptBuilder().AddOp(OP_0).AddData(pubkeyHash[:]).Script()
}

func PayToPubkeyHash(pubkeyHash [20]byte) []byte {
	return NewScriptBuilder().
		AddOp(OP_DUP).AddOp(OP_HASH160).
		AddData(pubkeyHash[:]).
		AddOp(OP_EQUALVERIFY).AddOp(OP_CHECKSIG).
		Script()
}

// DustLimit is the minimum output value relayed by default policy for the
// given output script, in satoshis.
func DustLimit(scriptPubkey []byte) uint64 {
	// Witness outputs are discounted; mirror Bitcoin Core's GetDustThreshold
	// shape without the feerate parameterization.
	if len(scriptPubkey) >= 2 && scriptPubkey[0] == OP_0 {
		return 330
	}
	return 546
}
