package btc

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/mr-tron/base58"
)

// NetParams carries the address-encoding constants for a Bitcoin network.
type NetParams struct {
	Name         string
	Bech32HRP    string
	P2PKHVersion byte
	P2SHVersion  byte
}

var (
	MainNetParams = NetParams{Name: "mainnet", Bech32HRP: "bc", P2PKHVersion: 0x00, P2SHVersion: 0x05}
	TestNetParams = NetParams{Name: "testnet", Bech32HRP: "tb", P2PKHVersion: 0x6f, P2SHVersion: 0xc4}
	RegtestParams = NetParams{Name: "regtest", Bech32HRP: "bcrt", P2PKHVersion: 0x6f, P2SHVersion: 0xc4}
)

func ParamsForNetwork(name string) (NetParams, error) {
	switch strings.ToLower(name) {
	case "mainnet", "bitcoin":
		return MainNetParams, nil
	case "testnet", "testnet3":
		return TestNetParams, nil
	case "regtest":
		return RegtestParams, nil
	}
	return NetParams{}, Errf(ERR_ADDRESS, "unknown network %q", name)
}

// EncodeSegwitAddress encodes a version-0 witness program as a bech32
// address.
func EncodeSegwitAddress(hrp string, program []byte) (string, error) {
	if len(program) != 20 && len(program) != 32 {
		return "", Errf(ERR_ADDRESS, "witness program must be 20 or 32 bytes, got %d", len(program))
	}
	converted, err := bech32.ConvertBits(program, 8, 5, true)
	if err != nil {
		return "", Errf(ERR_ADDRESS, "convert bits: %v", err)
	}
	addr, err := bech32.Encode(hrp, append([]byte{0x00}, converted...))
	if err != nil {
		return "", Errf(ERR_ADDRESS, "bech32 encode: %v", err)
	}
	return addr, nil
}

// PayToAddrScript parses a Bitcoin address of any supported form (bech32
// v0, base58check P2PKH/P2SH) and returns the output script paying to it.
// Withdrawal destinations enter the system through this function.
func PayToAddrScript(addr string, params NetParams) ([]byte, error) {
	if strings.HasPrefix(strings.ToLower(addr), params.Bech32HRP+"1") {
		return segwitAddrScript(addr, params)
	}
	return base58AddrScript(addr, params)
}

func segwitAddrScript(addr string, params NetParams) ([]byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return nil, Errf(ERR_ADDRESS, "bech32 decode: %v", err)
	}
	if hrp != params.Bech32HRP {
		return nil, Errf(ERR_ADDRESS, "address hrp %q does not match network %q", hrp, params.Name)
	}
	if len(data) < 1 {
		return nil, Errf(ERR_ADDRESS, "empty witness version")
	}
	if data[0] != 0 {
		return nil, Errf(ERR_ADDRESS, "unsupported witness version %d", data[0])
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, Errf(ERR_ADDRESS, "convert bits: %v", err)
	}
	switch len(program) {
	case 20:
		var h [20]byte
		copy(h[:], program)
		return PayToWitnessPubkeyHash(h), nil
	case 32:
		return NewScriptBuilder().AddOp(OP_0).AddData(program).Script(), nil
	}
	return nil, Errf(ERR_ADDRESS, "invalid witness program length %d", len(program))
}

func base58AddrScript(addr string, params NetParams) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, Errf(ERR_ADDRESS, "base58 decode: %v", err)
	}
	if len(raw) != 25 {
		return nil, Errf(ERR_ADDRESS, "base58 payload must be 25 bytes, got %d", len(raw))
	}
	payload, checksum := raw[:21], raw[21:]
	want := DoubleSha256(payload)
	for i := 0; i < 4; i++ {
		if checksum[i] != want[i] {
			return nil, Errf(ERR_ADDRESS, "bad base58 checksum")
		}
	}
	var h [20]byte
	copy(h[:], payload[1:])
	switch payload[0] {
	case params.P2PKHVersion:
		return PayToPubkeyHash(h), nil
	case params.P2SHVersion:
		return NewScriptBuilder().AddOp(OP_HASH160).AddData(h[:]).AddOp(OP_EQUAL).Script(), nil
	}
	return nil, Errf(ERR_ADDRESS, "version byte 0x%02x does not match network %q", payload[0], params.Name)
}
