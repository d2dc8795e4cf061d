package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/sigset"
)

// pegscript derives the deposit script for a committee and destination so
// signers and auditors can reproduce addresses offline.

type tierSpec struct {
	DelayBlocks uint32 `json:"delay_blocks"`
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

type signatorySpec struct {
	Pubkey      string `json:"pubkey"`
	VotingPower uint64 `json:"voting_power"`
}

type request struct {
	Network     string          `json:"network"`
	Destination string          `json:"destination"`
	SetIndex    uint32          `json:"set_index"`
	Signatories []signatorySpec `json:"signatories"`
	Schedule    []tierSpec      `json:"schedule"`
}

type response struct {
	Address      string `json:"address"`
	ScriptPubkey string `json:"script_pubkey"`
	RedeemScript string `json:"redeem_script"`
}

func main() {
	input := flag.String("input", "-", "committee spec JSON file, - for stdin")
	flag.Parse()

	if err := run(*input, os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "pegscript: %v\n", err)
		os.Exit(1)
	}
}

func run(input string, out io.Writer) error {
	var raw []byte
	var err error
	if input == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(input) // #nosec G304 -- operator-supplied path.
	}
	if err != nil {
		return err
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	if req.Destination == "" {
		return fmt.Errorf("destination required")
	}
	params, err := btc.ParamsForNetwork(req.Network)
	if err != nil {
		return err
	}

	members := make([]sigset.Signatory, 0, len(req.Signatories))
	for i, m := range req.Signatories {
		pkRaw, err := hex.DecodeString(m.Pubkey)
		if err != nil || len(pkRaw) != 33 {
			return fmt.Errorf("signatory %d: pubkey must be 33 hex bytes", i)
		}
		var pk [33]byte
		copy(pk[:], pkRaw)
		members = append(members, sigset.Signatory{Pubkey: pk, VotingPower: m.VotingPower})
	}
	set, err := sigset.NewSignatorySet(req.SetIndex, 0, members)
	if err != nil {
		return err
	}

	schedule := sigset.DefaultSchedule()
	if len(req.Schedule) > 0 {
		tiers := make([]sigset.Tier, len(req.Schedule))
		for i, t := range req.Schedule {
			tiers[i] = sigset.Tier{DelayBlocks: t.DelayBlocks, Numerator: t.Numerator, Denominator: t.Denominator}
		}
		if schedule, err = sigset.NewThresholdSchedule(tiers); err != nil {
			return err
		}
	}

	redeem, err := sigset.RedeemScript(set, []byte(req.Destination), schedule)
	if err != nil {
		return err
	}
	addr, err := sigset.Address(set, []byte(req.Destination), schedule, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(response{
		Address:      addr,
		ScriptPubkey: hex.EncodeToString(btc.PayToWitnessScriptHash(redeem)),
		RedeemScript: hex.EncodeToString(redeem),
	})
}
