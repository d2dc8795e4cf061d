package headers

import (
	"btcpeg.dev/node/btc"
)

// Config fixes the consensus parameters of the header chain and anchors it
// at a trusted header, below which nothing is validated.
type Config struct {
	// TrustedHeader bootstraps the chain. When retargeting is enabled its
	// height must be a multiple of RetargetInterval so difficulty ancestors
	// stay inside the retained window.
	TrustedHeader btc.BlockHeader
	TrustedHeight uint32

	// MaxLength bounds the number of headers retained below the tip.
	// Reorgs deeper than this window cannot be processed.
	MaxLength uint32

	RetargetInterval uint32
	TargetSpacing    uint32
	TargetTimespan   uint32
	MaxTarget        uint32

	// Retargeting disables the difficulty schedule entirely when false
	// (regression networks).
	Retargeting bool

	// MinDifficultyBlocks applies the testnet rule allowing a
	// minimum-difficulty block when a spacing of 2x the target elapses.
	MinDifficultyBlocks bool
}

const (
	DefaultMaxLength        = 24_192 // ~6 months of headers
	DefaultRetargetInterval = 2016
	DefaultTargetSpacing    = 10 * 60
	DefaultMaxTarget        = 0x1d00ffff
)

// MainnetConfig returns the Bitcoin mainnet parameters anchored at the
// given trusted header.
func MainnetConfig(trusted btc.BlockHeader, height uint32) Config {
	return Config{
		TrustedHeader:    trusted,
		TrustedHeight:    height,
		MaxLength:        DefaultMaxLength,
		RetargetInterval: DefaultRetargetInterval,
		TargetSpacing:    DefaultTargetSpacing,
		TargetTimespan:   DefaultRetargetInterval * DefaultTargetSpacing,
		MaxTarget:        DefaultMaxTarget,
		Retargeting:      true,
	}
}

func validateConfig(cfg Config) error {
	if cfg.RetargetInterval == 0 {
		return btc.Errf(btc.ERR_PARSE, "headers: retarget_interval must be > 0")
	}
	if cfg.Retargeting {
		if cfg.TrustedHeight%cfg.RetargetInterval != 0 {
			return btc.Errf(btc.ERR_PARSE,
				"headers: trusted height %d must be a multiple of the retarget interval", cfg.TrustedHeight)
		}
		if cfg.TargetTimespan == 0 || cfg.TargetSpacing == 0 {
			return btc.Errf(btc.ERR_PARSE, "headers: target timespan and spacing must be > 0")
		}
	}
	if cfg.MaxLength < 2*cfg.RetargetInterval {
		return btc.Errf(btc.ERR_PARSE,
			"headers: max_length %d must cover at least two retarget intervals", cfg.MaxLength)
	}
	if _, err := btc.CompactToTarget(cfg.MaxTarget); err != nil {
		return btc.Errf(btc.ERR_PARSE, "headers: invalid max target: %v", err)
	}
	return nil
}
