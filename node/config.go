package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"btcpeg.dev/node/bridge"
	"btcpeg.dev/node/btc"
	"btcpeg.dev/node/checkpoint"
	"btcpeg.dev/node/headers"
	"btcpeg.dev/node/ledger"
	"btcpeg.dev/node/sigset"
)

// SignatoryConfig names one committee member.
type SignatoryConfig struct {
	Pubkey      string `mapstructure:"pubkey"`
	VotingPower uint64 `mapstructure:"voting_power"`
}

// TierConfig is one rung of the reserve script's decay schedule.
type TierConfig struct {
	DelayBlocks uint32 `mapstructure:"delay_blocks"`
	Numerator   uint64 `mapstructure:"numerator"`
	Denominator uint64 `mapstructure:"denominator"`
}

type Config struct {
	Network    string `mapstructure:"network"`
	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// TrustedHeader anchors the header chain: 80 header bytes in hex,
	// plus the header's height on the source chain.
	TrustedHeader string `mapstructure:"trusted_header"`
	TrustedHeight uint32 `mapstructure:"trusted_height"`
	MaxHeaders    uint32 `mapstructure:"max_headers"`

	MinConfirmations uint32 `mapstructure:"min_confirmations"`
	MinDepositSat    uint64 `mapstructure:"min_deposit_sat"`
	MinWithdrawalSat uint64 `mapstructure:"min_withdrawal_sat"`

	CheckpointInterval uint32 `mapstructure:"checkpoint_interval"`
	MaxBatchSize       int    `mapstructure:"max_batch_size"`
	FeeRate            uint64 `mapstructure:"fee_rate"`

	Signatories []SignatoryConfig `mapstructure:"signatories"`
	Schedule    []TierConfig      `mapstructure:"schedule"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".btcpeg"
	}
	return filepath.Join(home, ".btcpeg")
}

func DefaultConfig() Config {
	cp := checkpoint.DefaultConfig()
	lg := ledger.DefaultConfig()
	return Config{
		Network:            "mainnet",
		DataDir:            DefaultDataDir(),
		ListenAddr:         "127.0.0.1:19200",
		LogLevel:           "info",
		MaxHeaders:         headers.DefaultMaxLength,
		MinConfirmations:   lg.MinConfirmations,
		MinDepositSat:      lg.MinDepositAmount,
		MinWithdrawalSat:   lg.MinWithdrawalAmount,
		CheckpointInterval: cp.MinIntervalBlocks,
		MaxBatchSize:       cp.MaxPendingBatch,
		FeeRate:            cp.FeeRate,
	}
}

// LoadConfig reads the config file at path over the defaults. The file's
// format follows its extension (yaml, toml, json).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := DefaultConfig()
	v.SetDefault("network", defaults.Network)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("max_headers", defaults.MaxHeaders)
	v.SetDefault("min_confirmations", defaults.MinConfirmations)
	v.SetDefault("min_deposit_sat", defaults.MinDepositSat)
	v.SetDefault("min_withdrawal_sat", defaults.MinWithdrawalSat)
	v.SetDefault("checkpoint_interval", defaults.CheckpointInterval)
	v.SetDefault("max_batch_size", defaults.MaxBatchSize)
	v.SetDefault("fee_rate", defaults.FeeRate)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if _, err := btc.ParamsForNetwork(cfg.Network); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr: %w", err)
	}
	if _, ok := allowedLogLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if _, _, err := cfg.trustedHeader(); err != nil {
		return err
	}
	if len(cfg.Signatories) == 0 {
		return errors.New("at least one signatory is required")
	}
	if _, err := cfg.SignatorySet(); err != nil {
		return err
	}
	if _, err := cfg.schedule(); err != nil {
		return err
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func (c Config) trustedHeader() (btc.BlockHeader, uint32, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(c.TrustedHeader))
	if err != nil {
		return btc.BlockHeader{}, 0, fmt.Errorf("trusted_header: %w", err)
	}
	h, err := btc.ParseBlockHeaderBytes(raw)
	if err != nil {
		return btc.BlockHeader{}, 0, fmt.Errorf("trusted_header: %w", err)
	}
	return h, c.TrustedHeight, nil
}

// SignatorySet builds the initial committee from the config.
func (c Config) SignatorySet() (*sigset.SignatorySet, error) {
	members := make([]sigset.Signatory, 0, len(c.Signatories))
	for i, sc := range c.Signatories {
		raw, err := hex.DecodeString(strings.TrimSpace(sc.Pubkey))
		if err != nil || len(raw) != 33 {
			return nil, fmt.Errorf("signatory %d: pubkey must be 33 hex bytes", i)
		}
		var pk [33]byte
		copy(pk[:], raw)
		members = append(members, sigset.Signatory{Pubkey: pk, VotingPower: sc.VotingPower})
	}
	return sigset.NewSignatorySet(0, c.TrustedHeight, members)
}

func (c Config) schedule() (*sigset.ThresholdSchedule, error) {
	if len(c.Schedule) == 0 {
		return sigset.DefaultSchedule(), nil
	}
	tiers := make([]sigset.Tier, len(c.Schedule))
	for i, tc := range c.Schedule {
		tiers[i] = sigset.Tier{
			DelayBlocks: tc.DelayBlocks,
			Numerator:   tc.Numerator,
			Denominator: tc.Denominator,
		}
	}
	return sigset.NewThresholdSchedule(tiers)
}

// BridgeConfig translates the file config into the bridge's runtime
// config for the chosen network.
func (c Config) BridgeConfig() (bridge.Config, error) {
	params, err := btc.ParamsForNetwork(c.Network)
	if err != nil {
		return bridge.Config{}, err
	}
	trusted, height, err := c.trustedHeader()
	if err != nil {
		return bridge.Config{}, err
	}

	hcfg := headers.MainnetConfig(trusted, height)
	switch c.Network {
	case "testnet":
		hcfg.MinDifficultyBlocks = true
	case "regtest":
		hcfg.Retargeting = false
		hcfg.MaxTarget = 0x207fffff
	}
	if c.MaxHeaders > 0 {
		hcfg.MaxLength = c.MaxHeaders
	}

	cpCfg := checkpoint.DefaultConfig()
	if c.CheckpointInterval > 0 {
		cpCfg.MinIntervalBlocks = c.CheckpointInterval
	}
	if c.MaxBatchSize > 0 {
		cpCfg.MaxPendingBatch = c.MaxBatchSize
	}
	if c.FeeRate > 0 {
		cpCfg.FeeRate = c.FeeRate
	}
	sched, err := c.schedule()
	if err != nil {
		return bridge.Config{}, err
	}
	cpCfg.Schedule = sched

	lgCfg := ledger.DefaultConfig()
	if c.MinConfirmations > 0 {
		lgCfg.MinConfirmations = c.MinConfirmations
	}
	if c.MinDepositSat > 0 {
		lgCfg.MinDepositAmount = c.MinDepositSat
	}
	if c.MinWithdrawalSat > 0 {
		lgCfg.MinWithdrawalAmount = c.MinWithdrawalSat
	}

	return bridge.Config{
		Network:    params,
		Headers:    hcfg,
		Checkpoint: cpCfg,
		Ledger:     lgCfg,
	}, nil
}
