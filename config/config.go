package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// SealKeyEnv is consulted for the seal key material when the config file
// does not carry one.
const SealKeyEnv = "VOTECOMMIT_SEAL_KEY"

type Configs struct {
	Env string `toml:"env"`

	Log       LogConfigs     `toml:"log"`
	Seal      SealConfigs    `toml:"seal"`
	Hash      HashConfigs    `toml:"hash"`
	Lottery   LotteryConfigs `toml:"lottery"`
	Gate      GateConfigs    `toml:"gate"`
	Reveal    RevealConfigs  `toml:"reveal"`
	Storage   StorageConfigs `toml:"storage"`
	ApiServer ServerConfigs  `toml:"api_server"`
	ID        IDConfigs      `toml:"id"`
}

type LogConfigs struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type SealConfigs struct {
	// Algorithm is "aes-gcm" or "xchacha20-poly1305".
	Algorithm string `toml:"algorithm"`
	// Key is hex or base64 key material. Leave empty to read SealKeyEnv.
	Key string `toml:"key"`
}

type HashConfigs struct {
	// Algorithm is "sha256", "sha3-256" or "keccak256".
	Algorithm string `toml:"algorithm"`
}

type LotteryConfigs struct {
	// Collision is "accept" or "unique".
	Collision   string `toml:"collision"`
	MaxAttempts int    `toml:"max_attempts"`
	// RedisAddr switches the unique policy to a shared redis registry.
	RedisAddr string `toml:"redis_addr"`
}

type GateConfigs struct {
	Tolerance        time.Duration `toml:"tolerance"`
	CompletionRatio  float64       `toml:"completion_ratio"`
	FallbackDuration time.Duration `toml:"fallback_duration"`
}

type RevealConfigs struct {
	SpinInterval     time.Duration `toml:"spin_interval"`
	SpinDwell        time.Duration `toml:"spin_dwell"`
	InterCellDelay   time.Duration `toml:"inter_cell_delay"`
	FallDuration     time.Duration `toml:"fall_duration"`
	BounceDuration   time.Duration `toml:"bounce_duration"`
	InterWinnerDelay time.Duration `toml:"inter_winner_delay"`
	FrameInterval    time.Duration `toml:"frame_interval"`
}

type StorageConfigs struct {
	Dir string `toml:"dir"`
}

type ServerConfigs struct {
	Host           string   `toml:"host"`
	Port           string   `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

func (s ServerConfigs) Address() string {
	return s.Host + ":" + s.Port
}

type IDConfigs struct {
	// Node is the snowflake node number used for receipt ids.
	Node int64 `toml:"node"`
}

func Default() Configs {
	return Configs{
		Env: "local",
		Log: LogConfigs{Level: "INFO", Development: true},
		Seal: SealConfigs{
			Algorithm: "aes-gcm",
		},
		Hash:    HashConfigs{Algorithm: "sha256"},
		Lottery: LotteryConfigs{Collision: "accept", MaxAttempts: 16},
		Gate: GateConfigs{
			Tolerance:        500 * time.Millisecond,
			CompletionRatio:  0.9,
			FallbackDuration: 3 * time.Minute,
		},
		Reveal: RevealConfigs{
			SpinInterval:     50 * time.Millisecond,
			SpinDwell:        2 * time.Second,
			InterCellDelay:   300 * time.Millisecond,
			FallDuration:     400 * time.Millisecond,
			BounceDuration:   240 * time.Millisecond,
			InterWinnerDelay: 1500 * time.Millisecond,
			FrameInterval:    16 * time.Millisecond,
		},
		Storage:   StorageConfigs{Dir: "data"},
		ApiServer: ServerConfigs{Host: "", Port: "8080", AllowedOrigins: []string{"*"}},
		ID:        IDConfigs{Node: 1},
	}
}

// Load reads a TOML file on top of the defaults. An empty path returns the
// defaults.
func Load(path string) (Configs, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Configs{}, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	if cfg.Seal.Key == "" {
		cfg.Seal.Key = os.Getenv(SealKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return Configs{}, err
	}
	return cfg, nil
}

func (c Configs) Validate() error {
	switch c.Seal.Algorithm {
	case "aes-gcm", "xchacha20-poly1305":
	default:
		return fmt.Errorf("unknown seal algorithm %q", c.Seal.Algorithm)
	}

	switch c.Hash.Algorithm {
	case "sha256", "sha3-256", "keccak256":
	default:
		return fmt.Errorf("unknown hash algorithm %q", c.Hash.Algorithm)
	}

	switch c.Lottery.Collision {
	case "accept":
	case "unique":
		if c.Lottery.MaxAttempts <= 0 {
			return errors.New("lottery max_attempts must be positive")
		}
	default:
		return fmt.Errorf("unknown lottery collision policy %q", c.Lottery.Collision)
	}

	if c.Gate.CompletionRatio <= 0 || c.Gate.CompletionRatio > 1 {
		return fmt.Errorf("gate completion_ratio %v must be in (0, 1]", c.Gate.CompletionRatio)
	}
	if c.Gate.Tolerance < 0 {
		return errors.New("gate tolerance must not be negative")
	}

	if c.ID.Node < 0 || c.ID.Node > 1023 {
		return fmt.Errorf("id node %d out of range [0, 1023]", c.ID.Node)
	}
	return nil
}

// SealKey decodes the configured key material. Hex is tried first, then
// standard base64.
func (c Configs) SealKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Seal.Key)
	if raw == "" {
		return nil, fmt.Errorf("no seal key configured (set seal.key or %s)", SealKeyEnv)
	}

	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("seal key must be hex or base64")
	}
	return b, nil
}
