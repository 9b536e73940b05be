package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Oracle source kinds.
const (
	OracleSourceHermes = "hermes"
	OracleSourceStatic = "static"
)

// defaultFeedID is the Pyth BTC/USD price feed.
const defaultFeedID = "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

// Duration wraps time.Duration so TOML files can carry strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for optionsd.
type Config struct {
	ListenAddress string          `toml:"ListenAddress"`
	DataDir       string          `toml:"DataDir"`
	Environment   string          `toml:"Environment"`
	Paused        []string        `toml:"Paused"`
	Treasury      TreasuryConfig  `toml:"Treasury"`
	Oracle        OracleConfig    `toml:"Oracle"`
	Auth          AuthConfig      `toml:"Auth"`
	RateLimit     RateLimitConfig `toml:"RateLimit"`
	Ledger        LedgerConfig    `toml:"Ledger"`
	Log           LogConfig       `toml:"Log"`
	Telemetry     TelemetryConfig `toml:"Telemetry"`
}

// TreasuryConfig seeds the treasury singleton. With Bootstrap set the service
// initializes the treasury on start when it does not exist yet.
type TreasuryConfig struct {
	Authority   string `toml:"Authority"`
	PriceFeedID string `toml:"PriceFeedID"`
	Bootstrap   bool   `toml:"Bootstrap"`
}

// OracleConfig selects and tunes the price source feeding settlement.
type OracleConfig struct {
	Source      string   `toml:"Source"`
	Endpoint    string   `toml:"Endpoint"`
	FeedID      string   `toml:"FeedID"`
	Interval    Duration `toml:"Interval"`
	Timeout     Duration `toml:"Timeout"`
	MaxAge      Duration `toml:"MaxAge"`
	StaticPrice int64    `toml:"StaticPrice"`
	StaticExpo  int32    `toml:"StaticExpo"`
}

// AuthConfig validates the bearer tokens identifying signers.
type AuthConfig struct {
	HMACSecret string   `toml:"HMACSecret"`
	Issuer     string   `toml:"Issuer"`
	Audience   string   `toml:"Audience"`
	ClockSkew  Duration `toml:"ClockSkew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// LedgerConfig tunes the embedded value ledger.
type LedgerConfig struct {
	AllowCredit bool   `toml:"AllowCredit"`
	VaultSalt   string `toml:"VaultSalt"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
	Headers  string `toml:"Headers"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults and freshly generated secrets.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./optionsd-data"
	}
	if strings.TrimSpace(cfg.Oracle.Source) == "" {
		cfg.Oracle.Source = OracleSourceHermes
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 15 * time.Second
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 5 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 30 * time.Minute
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = "optionsd"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Paused == nil {
		cfg.Paused = []string{}
	}
}

// applyEnv overlays OPTIONSD_* environment variables. Secrets are expected to
// arrive this way rather than through the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"OPTIONSD_LISTEN":             &cfg.ListenAddress,
		"OPTIONSD_DATA_DIR":           &cfg.DataDir,
		"OPTIONSD_ENV":                &cfg.Environment,
		"OPTIONSD_AUTH_SECRET":        &cfg.Auth.HMACSecret,
		"OPTIONSD_VAULT_SALT":         &cfg.Ledger.VaultSalt,
		"OPTIONSD_TREASURY_AUTHORITY": &cfg.Treasury.Authority,
		"OPTIONSD_ORACLE_ENDPOINT":    &cfg.Oracle.Endpoint,
		"OPTIONSD_ORACLE_FEED":        &cfg.Oracle.FeedID,
		"OPTIONSD_OTEL_ENDPOINT":      &cfg.Telemetry.Endpoint,
		"OPTIONSD_OTEL_HEADERS":       &cfg.Telemetry.Headers,
		"OPTIONSD_LOG_LEVEL":          &cfg.Log.Level,
	}
	for key, target := range str {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	if value, ok := lookup("OPTIONSD_ALLOW_CREDIT"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("OPTIONSD_ALLOW_CREDIT: %w", err)
		}
		cfg.Ledger.AllowCredit = parsed
	}
	if value, ok := lookup("OPTIONSD_PAUSED"); ok {
		cfg.Paused = splitList(value)
	}
	return nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	salt, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ListenAddress: ":7080",
		DataDir:       "./optionsd-data",
		Paused:        []string{},
		Oracle: OracleConfig{
			Source:   OracleSourceHermes,
			Endpoint: "https://hermes.pyth.network",
			FeedID:   defaultFeedID,
		},
		Auth: AuthConfig{
			HMACSecret: secret,
			Issuer:     "optionsd",
		},
		Ledger: LedgerConfig{VaultSalt: salt},
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TreasuryAuthority parses the configured treasury authority address.
func (c *Config) TreasuryAuthority() (common.Address, error) {
	raw := strings.TrimSpace(c.Treasury.Authority)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("treasury authority %q is not a hex address", raw)
	}
	return common.HexToAddress(raw), nil
}

// TreasuryFeedID parses the feed the treasury pins settlement to. An empty
// value yields the zero id, which accepts any feed.
func (c *Config) TreasuryFeedID() ([32]byte, error) {
	return parseHash32(c.Treasury.PriceFeedID, true)
}

// OracleFeedID parses the feed polled by the oracle source.
func (c *Config) OracleFeedID() ([32]byte, error) {
	return parseHash32(c.Oracle.FeedID, true)
}

// VaultSalt parses the ledger vault salt.
func (c *Config) VaultSalt() ([32]byte, error) {
	return parseHash32(c.Ledger.VaultSalt, true)
}

func parseHash32(raw string, allowEmpty bool) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		if allowEmpty {
			return out, nil
		}
		return out, fmt.Errorf("value required")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid hex %q: %w", raw, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
