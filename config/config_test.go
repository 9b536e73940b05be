package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optionsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "optionsd.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7080", cfg.ListenAddress)
	require.Equal(t, OracleSourceHermes, cfg.Oracle.Source)
	require.Len(t, cfg.Auth.HMACSecret, 64)
	salt, err := cfg.VaultSalt()
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, salt)

	// The persisted file loads back to the same secrets.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Auth.HMACSecret, reloaded.Auth.HMACSecret)
	require.Equal(t, cfg.Ledger.VaultSalt, reloaded.Ledger.VaultSalt)
	require.Equal(t, 15*time.Second, reloaded.Oracle.Interval.Duration)
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = "127.0.0.1:9000"
DataDir = "/tmp/options"
Paused = ["options"]

[Treasury]
Authority = "0x00000000000000000000000000000000000000aa"
Bootstrap = true

[Oracle]
Source = "static"
StaticPrice = 50000
StaticExpo = 0
Interval = "5s"
MaxAge = "10m"

[Auth]
HMACSecret = "`+testSecret+`"
Audience = "options-clients"

[RateLimit]
RequestsPerMinute = 30
Burst = 3

[Ledger]
AllowCredit = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, []string{"options"}, cfg.Paused)
	require.True(t, cfg.Treasury.Bootstrap)
	authority, err := cfg.TreasuryAuthority()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), authority)
	require.Equal(t, 5*time.Second, cfg.Oracle.Interval.Duration)
	require.Equal(t, 10*time.Minute, cfg.Oracle.MaxAge.Duration)
	require.Equal(t, "optionsd", cfg.Auth.Issuer)
	require.Equal(t, 30*time.Second, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, 3, cfg.RateLimit.Burst)
	require.True(t, cfg.Ledger.AllowCredit)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":1"
Mystery = true
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Mystery")
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{}
	env := map[string]string{
		"OPTIONSD_AUTH_SECRET":  testSecret,
		"OPTIONSD_LISTEN":       " :9999 ",
		"OPTIONSD_ALLOW_CREDIT": "true",
		"OPTIONSD_PAUSED":       "options, ,treasury",
	}
	lookup := func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
	require.NoError(t, applyEnv(cfg, lookup))
	require.Equal(t, testSecret, cfg.Auth.HMACSecret)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.True(t, cfg.Ledger.AllowCredit)
	require.Equal(t, []string{"options", "treasury"}, cfg.Paused)

	env["OPTIONSD_ALLOW_CREDIT"] = "maybe"
	require.Error(t, applyEnv(cfg, lookup))
}

func validConfig() *Config {
	cfg := &Config{
		Oracle: OracleConfig{Source: OracleSourceStatic, StaticPrice: 1},
		Auth:   AuthConfig{HMACSecret: testSecret},
	}
	applyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Auth.HMACSecret = "short" }, "HMACSecret"},
		{"bad authority", func(c *Config) { c.Treasury.Authority = "0x12" }, "Treasury.Authority"},
		{"bootstrap without authority", func(c *Config) { c.Treasury.Bootstrap = true }, "Bootstrap"},
		{"bad feed", func(c *Config) { c.Treasury.PriceFeedID = "abcd" }, "PriceFeedID"},
		{"unknown source", func(c *Config) { c.Oracle.Source = "carrier-pigeon" }, "Oracle.Source"},
		{"hermes without feed", func(c *Config) {
			c.Oracle.Source = OracleSourceHermes
			c.Oracle.Endpoint = "http://localhost"
		}, "Oracle.FeedID"},
		{"static without price", func(c *Config) { c.Oracle.StaticPrice = 0 }, "StaticPrice"},
		{"max age too large", func(c *Config) { c.Oracle.MaxAge.Duration = time.Hour }, "MaxAge"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = -1 }, "Burst"},
		{"bad salt", func(c *Config) { c.Ledger.VaultSalt = "zz" }, "VaultSalt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), "error %q should mention %q", err, tc.want)
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
