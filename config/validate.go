package config

import (
	"fmt"
	"strings"
	"time"
)

// maxOracleAge matches the settlement staleness threshold.
const maxOracleAge = 30 * time.Minute

// Validate returns the first violated constraint.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if strings.TrimSpace(c.Treasury.Authority) != "" {
		if _, err := c.TreasuryAuthority(); err != nil {
			return fmt.Errorf("config: Treasury.Authority: %w", err)
		}
	} else if c.Treasury.Bootstrap {
		return fmt.Errorf("config: Treasury.Bootstrap requires Treasury.Authority")
	}
	if _, err := c.TreasuryFeedID(); err != nil {
		return fmt.Errorf("config: Treasury.PriceFeedID: %w", err)
	}
	if err := c.validateOracle(); err != nil {
		return err
	}
	if len(strings.TrimSpace(c.Auth.HMACSecret)) < 32 {
		return fmt.Errorf("config: Auth.HMACSecret must be at least 32 characters")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("config: Auth.Issuer required")
	}
	if c.Auth.ClockSkew.Duration < 0 {
		return fmt.Errorf("config: Auth.ClockSkew must not be negative")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: RateLimit.RequestsPerMinute must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: RateLimit.Burst must be positive")
	}
	if _, err := c.VaultSalt(); err != nil {
		return fmt.Errorf("config: Ledger.VaultSalt: %w", err)
	}
	return nil
}

func (c *Config) validateOracle() error {
	switch strings.ToLower(strings.TrimSpace(c.Oracle.Source)) {
	case OracleSourceHermes:
		if strings.TrimSpace(c.Oracle.Endpoint) == "" {
			return fmt.Errorf("config: Oracle.Endpoint required for hermes source")
		}
		if strings.TrimSpace(c.Oracle.FeedID) == "" {
			return fmt.Errorf("config: Oracle.FeedID required for hermes source")
		}
	case OracleSourceStatic:
		if c.Oracle.StaticPrice <= 0 {
			return fmt.Errorf("config: Oracle.StaticPrice must be positive for static source")
		}
	default:
		return fmt.Errorf("config: unknown Oracle.Source %q", c.Oracle.Source)
	}
	if _, err := c.OracleFeedID(); err != nil {
		return fmt.Errorf("config: Oracle.FeedID: %w", err)
	}
	if c.Oracle.Interval.Duration <= 0 {
		return fmt.Errorf("config: Oracle.Interval must be positive")
	}
	if c.Oracle.Timeout.Duration <= 0 {
		return fmt.Errorf("config: Oracle.Timeout must be positive")
	}
	if c.Oracle.MaxAge.Duration <= 0 || c.Oracle.MaxAge.Duration > maxOracleAge {
		return fmt.Errorf("config: Oracle.MaxAge must be within (0, %s]", maxOracleAge)
	}
	return nil
}
