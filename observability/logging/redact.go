package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in optionsd logs.
const RedactedValue = "[REDACTED]"

// Keys the handler always writes verbatim, even when a caller routes them
// through MaskField.
var passthroughKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"operation": {},
	"escrow":    {},
	"caller":    {},
	"status":    {},
	"method":    {},
	"path":      {},
}

// Key fragments that mark a credential. Matching attrs are masked by the
// handler regardless of how they were logged.
var sensitiveFragments = []string{
	"authorization",
	"secret",
	"token",
	"password",
	"api_key",
	"apikey",
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is always logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := passthroughKeys[normalizeKey(key)]
	return ok
}

func isSensitive(key string) bool {
	normalized := normalizeKey(key)
	if _, ok := passthroughKeys[normalized]; ok {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// redactAttr masks credential-bearing string attrs. It runs inside the JSON
// handler's ReplaceAttr hook.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || attr.Value.String() == "" {
		return attr
	}
	if !isSensitive(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// MaskField builds an attr for a caller-supplied value of unknown sensitivity,
// such as a rejected request header. Anything outside the passthrough set is
// masked. Empty values are kept so missing input stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
