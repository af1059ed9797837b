// Package util holds small environment helpers shared by the command entrypoint.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads key as a boolean flag. The usual spellings are accepted
// in any case: true/false, 1/0, yes/no, on/off. An unset key or an
// unrecognized value falls back to def.
func ParseBoolEnv(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: unrecognized value, keeping default", "key", key, "value", raw, "default", def)
	return def
}
