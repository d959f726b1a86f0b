// Package util holds small helpers shared by the command and the store:
// environment parsing and row id generation.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv reads key as a boolean. true/1/yes/on and false/0/no/off are
// accepted in any case; anything else falls back to defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean")
	})
}

// ParseIntEnv reads key as a base-10 integer.
func ParseIntEnv(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// ParseDurationEnv reads key as a Go duration such as "500ms" or "30s".
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// parseEnv returns defaultValue when key is unset or blank, and logs and
// returns defaultValue when parse rejects the value.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("util.parseEnv: invalid value, using default", "key", key, "value", raw, "default", defaultValue, "error", err)
		return defaultValue
	}
	return v
}
