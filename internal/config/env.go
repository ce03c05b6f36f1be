// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ManuGH/roomsense/internal/log"
)

// ParseString returns the environment value for key, or defaultVal when the
// variable is unset or empty.
func ParseString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// ParseBool parses a boolean environment variable. Invalid values are logged
// and fall back to defaultVal.
func ParseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		warnEnv(key, v, "bool")
		return defaultVal
	}
	return parsed
}

// ParseInt parses an integer environment variable. Invalid values are logged
// and fall back to defaultVal.
func ParseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		warnEnv(key, v, "int")
		return defaultVal
	}
	return parsed
}

// ParseFloat parses a float environment variable. Invalid values are logged
// and fall back to defaultVal.
func ParseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnEnv(key, v, "float")
		return defaultVal
	}
	return parsed
}

// ParseDuration parses a duration environment variable like "5s". Invalid
// values are logged and fall back to defaultVal.
func ParseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		warnEnv(key, v, "duration")
		return defaultVal
	}
	return parsed
}

func warnEnv(key, value, want string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).
		Str("value", value).
		Str("want", want).
		Msg("invalid environment value ignored")
}
