// Package env reads typed configuration from NEUTRA_* environment
// variables. Unset and empty values fall back to the default; a value
// that fails to parse is a configuration error, never silently
// defaulted.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func Int(key string, def int) (int, error) {
	return lookup(key, def, strconv.Atoi)
}

func Bool(key string, def bool) (bool, error) {
	return lookup(key, def, strconv.ParseBool)
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return lookup(key, def, time.ParseDuration)
}
