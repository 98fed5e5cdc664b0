// Package spechash derives the content address of a simulation spec.
//
// Two specs with the same logical content must hash identically no
// matter how they were written (key order, whitespace, comments, JSON
// vs YAML); any change to a leaf value must change the hash.
package spechash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neutra-labs/neutra-go/internal/domain"
	"gopkg.in/yaml.v3"
)

// Parse decodes spec source text (JSON or YAML; JSON is a YAML subset)
// into a mapping ready for canonicalization.
func Parse(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return nil, errors.New("spec is empty")
	}
	var decoded any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	normalized, err := normalizeValue(decoded)
	if err != nil {
		return nil, err
	}
	spec, ok := normalized.(map[string]any)
	if !ok {
		return nil, errors.New("spec must be a mapping")
	}
	return domain.Metadata(spec), nil
}

// Canonicalize renders the spec as compact JSON with recursively sorted
// keys. encoding/json sorts map keys, so normalized maps serialize
// deterministically.
func Canonicalize(spec domain.Metadata) ([]byte, error) {
	if spec == nil {
		return nil, errors.New("spec is required")
	}
	normalized, err := normalizeValue(map[string]any(spec))
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize spec: %w", err)
	}
	return blob, nil
}

// Hash returns the hex SHA-256 digest of the canonical serialization.
func Hash(spec domain.Metadata) (string, error) {
	blob, err := Canonicalize(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ShortHash truncates a digest for display. It carries no uniqueness
// guarantee of its own.
func ShortHash(digest string, n int) string {
	if n <= 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}

// normalizeValue rewrites decoder-specific shapes (yaml map[any]any
// keys, integer widths) into one canonical in-memory form.
func normalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			normalized, err := normalizeValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("spec keys must be strings (got %T)", k)
			}
			normalized, err := normalizeValue(v)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			normalized, err := normalizeValue(v)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case float64:
		// JSON decodes every number as float64; fold integral values
		// back so {"seed": 42} and "seed: 42" canonicalize identically.
		if typed == float64(int64(typed)) {
			return int64(typed), nil
		}
		return typed, nil
	case int:
		return int64(typed), nil
	case int64, uint64, float32, bool, string, nil:
		return typed, nil
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i, nil
		}
		f, err := typed.Float64()
		if err != nil {
			return nil, fmt.Errorf("spec number %q: %w", typed.String(), err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported spec value type %T", value)
	}
}
