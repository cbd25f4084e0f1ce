package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encode marshals value to JSON and wraps it in URL-safe base64 so it can be
// stored as a plain string.
func Encode[T any](value T) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode[T any](encoded string) (T, error) {
	var result T
	if encoded == "" {
		return result, fmt.Errorf("encoded string is empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON (bytes length: %d): %w", len(raw), err)
	}
	return result, nil
}
