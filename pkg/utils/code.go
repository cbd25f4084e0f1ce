package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

// CodeLength is the length of session codes handed to users.
const CodeLength = 8

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// GenerateCode returns a random alphanumeric code of the given length.
func GenerateCode(length int) (string, error) {
	result := make([]byte, length)
	limit := big.NewInt(int64(len(charset)))
	for i := range result {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// IsValidCode reports whether code looks like a session code. Codes are
// also database keys, so anything else must never reach a path.
func IsValidCode(code string) bool {
	return len(code) == CodeLength && codePattern.MatchString(code)
}
