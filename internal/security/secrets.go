package security

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinTokenLength is the minimum length accepted for API tokens.
	// Jenkins API tokens are 34 characters; n8n API keys are longer.
	MinTokenLength = 16

	// MinEntropy is the minimum Shannon entropy threshold for tokens.
	MinEntropy = 3.0
)

var forbiddenTokens = map[string]bool{
	"replace-with-token":  true,
	"replace-with-secret": true,
	"your-api-token":      true,
	"your-api-key":        true,
	"changeme":            true,
	"password":            true,
	"secret":              true,
	"token":               true,
	"admin":               true,
}

// ValidateToken ensures an API token is not a placeholder or obviously weak.
// Checks:
// - Minimum length (16 characters)
// - Not a placeholder value
// - Sufficient Shannon entropy (minimum 3.0)
func ValidateToken(token string) error {
	if len(token) < MinTokenLength {
		return fmt.Errorf("token too short (minimum %d characters, got %d)", MinTokenLength, len(token))
	}

	tokenLower := strings.ToLower(token)
	if forbiddenTokens[tokenLower] {
		return fmt.Errorf("token appears to be a placeholder value")
	}

	if strings.Contains(tokenLower, "replace") ||
		strings.Contains(tokenLower, "changeme") ||
		strings.Contains(tokenLower, "your-api") {
		return fmt.Errorf("token appears to be a placeholder value")
	}

	entropy := calculateEntropy(token)
	if entropy < MinEntropy {
		return fmt.Errorf("token has insufficient entropy (%.2f < %.2f)", entropy, MinEntropy)
	}

	return nil
}

// RedactToken keeps the first and last two characters of a token, for
// logging which credential was used without logging the credential.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:2] + strings.Repeat("*", len(token)-4) + token[len(token)-2:]
}

// calculateEntropy computes the Shannon entropy of a string.
// Returns a value between 0 (completely predictable) and ~8.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// IsWeakToken performs a quick check if a token is obviously weak.
// This can be used for warning messages without failing validation.
func IsWeakToken(token string) bool {
	if len(token) < MinTokenLength {
		return true
	}

	// All same character
	if len(strings.Trim(token, string(token[0]))) == 0 {
		return true
	}

	if isSequential(token) {
		return true
	}

	if calculateEntropy(token) < 2.5 {
		return true
	}

	return false
}

// isSequential checks if a string consists of sequential characters.
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}

	// If more than 70% of characters are sequential, it's weak
	return float64(sequential) > float64(len(s))*0.7
}
