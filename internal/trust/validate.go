package trust

import "strings"

// ValidateInput rejects malformed or dangerous message text before scoring.
// It never errors; the reason tag is user-facing.
func (v *Verifier) ValidateInput(text string, maxLength int) (bool, string) {
	if text == "" {
		return false, "empty_input"
	}
	if len(text) > maxLength {
		return false, "input_too_long"
	}

	lower := strings.ToLower(text)
	for _, pattern := range v.filters.DangerousPatterns {
		if strings.Contains(lower, pattern) {
			return false, "potentially_malicious_input"
		}
	}
	return true, "valid"
}
