package utils

import "strings"

// NormalizePhone reduces a phone number to a canonical digits-only form so
// the same sender correlates across channels. International prefixes ("+",
// "00") are stripped; formatting characters are dropped. Returns "" when the
// input carries no digits.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	// "00" international prefix; the "+" was already dropped with the other
	// non-digit characters.
	if strings.HasPrefix(digits, "00") && len(digits) > 4 {
		digits = digits[2:]
	}
	return digits
}
