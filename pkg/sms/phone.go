package sms

import "strings"

// DefaultCountryCode is the dialing prefix applied to local numbers.
const DefaultCountryCode = "233"

// NormalizePhone strips every non-digit from raw and rewrites a local number
// (leading 0) to international form using countryCode. Numbers that already
// carry the prefix pass through. An input with no digits yields "".
func NormalizePhone(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		return countryCode + digits[1:]
	}
	return digits
}
