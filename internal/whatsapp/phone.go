package whatsapp

import (
	"strings"
)

const (
	phoneMinDigits = 10
	phoneMaxDigits = 15
)

// NormalizePhone reduces raw input to the canonical international
// digits-only form for one national numbering plan: strip every non-digit,
// replace a leading trunk prefix with the country code, and prefix short
// bare-national numbers with the country code. Numbers already starting with
// the country code pass through unchanged.
func NormalizePhone(raw, countryCode, trunkPrefix string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(digits, countryCode):
		// already international
	case trunkPrefix != "" && strings.HasPrefix(digits, trunkPrefix):
		digits = countryCode + digits[len(trunkPrefix):]
	case len(digits) <= 12:
		digits = countryCode + digits
	}

	if len(digits) < phoneMinDigits || len(digits) > phoneMaxDigits {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// FormatPairingCode renders a raw code into the display convention: uppercase
// with a hyphen at the midpoint of the fixed 8-character form. Codes of any
// other length pass through uppercased.
func FormatPairingCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}
