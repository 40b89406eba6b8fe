package record

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a displayed money value such as "1 250,50 DH" or
// "300.00 MAD". Thousands separators, currency letters and surrounding
// whitespace are ignored; a lone comma is treated as the decimal separator.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, s)

	if strings.Contains(cleaned, ",") {
		if strings.Contains(cleaned, ".") {
			// "1,250.50": comma is a thousands separator
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		}
	}

	return decimal.NewFromString(cleaned)
}
