package phone

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// Normalizer canonicalizes raw phone strings into +<country code><subscriber> form.
type Normalizer struct {
	CountryCode      string
	SubscriberDigits int
	// MobilePrefixes lists the leading digits accepted for a bare subscriber number.
	MobilePrefixes string
}

var Default = Normalizer{CountryCode: "254", SubscriberDigits: 9, MobilePrefixes: "71"}

func New(countryCode string) Normalizer {
	n := Default
	if countryCode != "" {
		n.CountryCode = strings.TrimPrefix(countryCode, "+")
	}
	return n
}

func Normalize(raw string) (string, error) {
	return Default.Normalize(raw)
}

func (n Normalizer) Normalize(raw string) (string, error) {
	cleaned := stripSeparators(raw)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	if strings.HasPrefix(cleaned, "+") {
		digits := cleaned[1:]
		if !allDigits(digits) || len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
		return cleaned, nil
	}

	if !allDigits(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}

	switch {
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == n.SubscriberDigits+1:
		return "+" + n.CountryCode + cleaned[1:], nil
	case strings.HasPrefix(cleaned, n.CountryCode) && len(cleaned) == len(n.CountryCode)+n.SubscriberDigits:
		return "+" + cleaned, nil
	case len(cleaned) == n.SubscriberDigits && strings.IndexByte(n.MobilePrefixes, cleaned[0]) >= 0:
		return "+" + n.CountryCode + cleaned, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
}

func stripSeparators(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '(', ')', '.', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
