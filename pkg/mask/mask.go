// Package mask redacts contact details before they leave the service.
// Records shown to visitors without full access carry masked email and
// phone fields; the originals never reach the response body.
package mask

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	emailMaskPercent = 45
	phoneStartDigits = 4
	phoneEndDigits   = 2
)

// Email hides roughly half of an address: te**@ex****e.com. A value
// without '@' that looks like a phone number is routed to Phone, since
// upstream rows occasionally carry numbers in the email column.
func Email(email string) string {
	if email == "" {
		return email
	}
	at := strings.IndexByte(email, '@')
	if at < 0 {
		if countDigits(email) >= 7 {
			return Phone(email)
		}
		return email
	}
	local, domain := email[:at], email[at+1:]
	name, ext := domain, ""
	if dot := strings.LastIndexByte(domain, '.'); dot >= 0 {
		name, ext = domain[:dot], domain[dot+1:]
	}
	out := maskTail(local) + "@" + maskTail(name)
	if ext != "" {
		if len(ext) > 1 {
			ext = ext[:1] + strings.Repeat("*", len(ext)-1)
		}
		out += "." + ext
	}
	return out
}

// Phone keeps the first four and last two characters of the number:
// +79161234567 becomes +7916*****67. Short values pass through as is.
func Phone(phone string) string {
	if phone == "" {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) <= phoneStartDigits+phoneEndDigits {
		return phone
	}
	middle := len(cleaned) - phoneStartDigits - phoneEndDigits
	return cleaned[:phoneStartDigits] + strings.Repeat("*", middle) + cleaned[len(cleaned)-phoneEndDigits:]
}

// maskTail keeps a prefix of the string and stars the rest. At least
// two characters stay visible regardless of the percentage.
func maskTail(s string) string {
	visible := len(s) * (100 - emailMaskPercent) / 100
	if visible < 2 {
		visible = 2
	}
	if visible >= len(s) {
		return s
	}
	return s[:visible] + strings.Repeat("*", len(s)-visible)
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// Price renders a stored cost for display: "1234567.8" becomes
// "1,234,567.80 ₽". Values that do not parse as a number come back
// unchanged, and an empty value renders as "-".
func Price(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "-"
	}
	normalized := strings.ReplaceAll(strings.ReplaceAll(trimmed, ",", ""), " ", "")
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return value
	}
	return groupThousands(d.StringFixed(2)) + " ₽"
}

func groupThousands(fixed string) string {
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")
	var parts []string
	for len(intPart) > 3 {
		parts = append([]string{intPart[len(intPart)-3:]}, parts...)
		intPart = intPart[:len(intPart)-3]
	}
	parts = append([]string{intPart}, parts...)
	return fmt.Sprintf("%s%s.%s", sign, strings.Join(parts, ","), frac)
}
