package audit

import (
	"regexp"

	"github.com/stiapanreha-dev/xbmc/pkg/mask"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+7|8)[\s(-]*\d{3}[\s)-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}`)
)

// redactQuery masks email addresses and phone numbers embedded in a
// console statement. Statement structure stays readable so the log is
// still useful for review.
func redactQuery(q string) string {
	q = emailPattern.ReplaceAllStringFunc(q, mask.Email)
	q = phonePattern.ReplaceAllStringFunc(q, mask.Phone)
	return q
}
