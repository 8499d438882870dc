package orchestrator

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// contactInfo extracts the first email and phone number found in text.
// Phone numbers are returned as digits with an optional leading '+'.
func contactInfo(text string) (email, phone string) {
	email = emailRe.FindString(text)
	if raw := phoneRe.FindString(text); raw != "" {
		var sb strings.Builder
		for i, r := range raw {
			if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
				sb.WriteRune(r)
			}
		}
		if digits := strings.TrimPrefix(sb.String(), "+"); len(digits) >= 8 && len(digits) <= 15 {
			phone = sb.String()
		}
	}
	return email, phone
}
