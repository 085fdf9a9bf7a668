package compliance

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
)

// RedactContact replaces emails with [EMAIL] and phone numbers with [PHONE].
// Clinical content, names and dates are left alone; only contact details
// that add nothing to a triage prompt are removed.
func RedactContact(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	return phoneRe.ReplaceAllString(text, "[PHONE]")
}
