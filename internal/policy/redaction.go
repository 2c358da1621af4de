// Package policy guards what tools may touch and what reaches the logs.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretKeys   = []string{"password", "token", "secret", "api_key", "apikey", "authorization"}
)

const maxLoggedValue = 200

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, or card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactArgs renders tool arguments for a log line. Secret-looking keys are masked, values are
// PII-redacted and long values are clipped.
func RedactArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value := "[REDACTED]"
		if !isSecretKey(k) {
			value, _ = RedactPII(fmt.Sprint(args[k]))
			if r := []rune(value); len(r) > maxLoggedValue {
				value = string(r[:maxLoggedValue]) + "..."
			}
		}
		parts = append(parts, k+"="+value)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
