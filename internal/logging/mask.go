package logging

import "fmt"

// Mask renders a secret as its length plus a short prefix so log lines can be
// correlated without exposing the value.
func Mask(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	if len(secret) <= 8 {
		return fmt.Sprintf("<redacted len=%d>", len(secret))
	}
	return fmt.Sprintf("%s…<redacted len=%d>", secret[:4], len(secret))
}
