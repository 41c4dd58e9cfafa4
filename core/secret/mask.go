package secret

import "strings"

// Mask returns a log-safe representation of a secret string. Short values
// are fully masked; longer values keep just enough visible characters to
// tell configured secrets apart.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
