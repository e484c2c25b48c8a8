// Package stringutil holds small string helpers shared across packages.
package stringutil

// TruncateString returns at most maxLen bytes of s.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis caps s at maxLen bytes, replacing the tail with
// "..." when it was cut. Used to keep user instructions readable in logs
// without flooding them.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
