package template

import "strings"

// Quote minimally quotes s for a POSIX shell. Common safe characters are
// left as is; anything else is single-quoted with the standard '\''
// escape for embedded single quotes.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	switch r {
	case '-', '_', '.', '/', '@', ':', ',', '+', '=':
		return false
	}
	return true
}

// QuoteAll returns a copy of paths with every value passed through Quote.
func QuoteAll(paths map[string]string) map[string]string {
	quoted := make(map[string]string, len(paths))
	for k, v := range paths {
		quoted[k] = Quote(v)
	}
	return quoted
}
