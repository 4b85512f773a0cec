package validation

import (
	"strings"
	"unicode"
)

// CleanCell normalises one cell of an uploaded ledger CSV. Control and format
// runes (byte order marks, zero-width spaces, NULs) are dropped, embedded tabs
// and line breaks become spaces, and the result is trimmed.
func CleanCell(cell string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case unicode.IsPrint(r):
			return r
		}
		return -1
	}, cell)
	return strings.TrimSpace(cleaned)
}
