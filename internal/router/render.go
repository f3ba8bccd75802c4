package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	placeholderServer  = "{server}"
	placeholderPlayer  = "{player}"
	placeholderMessage = "{message}"

	unknownPlayer = "unknown player"
)

var ErrBadTemplate = errors.New("malformed template")

// Render substitutes the placeholders in one pass, so values that happen to
// contain "{message}" are not expanded again.
func Render(tpl, server, player, message string) string {
	if player == "" {
		player = unknownPlayer
	}
	r := strings.NewReplacer(
		placeholderServer, server,
		placeholderPlayer, player,
		placeholderMessage, message,
	)
	return r.Replace(tpl)
}

// Truncate caps s at max characters. Truncate(Truncate(s, n), n) == Truncate(s, n).
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// ValidateTemplate rejects unbalanced braces and unknown placeholders.
func ValidateTemplate(tpl string) error {
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		closing := strings.IndexByte(rest, '}')
		if open < 0 {
			if closing >= 0 {
				return fmt.Errorf("%w: unmatched '}' in %q", ErrBadTemplate, tpl)
			}
			return nil
		}
		if closing >= 0 && closing < open {
			return fmt.Errorf("%w: unmatched '}' in %q", ErrBadTemplate, tpl)
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return fmt.Errorf("%w: unmatched '{' in %q", ErrBadTemplate, tpl)
		}
		name := rest[open : open+end+1]
		switch name {
		case placeholderServer, placeholderPlayer, placeholderMessage:
		default:
			return fmt.Errorf("%w: unknown placeholder %s in %q", ErrBadTemplate, name, tpl)
		}
		rest = rest[open+end+1:]
	}
}

// HasPrefix reports whether text starts with any non-empty prefix.
func HasPrefix(text string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}
