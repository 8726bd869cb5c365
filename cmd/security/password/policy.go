package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// trivial master passwords seen often enough to refuse outright.
var trivial = map[string]struct{}{
	"password":    {},
	"password123": {},
	"urbit123":    {},
	"visor123":    {},
	"qwertyuiop":  {},
	"12345678":    {},
	"123456789":   {},
}

// Validate checks pw against the master password policy. Length counts runes.
// Control characters are refused since the password is typed into a form
// and anything the UI cannot display would make the vault unrecoverable.
func (c Config) Validate(pw string) error {
	if !utf8.ValidString(pw) {
		return ErrInvalidCharacter
	}
	for _, r := range pw {
		if unicode.IsControl(r) {
			return ErrInvalidCharacter
		}
	}

	switch n := utf8.RuneCountInString(pw); {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	}

	if c.Policy.RejectVeryWeak && veryWeak(pw) {
		return ErrWeakPassword
	}
	return nil
}

// veryWeak flags a single repeated rune, short all-digit PINs and a small
// denylist. It is not a strength estimator.
func veryWeak(pw string) bool {
	s := strings.ToLower(strings.TrimSpace(pw))
	if s == "" {
		return true
	}
	if _, ok := trivial[s]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	return utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}
