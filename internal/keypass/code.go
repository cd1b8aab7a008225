package keypass

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet excludes the ambiguous glyphs 0/O, 1/I/L so codes survive
// being read aloud or retyped from paper.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeLength    = 12
	codeGroupSize = 4
)

// NewCode generates a random keypass code like "K7MD-2QGH-XV4N".
func NewCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keypass: generate code: %w", err)
	}
	var b strings.Builder
	b.Grow(codeLength + codeLength/codeGroupSize - 1)
	for i, c := range buf {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// Normalize maps user input onto the canonical grouped form: case folded,
// separators and whitespace dropped, dashes reinserted every four glyphs.
// Input that cannot be a code normalizes to "".
func Normalize(raw string) string {
	var compact strings.Builder
	compact.Grow(codeLength)
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r == '-' || r == ' ':
			continue
		case !strings.ContainsRune(codeAlphabet, r):
			return ""
		}
		compact.WriteRune(r)
	}
	if compact.Len() != codeLength {
		return ""
	}
	s := compact.String()
	var b strings.Builder
	b.Grow(codeLength + codeLength/codeGroupSize - 1)
	for i := 0; i < codeLength; i += codeGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(s[i : i+codeGroupSize])
	}
	return b.String()
}
