package org

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"
)

const maxSlugLen = 48

// Slugify derives a URL-safe slug from an organization name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "org"
	}
	return s
}

// SlugWithSuffix appends a short random suffix, used after a collision.
func SlugWithSuffix(base string) string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return base + "-" + hex.EncodeToString(buf)
}
