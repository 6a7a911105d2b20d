package slug

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxLen = 120
	maxAttempts   = 25
)

var (
	reNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
	reHyphens  = regexp.MustCompile(`-+`)
)

// Make lowercases s, strips diacritics and collapses everything outside [a-z0-9]
// into single hyphens. maxLen <= 0 uses DefaultMaxLen. An input with no usable
// characters yields "concurso".
func Make(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := reNonAlnum.ReplaceAllString(b.String(), "-")
	out = reHyphens.ReplaceAllString(out, "-")
	out = strings.Trim(out, "-")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	if out == "" {
		out = "concurso"
	}
	return out
}

// ExistsFunc reports whether slug is already taken by a record other than excludeID.
type ExistsFunc func(ctx context.Context, slug, excludeID string) (bool, error)

// Unique returns base, or base with a "-2", "-3", ... suffix, whichever is free.
// After maxAttempts it falls back to a short hash of seed.
func Unique(ctx context.Context, base, excludeID, seed string, maxLen int, exists ExistsFunc) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	candidate := base
	for i := 0; i < maxAttempts; i++ {
		taken, err := exists(ctx, candidate, excludeID)
		if err != nil {
			return "", fmt.Errorf("check slug %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = withSuffix(base, fmt.Sprintf("-%d", i+2), maxLen)
	}
	sum := sha1.Sum([]byte(seed))
	candidate = withSuffix(base, "-"+hex.EncodeToString(sum[:])[:8], maxLen)
	taken, err := exists(ctx, candidate, excludeID)
	if err != nil {
		return "", fmt.Errorf("check slug %s: %w", candidate, err)
	}
	if taken {
		return "", fmt.Errorf("slug %s: no free variant", base)
	}
	return candidate, nil
}

func withSuffix(base, suffix string, maxLen int) string {
	keep := maxLen - len(suffix)
	if keep < 1 {
		keep = 1
	}
	if len(base) > keep {
		base = strings.Trim(base[:keep], "-")
	}
	if base == "" {
		base = "c"
	}
	return base + suffix
}
