// Package keys builds the Redis key layout for jobs and cached layers.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	jobPrefix   = "nongview:job:"
	jobIndex    = "nongview:jobs"
	layerPrefix = "nongview:layer:"
	maxPartLen  = 64
)

func Job(id string) string { return jobPrefix + strings.TrimSpace(id) }

// JobIndex is the set holding every known job id.
func JobIndex() string { return jobIndex }

// Layer keys one analysis layer. The readable part is sanitised and
// truncated; the hash keeps distinct inputs apart after sanitising.
func Layer(analysisID, layer string) string {
	a, l := strings.TrimSpace(analysisID), strings.TrimSpace(layer)
	sum := xxhash.Sum64String(a + "\x00" + l)
	return fmt.Sprintf("%s%s:%s:h=%016x", layerPrefix, sanitize(a), sanitize(l), sum)
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			// Any other rune (including ':' and non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	out := b.String()
	if len(out) > maxPartLen {
		out = out[:maxPartLen]
	}
	return out
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
