// Package dictionary previews the engine's word corrections locally.
package dictionary

import (
	"regexp"
	"sort"
	"strings"
)

// Corrector applies case-insensitive whole-word replacements. Longer keys win
// over keys that are their prefixes.
type Corrector struct {
	entries map[string]string
	re      *regexp.Regexp
}

// NewCorrector compiles entries. Keys are matched case-insensitively and
// empty keys are ignored.
func NewCorrector(entries map[string]string) *Corrector {
	normalized := make(map[string]string, len(entries))
	for key, value := range entries {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		normalized[key] = value
	}

	c := &Corrector{entries: normalized}
	if len(normalized) == 0 {
		return c
	}

	keys := make([]string, 0, len(normalized))
	for key := range normalized {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = regexp.QuoteMeta(key)
	}
	c.re = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	return c
}

// Len reports the number of usable entries.
func (c *Corrector) Len() int {
	return len(c.entries)
}

// Apply returns text with every dictionary key replaced.
func (c *Corrector) Apply(text string) string {
	if c.re == nil {
		return text
	}
	return c.re.ReplaceAllStringFunc(text, func(match string) string {
		if replacement, ok := c.entries[strings.ToLower(match)]; ok {
			return replacement
		}
		return match
	})
}
