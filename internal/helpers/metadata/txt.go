// Package metadata converts between TXT record strings and key/value maps.
package metadata

import (
	"slices"
	"strings"
)

// Encode renders txt as "key=value" strings in key order. Empty keys
// cannot be represented in a TXT record and are skipped.
func Encode(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		out = append(out, k+"="+txt[k])
	}
	return out
}

// Decode parses TXT strings. A string without '=' is a boolean attribute
// and maps to "". The first occurrence of a key wins.
func Decode(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, _ := strings.Cut(entry, "=")
		if key == "" {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = value
	}
	return out
}

// Missing lists the required keys absent or empty in txt.
func Missing(txt map[string]string, required ...string) []string {
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(txt[k]) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
