// Package metadata extracts the declared name, category and import list from
// the structured comment header of module source text.
//
// A header looks like:
//
//	/*
//	 * @visual name: Circles
//	 * @visual category: 2D
//	 * @visual imports: ModuleBase, assetUrl
//	 */
//
// Parsing is pure and never fails: malformed or absent input yields the
// zero Metadata with HasMetadata == false.
package metadata

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxBytes is the default scan budget.
const DefaultMaxBytes = 16 * 1024

// TagMarker introduces a metadata line. Matching is case-insensitive.
const TagMarker = "@visual"

// Metadata is the parsed header. Empty strings stand in for absent values.
type Metadata struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Imports     []string `json:"imports"`
	HasMetadata bool     `json:"hasMetadata"`
}

var tagLine = regexp.MustCompile(`(?im)^[ \t/*]*` + regexp.QuoteMeta(TagMarker) + `[ \t]+(name|category|imports)\b[ \t]*:?[ \t]*(.*)$`)

// Parse scans at most maxBytes of text (DefaultMaxBytes when maxBytes <= 0).
// Tags beyond the budget are not seen, which downgrades HasMetadata exactly
// as if they were missing.
func Parse(text string, maxBytes int) Metadata {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(text) > maxBytes {
		text = text[:maxBytes]
	}

	var (
		md                          Metadata
		seenName, seenCat, seenImps bool
	)
	for _, m := range tagLine.FindAllStringSubmatch(text, -1) {
		value := NormalizeValue(m[2])
		switch strings.ToLower(m[1]) {
		case "name":
			if !seenName {
				md.Name, seenName = value, true
			}
		case "category":
			if !seenCat {
				md.Category, seenCat = value, true
			}
		case "imports":
			if !seenImps {
				md.Imports, seenImps = SplitImports(value), true
			}
		}
	}

	md.HasMetadata = md.Name != "" && md.Category != "" && len(md.Imports) > 0
	return md
}

// NormalizeValue coerces v to a trimmed string with a trailing block comment
// terminator removed and one leading and one trailing quote stripped. The
// quotes are stripped independently, so `'x"` becomes `x`.
//
// Falsy non-string inputs (0, false, nil) normalise to "". A string "0" is
// kept; callers must not rely on a numeric 0 or boolean false surviving.
func NormalizeValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case bool:
		if !t {
			return ""
		}
		s = "true"
	case int:
		if t == 0 {
			return ""
		}
		s = strconv.Itoa(t)
	case int64:
		if t == 0 {
			return ""
		}
		s = strconv.FormatInt(t, 10)
	case float64:
		if t == 0 || math.IsNaN(t) {
			return ""
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "*/"))
	if s != "" && isQuote(s[0]) {
		s = s[1:]
	}
	if s != "" && isQuote(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}

// SplitImports splits a comma-separated import list, dropping blanks and
// duplicates while keeping first-seen order.
func SplitImports(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

func isQuote(b byte) bool {
	return b == '"' || b == '\''
}
