package core

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases a field name, splits camelCase and replaces every
// run of non-alphanumeric characters with a single underscore.
//
//	"Product Name" -> "product_name"
//	"compareAtPrice" -> "compare_at_price"
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	runes := []rune(strings.TrimSpace(s))
	pendingSep := false
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			pendingSep = b.Len() > 0
			continue
		}
		if unicode.IsUpper(r) && i > 0 && b.Len() > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				pendingSep = true
			}
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// nameTokens splits a normalized name on underscores.
func nameTokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "_")
}

// Levenshtein returns the edit distance between a and b in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns (maxLen - distance) / maxLen * 100. Two empty strings
// are identical.
func Similarity(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 100
	}
	return float64(maxLen-Levenshtein(a, b)) / float64(maxLen) * 100
}

// abbreviations expands common column-name shorthand.
var abbreviations = map[string]string{
	"qty":   "quantity",
	"desc":  "description",
	"descr": "description",
	"amt":   "amount",
	"img":   "image",
	"pic":   "picture",
	"cat":   "category",
	"no":    "number",
	"num":   "number",
	"nbr":   "number",
	"id":    "identifier",
	"wt":    "weight",
	"dt":    "date",
	"mfr":   "manufacturer",
	"mfg":   "manufacturer",
	"prod":  "product",
	"inv":   "inventory",
	"avail": "available",
	"pub":   "published",
	"stk":   "stock",
	"lbl":   "label",
	"sz":    "size",
	"clr":   "color",
	"url":   "url",
}

// ExpandAbbreviations replaces known abbreviated tokens of a normalized name.
func ExpandAbbreviations(normalized string) string {
	tokens := nameTokens(normalized)
	for i, tok := range tokens {
		if full, ok := abbreviations[tok]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, "_")
}
