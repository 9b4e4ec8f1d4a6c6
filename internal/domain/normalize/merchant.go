package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	leadingSymbols = regexp.MustCompile(`^[^\p{L}\p{N}]+`)
	cardPrefixes   = regexp.MustCompile(`(?i)^(POS|PREAUTH|PRE-AUTH|PRE AUTH)\b[\s:*#\-]*`)
	trailingMarker = map[string]struct{}{"POS": {}, "PREAUTH": {}, "REF": {}, "REF#": {}, "TXN": {}, "ID": {}}
	titleCaser     = cases.Title(language.Und)
)

// CleanMerchant derives a display merchant name from a raw description:
// leading symbols and POS/PREAUTH prefixes go, trailing reference codes go,
// and the rest is title-cased.
func CleanMerchant(description string) string {
	s := strings.TrimSpace(description)
	for {
		next := leadingSymbols.ReplaceAllString(s, "")
		next = strings.TrimSpace(cardPrefixes.ReplaceAllString(next, ""))
		if next == s {
			break
		}
		s = next
	}

	words := strings.Fields(s)
	for len(words) > 1 && isReferenceToken(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return ""
	}
	return titleCaser.String(strings.ToLower(strings.Join(words, " ")))
}

func isReferenceToken(w string) bool {
	if strings.HasPrefix(w, "#") || strings.HasPrefix(w, "*") {
		return true
	}
	if _, ok := trailingMarker[strings.ToUpper(w)]; ok {
		return true
	}
	for _, r := range w {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
