package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const minMeaningfulLen = 3

var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[aeiou\s]*$`),     // vowels only
	regexp.MustCompile(`^[hm\s]*$`),        // hmm
	regexp.MustCompile(`^[uh\s]*$`),        // uh
	regexp.MustCompile(`^[ah\s]*$`),        // ah
	regexp.MustCompile(`^[oh\s]*$`),        // oh
	regexp.MustCompile(`^[^\p{L}\p{N}]*$`), // punctuation and symbols only
	// chained fillers such as "um, uh"
	regexp.MustCompile(`^(?:(?:um+|uh+|hm+|mm+|ah+|oh+|er+)[\s\p{P}]*)+$`),
}

// IsMeaningful reports whether a transcript fragment carries speech worth
// classifying and storing. Short fragments and filler sounds are rejected.
func IsMeaningful(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	if utf8.RuneCountInString(clean) < minMeaningfulLen {
		return false
	}
	for _, p := range noisePatterns {
		if p.MatchString(clean) {
			return false
		}
	}
	return true
}
