package classify

import (
	"regexp"
	"strings"
)

var repeatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`repeat\s+that`),
	regexp.MustCompile(`say\s+that\s+again`),
	regexp.MustCompile(`can\s+you\s+repeat`),
	regexp.MustCompile(`repeat\s+please`),
	regexp.MustCompile(`say\s+again`),
	regexp.MustCompile(`repite\s+eso`),
	regexp.MustCompile(`repítelo`),
	regexp.MustCompile(`dilo\s+otra\s+vez`),
	regexp.MustCompile(`puedes\s+repetir`),
}

// IsRepeatCommand reports whether text asks for the last translation again,
// in either language.
func IsRepeatCommand(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	for _, p := range repeatPatterns {
		if p.MatchString(clean) {
			return true
		}
	}
	return false
}
