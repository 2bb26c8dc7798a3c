package analysis

import (
	"regexp"
	"strings"
)

// injectionPatterns are rejected outright in free-text questionnaire
// fields. Job inputs end up in prompts and rendered reports downstream,
// so instruction-override and markup tricks are stopped at the gate.
var injectionPatterns = []*regexp.Regexp{
	// Direct instruction override attempts.
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),

	// Delimiter injection.
	regexp.MustCompile(`(?i)<\|?(system|endof(text|turn)|im_start|im_end)\|?>`),
	regexp.MustCompile(`(?i)\[INST\]|\[/INST\]|\[SYS(TEM)?\]`),

	// Markup injection for rendering attacks.
	regexp.MustCompile(`(?i)<script[^>]*>|javascript\s*:`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
}

// scanInjection returns the patterns matched in text, up to three per
// pattern. Empty means clean.
func scanInjection(text string) []string {
	var matches []string
	for _, pat := range injectionPatterns {
		for _, m := range pat.FindAllString(text, 3) {
			matches = append(matches, strings.TrimSpace(m))
		}
	}
	return matches
}
