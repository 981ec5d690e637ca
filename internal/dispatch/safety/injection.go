package safety

import (
	"regexp"
	"strconv"
)

// injectionPatterns is the fixed, case-insensitive list of prompt-injection
// markers checked in tool output before it is fed back to the model.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(previous|all|above)\s+instructions?`),
	regexp.MustCompile(`(?i)disregard\s+(previous|all|above)`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)you\s+are\s+now`),
	regexp.MustCompile(`(?i)new\s+instructions?:`),
	regexp.MustCompile(`(?i)act\s+as`),
	regexp.MustCompile(`(?i)pretend\s+to\s+be`),
	regexp.MustCompile(`(?i)roleplay`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|previous)`),
	regexp.MustCompile(`<\|.*?\|>`),
	regexp.MustCompile(`(?i)\[INST\]`),
	regexp.MustCompile(`(?i)\[/INST\]`),
	regexp.MustCompile(`(?i)<s>`),
	regexp.MustCompile(`(?i)</s>`),
}

const maxOutputLength = 10000

// DetectInjection scans text for prompt-injection patterns, redacting every
// match with "[REDACTED]". matched holds one entry per distinct pattern that
// fired, not per occurrence.
func DetectInjection(text string) (sanitized string, matched []string) {
	sanitized = text
	for _, p := range injectionPatterns {
		if p.MatchString(sanitized) {
			matched = append(matched, p.String())
			sanitized = p.ReplaceAllString(sanitized, "[REDACTED]")
		}
	}
	return sanitized, matched
}

// SanitizeToolOutput applies DetectInjection, prepends a security warning
// when anything matched, and truncates to maxLength (defaulting to
// maxOutputLength when maxLength <= 0).
func SanitizeToolOutput(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = maxOutputLength
	}

	sanitized, matched := DetectInjection(text)
	if len(matched) > 0 {
		sanitized = "[SECURITY WARNING: Potential prompt injection detected and sanitized]\n\n" + sanitized
	}

	if len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength] + "\n\n[Truncated at " + strconv.Itoa(maxLength) + " characters]"
	}

	return sanitized
}
