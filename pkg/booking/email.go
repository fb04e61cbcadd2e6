package booking

import (
	"regexp"
	"strings"
)

var emailShape = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)

var spokenTokenMap = map[string]string{
	"at":         "@",
	"dot":        ".",
	"underscore": "_",
	"dash":       "-",
	"hyphen":     "-",
	"plus":       "+",
}

// ReconstructSpokenEmail turns a spelled-out utterance like
// "j o h n at example dot com" into an address. The words "at" and "dot"
// (and a few other spoken symbol names) are mapped whole-word and
// case-insensitively, all whitespace is removed, and the result must match
// a minimal local@domain.tld shape. Returns false when the reconstruction
// is not a plausible address; callers re-prompt rather than guess.
func ReconstructSpokenEmail(text string) (string, bool) {
	var b strings.Builder
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:")
		if token == "" {
			continue
		}
		if sym, ok := spokenTokenMap[token]; ok {
			b.WriteString(sym)
			continue
		}
		b.WriteString(token)
	}
	candidate := b.String()
	if strings.Count(candidate, "@") != 1 {
		return "", false
	}
	if !emailShape.MatchString(candidate) {
		return "", false
	}
	return candidate, true
}
