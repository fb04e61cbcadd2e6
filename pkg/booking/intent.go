package booking

import "strings"

// schedulingPhrases is the fixed phrase set for best-effort intent
// detection on free-form utterances. Matching is isolated here so a real
// classifier can replace it without touching the state machine.
var schedulingPhrases = []string{
	"book a",
	"book you in",
	"schedule",
	"training session",
	"set up a session",
	"make an appointment",
	"book an appointment",
	"reserve a",
	"what time works",
	"what day and time",
}

// MatchesSchedulingIntent reports whether text looks like the start of a
// scheduling exchange.
func MatchesSchedulingIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range schedulingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Confirmation is the interpretation of a yes/no style utterance.
type Confirmation int

const (
	ConfirmationUnclear Confirmation = iota
	ConfirmationYes
	ConfirmationNo
)

var affirmWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "correct": true,
	"right": true, "sure": true, "exactly": true, "affirmative": true,
	"ok": true, "okay": true,
}

var declineWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "wrong": true, "incorrect": true,
	"negative": true, "different": true,
}

// ClassifyConfirmation interprets a spoken confirmation. Utterances with
// signals in both directions, or in neither, are unclear and re-prompted.
func ClassifyConfirmation(text string) Confirmation {
	affirm, decline := false, false
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:")
		if affirmWords[word] {
			affirm = true
		}
		if declineWords[word] {
			decline = true
		}
	}
	switch {
	case affirm && !decline:
		return ConfirmationYes
	case decline && !affirm:
		return ConfirmationNo
	default:
		return ConfirmationUnclear
	}
}
