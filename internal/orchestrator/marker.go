package orchestrator

import "strings"

// ControlMarker prefixes messages injected by the scheduler so they can be
// told apart from messages the owner typed.
const ControlMarker = "[SCHEDULED_EVENT]"

// WithControlMarker prefixes text with the control marker.
func WithControlMarker(text string) string {
	return ControlMarker + " " + text
}

// StripControlMarker removes leading control markers and the whitespace that
// separates them from the message. It reports whether a marker was present.
// Applying it to already stripped text returns the text unchanged.
func StripControlMarker(text string) (string, bool) {
	found := false
	for {
		rest, ok := strings.CutPrefix(text, ControlMarker)
		if !ok {
			return text, found
		}
		found = true
		text = strings.TrimLeft(rest, " \t\r\n")
	}
}
