package payments

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxMessageLength = 240

var messagePolicy = bluemonday.StrictPolicy()

// SanitizeMessage strips markup from provider messages before they are shown to the user.
func SanitizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	cleaned := html.UnescapeString(messagePolicy.Sanitize(msg))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if runes := []rune(cleaned); len(runes) > maxMessageLength {
		cleaned = string(runes[:maxMessageLength])
	}
	return cleaned
}
