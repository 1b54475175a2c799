package mailparse

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	breakPattern       = regexp.MustCompile(`(?i)<(br\s*/?|/p|/div|/tr|/li|/h[1-6])>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
	blankLinePattern   = regexp.MustCompile(`\n{3,}`)
	spaceRunPattern    = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlToText strips markup from an HTML body, keeping rough line structure so
// the synthesized plain text stays readable.
func htmlToText(htmlBody string) string {
	text := scriptStylePattern.ReplaceAllString(htmlBody, "")
	text = breakPattern.ReplaceAllString(text, "\n")
	text = tagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = spaceRunPattern.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
