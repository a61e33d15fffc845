package msgbus

import (
	"regexp"
	"strings"
)

var (
	fencedRe   = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
	inlineRe   = regexp.MustCompile("`([^`]+)`")
	boldItalRe = regexp.MustCompile(`\*\*\*(.+?)\*\*\*`)
	boldRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe   = regexp.MustCompile(`\*([^*]+)\*`)
	underRe    = regexp.MustCompile(`\b_(.+?)_\b`)
	strikeRe   = regexp.MustCompile(`~~(.+?)~~`)
	linkRe     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headingRe  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	listRe     = regexp.MustCompile(`(?m)^[*\-]\s+`)
)

// StripMarkdown removes markdown decoration while preserving body text:
// fenced code markers, inline code ticks, emphasis runs, link syntax
// (keeping the link text), heading hashes, and list bullets (spec §4.6).
func StripMarkdown(text string) string {
	text = fencedRe.ReplaceAllString(text, "$1")
	text = inlineRe.ReplaceAllString(text, "$1")
	text = boldItalRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = underRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1")
	text = headingRe.ReplaceAllString(text, "")
	text = listRe.ReplaceAllString(text, "• ")
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = strings.ReplaceAll(text, "~~", "")
	text = strings.ReplaceAll(text, "`", "")
	return text
}

// SplitMessage chops text into chunks of at most limit characters,
// preferring to break at a newline when one falls in a reasonable range.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = 4000
	}
	var chunks []string
	s := text
	for len(s) > limit {
		cut := strings.LastIndex(s[:limit], "\n")
		if cut < 100 {
			cut = limit
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
