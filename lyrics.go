package midiplay

import "strings"

var lyricBreaks = strings.NewReplacer(`\`, "\n", "/", "\n")

// FormatLyric normalises a karaoke text event for display. Backslash and
// slash mark line breaks. A leading @K, @L, @T or @V tag becomes a label and
// any other @ tag is stripped.
func FormatLyric(text string) string {
	text = lyricBreaks.Replace(text)
	if len(text) < 2 || text[0] != '@' {
		return text
	}
	rest := text[2:]
	switch text[1] {
	case 'K':
		return "Type: " + rest
	case 'L':
		return "Language: " + rest
	case 'T':
		return "Title: " + rest
	case 'V':
		return "Version: " + rest
	}
	return rest
}
