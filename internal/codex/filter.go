package codex

import (
	"regexp"
	"strings"
	"unicode"
)

// timestampPrefix matches the "[2025-01-01T12:00:00]" border codex prints
// before every transcript entry.
var timestampPrefix = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}]`)

// Normalized prefixes of operational lines that never reach the caller.
var metadataPrefixes = []string{
	"workdir:",
	"model:",
	"provider:",
	"approval:",
	"sandbox:",
	"reasoning effort:",
	"reasoning summaries:",
	"tokens used:",
	"user instructions:",
	"user:",
	"searched:",
	"searching:",
	"retrying ",
	"error:",
	"tool ",
}

// OutputFilter reduces a codex transcript to assistant-authored text.
// Feed it raw lines in order; it is not safe for concurrent use and has no
// reset. Create one per execution.
type OutputFilter struct {
	sawAssistant bool
	emittedAny   bool
	lastBlank    bool // a run of blank lines collapses into one separator
	inUserBlock  bool
	skippingTool bool
	toolDepth    int
}

// NewOutputFilter returns a filter in its initial state.
func NewOutputFilter() *OutputFilter {
	return &OutputFilter{}
}

// Process consumes one raw line and returns what should be emitted for it:
// the line plus "\n", a lone "\n" separator, or "" for nothing.
func (f *OutputFilter) Process(raw string) string {
	line := strings.TrimRight(raw, "\r\n")
	stripped := strings.TrimSpace(line)

	if f.skippingTool {
		if stripped == "" {
			f.skippingTool = false
			return ""
		}
		if !timestampPrefix.MatchString(stripped) {
			f.toolDepth += structureDelta(stripped)
			if f.toolDepth <= 0 {
				f.skippingTool = false
			}
			return ""
		}
		// A new transcript entry closes the block; classify it below.
		f.skippingTool = false
	}

	normalized := normalize(stripped)

	if strings.HasPrefix(normalized, "user instructions:") || strings.HasPrefix(normalized, "user:") {
		f.inUserBlock = true
		return ""
	}

	if strings.HasPrefix(normalized, "assistant:") {
		f.inUserBlock = false
		f.sawAssistant = true
		return ""
	}

	if isToolHeader(normalized) {
		f.skippingTool = true
		f.toolDepth = 0
		return ""
	}

	if stripped == "" {
		if f.inUserBlock || !f.emittedAny || f.lastBlank {
			return ""
		}
		f.lastBlank = true
		return "\n"
	}

	if f.inUserBlock {
		if isAssistantMarker(stripped) {
			f.inUserBlock = false
		}
		return ""
	}

	if isMetadataLine(stripped) {
		return ""
	}

	f.sawAssistant = true
	f.emittedAny = true
	f.lastBlank = false
	return line + "\n"
}

// Sanitize filters a complete transcript and trims trailing newlines.
func Sanitize(text string) string {
	f := NewOutputFilter()
	var b strings.Builder
	for _, line := range splitLines(text) {
		b.WriteString(f.Process(line))
	}
	return strings.TrimRight(b.String(), "\n")
}

// normalize lowercases the line, drops a leading timestamp, then drops
// leading symbols such as bullets and brackets.
func normalize(stripped string) string {
	if loc := timestampPrefix.FindStringIndex(stripped); loc != nil {
		stripped = strings.TrimSpace(stripped[loc[1]:])
	}
	return stripLeadingSymbols(strings.ToLower(stripped))
}

func stripLeadingSymbols(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// isToolHeader matches summary lines like "tool ls -la in /repo (0.2s) success:"
// that precede an embedded JSON dump.
func isToolHeader(normalized string) bool {
	return (strings.Contains(normalized, " success") || strings.Contains(normalized, " failed")) &&
		strings.HasSuffix(normalized, ":") &&
		strings.Contains(normalized, " in ") &&
		strings.Contains(normalized, "(") &&
		strings.Contains(normalized, ")")
}

func isMetadataLine(stripped string) bool {
	if timestampPrefix.MatchString(stripped) {
		return true
	}
	normalized := stripLeadingSymbols(strings.ToLower(stripped))
	for _, prefix := range metadataPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func isAssistantMarker(stripped string) bool {
	lowered := strings.ToLower(stripped)
	if strings.HasPrefix(lowered, "assistant") {
		return true
	}
	return timestampPrefix.MatchString(stripped) && strings.Contains(lowered, " codex")
}

// structureDelta returns the net bracket depth change of line, ignoring
// brackets inside double-quoted strings.
func structureDelta(line string) int {
	delta := 0
	inString := false
	escaped := false
	for _, r := range line {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			delta++
		case '}', ']':
			delta--
		}
	}
	return delta
}

// splitLines splits on \n, \r\n and \r without producing a trailing empty line.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
