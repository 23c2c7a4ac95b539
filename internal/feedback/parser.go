// Package feedback turns raw oracle text into the structured feedback form
// used by the session state machine.
package feedback

import (
	"encoding/json"
	"strings"

	"toetscoach/internal/model"
)

// The four section headings the oracle is instructed to emit, in order.
// Matching is literal heading text, case-insensitive: a marker counts only
// when it starts a line (leading '#' and whitespace allowed) and is not part
// of a longer word. Fuzzy matching is deliberately not attempted; malformed
// output degrades to the unstructured form instead.
var sectionMarkers = [...]string{
	"QUESTION",
	"STUDENT_ANSWER",
	"FEEDBACK",
	"REMEDIATION_QUESTION",
}

// statusMarker introduces the machine-readable completion trailer. It is not
// part of the four-section feedback and is cut off from the last section.
const statusMarker = "STATUS"

// Parse extracts the four-section structure from raw oracle text. It is a
// total function: when any marker is missing or out of order the result is
// the unstructured form with FeedbackBody carrying the input verbatim.
func Parse(raw string) model.ParsedFeedback {
	upper := strings.ToUpper(raw)

	type section struct {
		lineStart    int // start of the heading line, ends the previous section
		contentStart int // first byte after the marker word
	}
	var sections [len(sectionMarkers)]section

	from := 0
	for i, marker := range sectionMarkers {
		idx := findHeading(upper, marker, from)
		if idx < 0 {
			return unstructured(raw)
		}
		sections[i] = section{
			lineStart:    lineStart(raw, idx),
			contentStart: idx + len(marker),
		}
		from = idx + len(marker)
	}

	end := len(raw)
	if statusIdx := findHeading(upper, statusMarker, from); statusIdx >= 0 {
		end = lineStart(raw, statusIdx)
	}

	var fields [len(sectionMarkers)]string
	for i := range sections {
		sectionEnd := end
		if i+1 < len(sections) {
			sectionEnd = sections[i+1].lineStart
		}
		fields[i] = trimSection(raw[sections[i].contentStart:sectionEnd])
	}

	return model.ParsedFeedback{
		OriginalQuestion:    fields[0],
		StudentAnswerEcho:   fields[1],
		FeedbackBody:        fields[2],
		RemediationQuestion: fields[3],
		IsStructured:        true,
	}
}

// ParseTurnStatus extracts the explicit completion trailer, a JSON object
// following a STATUS heading. Absence or malformed JSON is not an error;
// callers fall back to prose heuristics.
func ParseTurnStatus(raw string) *model.TurnStatus {
	upper := strings.ToUpper(raw)
	idx := findHeading(upper, statusMarker, 0)
	if idx < 0 {
		return nil
	}
	rest := raw[idx+len(statusMarker):]
	open := strings.Index(rest, "{")
	end := strings.LastIndex(rest, "}")
	if open < 0 || end <= open {
		return nil
	}
	var status model.TurnStatus
	if err := json.Unmarshal([]byte(rest[open:end+1]), &status); err != nil {
		return nil
	}
	return &status
}

func unstructured(raw string) model.ParsedFeedback {
	return model.ParsedFeedback{FeedbackBody: raw, IsStructured: false}
}

// findHeading returns the index of the first occurrence of marker at or
// after from that forms a heading: only '#', spaces or tabs between the
// preceding newline and the marker, and no word character directly after it.
// upper must be the uppercased haystack; markers are uppercase ASCII.
func findHeading(upper, marker string, from int) int {
	for from <= len(upper)-len(marker) {
		idx := strings.Index(upper[from:], marker)
		if idx < 0 {
			return -1
		}
		idx += from
		if isHeadingAt(upper, idx, len(marker)) {
			return idx
		}
		from = idx + 1
	}
	return -1
}

func isHeadingAt(upper string, idx, markerLen int) bool {
	// Nothing but heading decoration before the marker on its line.
	for i := idx - 1; i >= 0; i-- {
		c := upper[i]
		if c == '\n' {
			break
		}
		if c != '#' && c != ' ' && c != '\t' && c != '*' {
			return false
		}
	}
	// The marker must not continue into a longer word, so QUESTION does not
	// match inside REMEDIATION_QUESTION.
	if end := idx + markerLen; end < len(upper) {
		c := upper[end]
		if c == '_' || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// lineStart returns the index of the first character of the line containing
// idx, so a section's content stops before the next heading's decoration.
func lineStart(s string, idx int) int {
	if nl := strings.LastIndexByte(s[:idx], '\n'); nl >= 0 {
		return nl + 1
	}
	return 0
}

// trimSection strips the optional colon after a marker plus surrounding
// whitespace, leaving the section body as an exact substring of the input.
func trimSection(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ":")
	return strings.TrimSpace(s)
}
