package triage

import "strings"

// InstructionMarker separates operator instructions from generated draft
// text inside a draft body. The operator writes above the marker; the text
// below it is the draft itself.
const InstructionMarker = "✂"

// ExtractInstruction returns the operator-written text above the first
// marker line of a draft body, trimmed. A body without a marker carries no
// instruction.
func ExtractInstruction(body string) string {
	idx := strings.Index(body, InstructionMarker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(body[:idx])
}

// DraftBelowMarker returns the draft text below the first marker line, or
// the whole body when no marker is present.
func DraftBelowMarker(body string) string {
	idx := strings.Index(body, InstructionMarker)
	if idx < 0 {
		return strings.TrimSpace(body)
	}
	rest := body[idx+len(InstructionMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	return strings.TrimSpace(rest)
}

// replySubject prefixes a subject for a reply, avoiding stacked prefixes.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
