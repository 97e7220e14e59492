package coach

import "strings"

// Inline markers some endpoint configurations embed in streamed text instead
// of calling tools. A marker may arrive split across delta boundaries, so
// scanning buffers a tail between feeds.
const (
	markerNextStage     = "[NEXT_STAGE]"
	markerComplete      = "[INTERVIEW_COMPLETE]"
	markerFeedbackStart = "[FEEDBACK_START]"
	markerFeedbackEnd   = "[FEEDBACK_END]"
)

// maxMarkerLen is the longest marker; the scanner retains one byte less
// than this so a marker spanning a delta split is still found whole.
const maxMarkerLen = len(markerComplete)

type markerKind int

const (
	markerKindNextStage markerKind = iota
	markerKindComplete
	markerKindFeedback
)

type markerEvent struct {
	kind    markerKind
	payload string // feedback body for markerKindFeedback
}

// markerScanner extracts marker events from a stream of text deltas.
// Not safe for concurrent use; the owning coach serializes feeds.
type markerScanner struct {
	buf        string
	inFeedback bool
}

// feed appends a delta and returns every marker completed by it, in order.
func (s *markerScanner) feed(delta string) []markerEvent {
	s.buf += delta
	var events []markerEvent

	for {
		if s.inFeedback {
			end := strings.Index(s.buf, markerFeedbackEnd)
			if end < 0 {
				// Keep buffering until the closing marker arrives.
				return events
			}
			events = append(events, markerEvent{
				kind:    markerKindFeedback,
				payload: strings.TrimSpace(s.buf[:end]),
			})
			s.buf = s.buf[end+len(markerFeedbackEnd):]
			s.inFeedback = false
			continue
		}

		idx, marker := s.earliestMarker()
		if idx < 0 {
			// No complete marker. Retain only a tail that could still be
			// the prefix of one split across the next feed.
			if len(s.buf) > maxMarkerLen-1 {
				s.buf = s.buf[len(s.buf)-(maxMarkerLen-1):]
			}
			return events
		}

		s.buf = s.buf[idx+len(marker):]
		switch marker {
		case markerNextStage:
			events = append(events, markerEvent{kind: markerKindNextStage})
		case markerComplete:
			events = append(events, markerEvent{kind: markerKindComplete})
		case markerFeedbackStart:
			s.inFeedback = true
		}
	}
}

// reset clears buffered state. Called at turn boundaries so a dangling
// partial marker never leaks into the next turn.
func (s *markerScanner) reset() {
	s.buf = ""
	s.inFeedback = false
}

// earliestMarker finds the first complete marker in the buffer.
func (s *markerScanner) earliestMarker() (int, string) {
	best := -1
	var found string
	for _, m := range []string{markerNextStage, markerComplete, markerFeedbackStart} {
		if i := strings.Index(s.buf, m); i >= 0 && (best < 0 || i < best) {
			best = i
			found = m
		}
	}
	return best, found
}

// StripMarkers removes all marker syntax (including feedback bodies) from a
// finished text so display surfaces never show protocol artifacts.
func StripMarkers(text string) string {
	for {
		start := strings.Index(text, markerFeedbackStart)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], markerFeedbackEnd)
		if end < 0 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len(markerFeedbackEnd):]
	}
	text = strings.ReplaceAll(text, markerNextStage, "")
	text = strings.ReplaceAll(text, markerComplete, "")
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
