package session

import "strings"

// pendingResponse accumulates streamed transcript deltas for one in-flight
// model response until the turn completes.
type pendingResponse struct {
	responseID string
	parts      []string
	finalText  string
	finalized  bool
}

func newPendingResponse(responseID string) *pendingResponse {
	return &pendingResponse{responseID: responseID}
}

// appendDelta adds a transcript fragment. Fragments arriving after finalize
// are dropped.
func (p *pendingResponse) appendDelta(delta string) {
	if p.finalized || delta == "" {
		return
	}
	p.parts = append(p.parts, delta)
}

// text returns the transcript assembled so far, preferring the authoritative
// final text once the turn is done.
func (p *pendingResponse) text() string {
	if p.finalized && p.finalText != "" {
		return p.finalText
	}
	return strings.Join(p.parts, "")
}

// finalize marks the response complete. authoritative, when non-empty,
// replaces the accumulated deltas. Finalizing twice is a no-op; the first
// call wins.
func (p *pendingResponse) finalize(authoritative string) string {
	if p.finalized {
		return p.text()
	}
	p.finalized = true
	if strings.TrimSpace(authoritative) != "" {
		p.finalText = authoritative
	} else {
		p.finalText = strings.Join(p.parts, "")
	}
	return p.finalText
}

func (p *pendingResponse) isFinalized() bool {
	return p.finalized
}
