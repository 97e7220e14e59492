package coach

import "testing"

func TestScannerFindsWholeMarker(t *testing.T) {
	t.Parallel()

	var s markerScanner
	events := s.feed("moving on [NEXT_STAGE] to the next topic")
	if len(events) != 1 || events[0].kind != markerKindNextStage {
		t.Fatalf("events = %+v, want one next-stage", events)
	}
}

func TestScannerMarkerSpansDeltaSplit(t *testing.T) {
	t.Parallel()

	var s markerScanner
	if events := s.feed("progress report [NEXT_"); len(events) != 0 {
		t.Fatalf("events after partial = %+v, want none", events)
	}
	events := s.feed("STAGE] moving on")
	if len(events) != 1 || events[0].kind != markerKindNextStage {
		t.Fatalf("events = %+v, want exactly one next-stage", events)
	}
	if events := s.feed(" more text"); len(events) != 0 {
		t.Fatalf("marker fired twice: %+v", events)
	}
}

func TestScannerFeedbackAcrossDeltas(t *testing.T) {
	t.Parallel()

	var s markerScanner
	s.feed("[FEEDBACK_START]{\"type\":\"positive\",")
	s.feed("\"message\":\"Great answer\"}")
	events := s.feed("[FEEDBACK_END] continuing")
	if len(events) != 1 || events[0].kind != markerKindFeedback {
		t.Fatalf("events = %+v, want one feedback", events)
	}
	fb := parseFeedback(events[0].payload)
	if fb.Type != FeedbackPositive || fb.Message != "Great answer" {
		t.Fatalf("feedback = %+v", fb)
	}
}

func TestScannerPlainTextFeedback(t *testing.T) {
	t.Parallel()

	var s markerScanner
	events := s.feed("[FEEDBACK_START]Try to be more specific.[FEEDBACK_END]")
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	fb := parseFeedback(events[0].payload)
	if fb.Type != FeedbackNeutral || fb.Message != "Try to be more specific." {
		t.Fatalf("feedback = %+v", fb)
	}
}

func TestScannerMultipleMarkersInOneDelta(t *testing.T) {
	t.Parallel()

	var s markerScanner
	events := s.feed("a [NEXT_STAGE] b [NEXT_STAGE] c [INTERVIEW_COMPLETE]")
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[2].kind != markerKindComplete {
		t.Fatalf("last = %+v, want complete", events[2])
	}
}

func TestScannerResetDropsPartialMarker(t *testing.T) {
	t.Parallel()

	var s markerScanner
	s.feed("ending with [NEXT_")
	s.reset()
	if events := s.feed("STAGE]"); len(events) != 0 {
		t.Fatalf("partial survived reset: %+v", events)
	}
}

func TestStripMarkers(t *testing.T) {
	t.Parallel()

	got := StripMarkers("Well done [FEEDBACK_START]{\"type\":\"positive\"}[FEEDBACK_END] let's continue [NEXT_STAGE] now")
	if got != "Well done let's continue now" {
		t.Fatalf("StripMarkers() = %q", got)
	}
}
