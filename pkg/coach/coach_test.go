package coach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexushq/rectoc/pkg/realtime/session"
	"github.com/nexushq/rectoc/pkg/realtime/token"
	"github.com/nexushq/rectoc/pkg/realtime/transport"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	frames chan []byte
	errs   chan error
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, tok string) error { return nil }

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errs() <-chan error    { return f.errs }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.frames) })
	return nil
}

func startInterview(t *testing.T, opts ...Option) (*InterviewCoach, *fakeTransport, <-chan StageModel) {
	t.Helper()
	ft := newFakeTransport()
	ic := NewInterviewCoach(
		token.StaticSource("sk-test"),
		func() transport.Transport { return ft },
		ResumeProfile{Name: "Dana", Skills: []string{"Go", "SQL"}},
		JobPosting{Title: "Backend Engineer", Company: "Acme"},
		opts...,
	)
	stages := make(chan StageModel, 16)
	ic.OnStageChange(func(m StageModel) { stages <- m })
	if err := ic.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(ic.Close)
	return ic, ft, stages
}

func waitForStage(t *testing.T, ch <-chan StageModel) StageModel {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stage update")
		return StageModel{}
	}
}

func TestProgressFunctionCallUpdatesModel(t *testing.T) {
	t.Parallel()

	_, ft, stages := startInterview(t)

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","name":"updateInterviewProgress","call_id":"c1","arguments":"{\"currentStage\":\"technical\",\"progress\":25,\"stageTitle\":\"Technical Skills\"}"}]}}`)

	m := waitForStage(t, stages)
	if m.CurrentStage != Stage("technical") {
		t.Fatalf("CurrentStage = %q, want technical", m.CurrentStage)
	}
	if m.Progress != 25 {
		t.Fatalf("Progress = %d, want 25", m.Progress)
	}
	if m.StageTitle != "Technical Skills" {
		t.Fatalf("StageTitle = %q", m.StageTitle)
	}
}

func TestMarkerAdvancesExactlyOneStage(t *testing.T) {
	t.Parallel()

	_, ft, stages := startInterview(t)

	// Marker split across two deltas must fire once.
	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"progress report [NEXT_"}`)
	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"STAGE] moving on"}`)

	m := waitForStage(t, stages)
	if m.CurrentStage != StageExperienceReview {
		t.Fatalf("CurrentStage = %q, want experience_review", m.CurrentStage)
	}

	select {
	case m := <-stages:
		t.Fatalf("unexpected second stage update: %+v", m)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStageNeverRegresses(t *testing.T) {
	t.Parallel()

	_, ft, stages := startInterview(t)

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","name":"updateInterviewProgress","call_id":"c1","arguments":"{\"currentStage\":\"skills\",\"progress\":40}"}]}}`)
	m := waitForStage(t, stages)
	if m.CurrentStage != StageSkills {
		t.Fatalf("CurrentStage = %q, want skills", m.CurrentStage)
	}

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r2","output":[{"type":"function_call","name":"updateInterviewProgress","call_id":"c2","arguments":"{\"currentStage\":\"introduction\",\"progress\":10}"}]}}`)
	m = waitForStage(t, stages)
	if m.CurrentStage != StageSkills {
		t.Fatalf("stage regressed to %q", m.CurrentStage)
	}
	if m.Progress != 40 {
		t.Fatalf("Progress = %d, want 40 (no decrease)", m.Progress)
	}
}

func TestFeedbackMarkerSetsFeedback(t *testing.T) {
	t.Parallel()

	_, ft, stages := startInterview(t)

	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"[FEEDBACK_START]{\"type\":\"improvement\",\"message\":\"Quantify your impact\",\"improvements\":[\"add numbers\"]}[FEEDBACK_END]"}`)

	m := waitForStage(t, stages)
	if m.Feedback == nil {
		t.Fatal("Feedback is nil")
	}
	if m.Feedback.Type != FeedbackImprovement || m.Feedback.Message != "Quantify your impact" {
		t.Fatalf("Feedback = %+v", m.Feedback)
	}
	if len(m.Feedback.Improvements) != 1 || m.Feedback.Improvements[0] != "add numbers" {
		t.Fatalf("Improvements = %v", m.Feedback.Improvements)
	}
}

func TestCompleteMarkerSchedulesCloseAfterGrace(t *testing.T) {
	t.Parallel()

	ic, ft, stages := startInterview(t, WithCompletionGrace(50*time.Millisecond))

	closed := make(chan struct{})
	ic.SetOnClose(func() { close(closed) })

	start := time.Now()
	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"Great talking to you! [INTERVIEW_COMPLETE]"}`)

	m := waitForStage(t, stages)
	if m.CurrentStage != StageCompleted || m.Progress != 100 {
		t.Fatalf("model = %+v, want completed/100", m)
	}

	select {
	case <-closed:
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Fatalf("close hook ran after %v, before grace elapsed", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never ran")
	}
}

func TestStopResetsStageModel(t *testing.T) {
	t.Parallel()

	ic, ft, stages := startInterview(t)

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","name":"updateInterviewProgress","call_id":"c1","arguments":"{\"currentStage\":\"skills\",\"progress\":40}"}]}}`)
	waitForStage(t, stages)

	ic.Stop()
	m := ic.Model()
	if m.CurrentStage != StageIntroduction || m.Progress != 0 || m.Feedback != nil {
		t.Fatalf("model after Stop = %+v, want initial", m)
	}
	if got := ic.Session().Status(); got != session.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", got)
	}
}

func TestStartWhileConnectedIsNoOp(t *testing.T) {
	t.Parallel()

	ic, ft, _ := startInterview(t)

	ft.mu.Lock()
	before := len(ft.sent)
	ft.mu.Unlock()

	if err := ic.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	ft.mu.Lock()
	after := len(ft.sent)
	ft.mu.Unlock()
	if after != before {
		t.Fatalf("second Start sent %d extra frames", after-before)
	}
}

func TestOnboardingAccumulatesPreferencesAndInsights(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	oc := NewOnboardingCoach(
		token.StaticSource("sk-test"),
		func() transport.Transport { return ft },
		ResumeProfile{Name: "Dana"},
	)
	stages := make(chan StageModel, 16)
	oc.OnStageChange(func(m StageModel) { stages <- m })
	if err := oc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(oc.Close)

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","name":"recordPreference","call_id":"c1","arguments":"{\"key\":\"location\",\"value\":\"remote\"}"}]}}`)
	waitForStage(t, stages)
	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r2","output":[{"type":"function_call","name":"recordInsight","call_id":"c2","arguments":"{\"insight\":\"Prefers small teams\"}"}]}}`)
	m := waitForStage(t, stages)

	if m.Preferences["location"] != "remote" {
		t.Fatalf("Preferences = %v", m.Preferences)
	}
	if len(m.KeyInsights) != 1 || m.KeyInsights[0] != "Prefers small teams" {
		t.Fatalf("KeyInsights = %v", m.KeyInsights)
	}
}
