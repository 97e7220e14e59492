// Package coach layers conversation policy on top of a realtime session:
// it supplies instructions and tool declarations, interprets stage-advance
// signals from function calls and inline text markers, and tracks interview
// or onboarding progress.
package coach

// Stage is one step of a conversation's fixed progression.
type Stage string

const (
	StageIntroduction     Stage = "introduction"
	StageExperienceReview Stage = "experience_review"
	StageSkills           Stage = "skills"
	StagePreferences      Stage = "preferences"
	StageExpectations     Stage = "expectations"
	StageWrapUp           Stage = "wrap_up"
	StageCompleted        Stage = "completed"
)

// interviewStageOrder is the fixed progression for interview sessions.
// Stage-advance signals move forward through this list one step at a time.
var interviewStageOrder = []Stage{
	StageIntroduction,
	StageExperienceReview,
	StageSkills,
	StagePreferences,
	StageExpectations,
	StageWrapUp,
	StageCompleted,
}

// onboardingStageOrder is the shorter progression used for onboarding.
var onboardingStageOrder = []Stage{
	StageIntroduction,
	StagePreferences,
	StageExpectations,
	StageWrapUp,
	StageCompleted,
}

// stageIndex returns the position of s in order, or -1 when s is not a
// known stage of that order (remote endpoints may report custom names).
func stageIndex(order []Stage, s Stage) int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// stageTitle is the display label for the built-in stages.
func stageTitle(s Stage) string {
	switch s {
	case StageIntroduction:
		return "Introduction"
	case StageExperienceReview:
		return "Experience Review"
	case StageSkills:
		return "Skills"
	case StagePreferences:
		return "Preferences"
	case StageExpectations:
		return "Expectations"
	case StageWrapUp:
		return "Wrap-Up"
	case StageCompleted:
		return "Completed"
	default:
		return string(s)
	}
}

// FeedbackType classifies a feedback payload.
type FeedbackType string

const (
	FeedbackPositive    FeedbackType = "positive"
	FeedbackImprovement FeedbackType = "improvement"
	FeedbackNeutral     FeedbackType = "neutral"
)

// Feedback is a structured evaluation the remote endpoint surfaces mid-
// conversation, via the showFeedback tool or a feedback marker block.
type Feedback struct {
	Type         FeedbackType `json:"type"`
	Message      string       `json:"message"`
	Strengths    []string     `json:"strengths,omitempty"`
	Improvements []string     `json:"improvements,omitempty"`
}

// StageModel is the conversation progress surface exposed to callers.
// Stage and progress only move forward within one session; Stop resets them.
type StageModel struct {
	CurrentStage Stage
	Progress     int
	StageTitle   string
	Feedback     *Feedback
	Preferences  map[string]string
	KeyInsights  []string
}

func initialStageModel(order []Stage) StageModel {
	first := StageIntroduction
	if len(order) > 0 {
		first = order[0]
	}
	return StageModel{
		CurrentStage: first,
		StageTitle:   stageTitle(first),
		Preferences:  make(map[string]string),
	}
}

// clone returns a copy safe to hand to subscribers.
func (m StageModel) clone() StageModel {
	out := m
	if m.Feedback != nil {
		fb := *m.Feedback
		fb.Strengths = append([]string(nil), m.Feedback.Strengths...)
		fb.Improvements = append([]string(nil), m.Feedback.Improvements...)
		out.Feedback = &fb
	}
	out.Preferences = make(map[string]string, len(m.Preferences))
	for k, v := range m.Preferences {
		out.Preferences[k] = v
	}
	out.KeyInsights = append([]string(nil), m.KeyInsights...)
	return out
}
