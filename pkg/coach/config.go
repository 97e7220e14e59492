package coach

import (
	"fmt"
	"strings"

	"github.com/nexushq/rectoc/pkg/realtime/protocol"
)

// ResumeProfile is the candidate data the instruction block is built from.
type ResumeProfile struct {
	Name       string   `json:"name"`
	Summary    string   `json:"summary"`
	Skills     []string `json:"skills"`
	Experience []string `json:"experience"`
	Education  []string `json:"education"`
}

// JobPosting describes the role the interview targets.
type JobPosting struct {
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
}

const defaultVoice = "alloy"

func baseSessionConfig(instructions string, tools []protocol.ToolDecl) protocol.SessionConfig {
	return protocol.SessionConfig{
		Modalities:         []string{"audio", "text"},
		Instructions:       instructions,
		Voice:              defaultVoice,
		InputAudioFormat:   protocol.AudioFormatPCM16,
		OutputAudioFormat:  protocol.AudioFormatPCM16,
		InputTranscription: &protocol.Transcription{Model: "whisper-1"},
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
		Tools:      tools,
		ToolChoice: "auto",
	}
}

func progressTool() protocol.ToolDecl {
	return protocol.ToolDecl{
		Type:        "function",
		Name:        "updateInterviewProgress",
		Description: "Report the current stage and overall progress of the conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"currentStage": map[string]any{"type": "string"},
				"progress":     map[string]any{"type": "number", "minimum": 0, "maximum": 100},
				"stageTitle":   map[string]any{"type": "string"},
			},
			"required": []string{"currentStage", "progress"},
		},
	}
}

func feedbackTool() protocol.ToolDecl {
	return protocol.ToolDecl{
		Type:        "function",
		Name:        "showFeedback",
		Description: "Show structured feedback on the candidate's last answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":         map[string]any{"type": "string", "enum": []string{"positive", "improvement", "neutral"}},
				"message":      map[string]any{"type": "string"},
				"strengths":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"improvements": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"type", "message"},
		},
	}
}

func preferenceTool() protocol.ToolDecl {
	return protocol.ToolDecl{
		Type:        "function",
		Name:        "recordPreference",
		Description: "Record one job-search preference the user expressed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"key", "value"},
		},
	}
}

func insightTool() protocol.ToolDecl {
	return protocol.ToolDecl{
		Type:        "function",
		Name:        "recordInsight",
		Description: "Record one notable insight about the user's background or goals.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"insight": map[string]any{"type": "string"},
			},
			"required": []string{"insight"},
		},
	}
}

// interviewInstructions renders the instruction block for a mock interview
// grounded in the candidate's resume and the target posting.
func interviewInstructions(resume ResumeProfile, job JobPosting) string {
	var b strings.Builder
	b.WriteString("You are an experienced, friendly job interviewer running a mock interview.\n\n")

	if job.Title != "" {
		fmt.Fprintf(&b, "The candidate is applying for: %s", job.Title)
		if job.Company != "" {
			fmt.Fprintf(&b, " at %s", job.Company)
		}
		b.WriteString(".\n")
	}
	if job.Description != "" {
		fmt.Fprintf(&b, "Role description: %s\n", job.Description)
	}
	if len(job.Requirements) > 0 {
		fmt.Fprintf(&b, "Key requirements: %s\n", strings.Join(job.Requirements, "; "))
	}
	b.WriteString("\n")

	if resume.Name != "" {
		fmt.Fprintf(&b, "Candidate: %s\n", resume.Name)
	}
	if resume.Summary != "" {
		fmt.Fprintf(&b, "Background: %s\n", resume.Summary)
	}
	if len(resume.Skills) > 0 {
		fmt.Fprintf(&b, "Listed skills: %s\n", strings.Join(resume.Skills, ", "))
	}
	if len(resume.Experience) > 0 {
		fmt.Fprintf(&b, "Experience: %s\n", strings.Join(resume.Experience, "; "))
	}

	b.WriteString(`
Conduct the interview through these stages in order: introduction,
experience review, skills, preferences, expectations, wrap-up. Ask one
question at a time and keep responses conversational and brief.

After each stage, call updateInterviewProgress with the stage name and an
overall progress percentage. When an answer deserves comment, call
showFeedback. When the interview is over, say a short goodbye.
`)
	return b.String()
}

// onboardingInstructions renders the instruction block for the voice
// onboarding conversation that captures preferences and insights.
func onboardingInstructions(resume ResumeProfile) string {
	var b strings.Builder
	b.WriteString("You are a warm career assistant onboarding a new user by voice.\n\n")
	if resume.Name != "" {
		fmt.Fprintf(&b, "The user's name is %s.\n", resume.Name)
	}
	if resume.Summary != "" {
		fmt.Fprintf(&b, "What we know so far: %s\n", resume.Summary)
	}
	b.WriteString(`
Learn what kind of role they want: preferred titles, locations, remote or
on-site, salary expectations, and anything notable about their goals. Call
recordPreference for each concrete preference and recordInsight for each
notable observation. Call updateInterviewProgress as the conversation moves
through its stages, and keep the whole exchange under ten minutes.
`)
	return b.String()
}

const chatInstructions = `You are a helpful career assistant. Answer questions
about job searching, resumes, and interview preparation. Keep spoken answers
short and natural.`
