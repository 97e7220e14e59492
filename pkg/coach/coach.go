package coach

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nexushq/rectoc/pkg/realtime/protocol"
	"github.com/nexushq/rectoc/pkg/realtime/session"
	"github.com/nexushq/rectoc/pkg/realtime/token"
)

// DefaultCompletionGrace is how long a finished conversation stays open so
// trailing audio can play out before the close hook runs.
const DefaultCompletionGrace = 3 * time.Second

// StageHandler receives a snapshot of the stage model after each change.
type StageHandler func(StageModel)

// functionHandler applies one tool invocation to the stage model.
// Called with c.mu held.
type functionHandler func(c *Coach, args map[string]any)

// Coach is the shared conversation machine. Interview, onboarding, and chat
// wrap it with their own stage order, instructions, and tool set.
type Coach struct {
	ctrl       *session.Controller
	logger     *slog.Logger
	order      []Stage
	grace      time.Duration
	functions  map[string]functionHandler
	unsubEvent func()

	mu         sync.Mutex
	model      StageModel
	scanner    markerScanner
	closeTimer *time.Timer
	completed  bool
	onClose    func()

	subMu     sync.Mutex
	nextSubID int
	stageSubs map[int]StageHandler
}

type coachOptions struct {
	logger *slog.Logger
	grace  time.Duration
}

// Option configures a coach.
type Option func(*coachOptions)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *coachOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCompletionGrace overrides the delay between conversation completion
// and the close hook.
func WithCompletionGrace(d time.Duration) Option {
	return func(o *coachOptions) {
		if d > 0 {
			o.grace = d
		}
	}
}

func newCoach(tokens token.Source, factory session.TransportFactory, config session.ConfigFunc, order []Stage, opts ...Option) *Coach {
	o := coachOptions{logger: slog.Default(), grace: DefaultCompletionGrace}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Coach{
		logger:    o.logger,
		order:     order,
		grace:     o.grace,
		functions: make(map[string]functionHandler),
		model:     initialStageModel(order),
		stageSubs: make(map[int]StageHandler),
	}
	c.ctrl = session.NewController(tokens, factory, config, session.WithLogger(o.logger))
	c.unsubEvent = c.ctrl.OnEvent(c.handleEvent)
	return c
}

// Session exposes the underlying controller for message and status
// subscriptions.
func (c *Coach) Session() *session.Controller {
	return c.ctrl
}

// Model returns a snapshot of the current stage model.
func (c *Coach) Model() StageModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.clone()
}

// OnStageChange registers a handler for stage model updates. The returned
// function removes the subscription.
func (c *Coach) OnStageChange(h StageHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.stageSubs[id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.stageSubs, id)
	}
}

// SetOnClose installs the hook run after the completion grace delay.
func (c *Coach) SetOnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Start connects the session. Only a Disconnected session starts a new
// negotiation; rapid repeated triggers are absorbed.
func (c *Coach) Start(ctx context.Context) error {
	if c.ctrl.Status() != session.StatusDisconnected {
		c.logger.Debug("start ignored, session active")
		return nil
	}
	return c.ctrl.Connect(ctx)
}

// Stop disconnects and resets the stage model to its initial state.
func (c *Coach) Stop() {
	c.mu.Lock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
	c.completed = false
	c.model = initialStageModel(c.order)
	snapshot := c.model.clone()
	c.mu.Unlock()

	c.ctrl.Disconnect()
	c.notifyStage(snapshot)
}

// SendMessage forwards a typed user message into the conversation.
func (c *Coach) SendMessage(text string) error {
	return c.ctrl.SendMessage(text)
}

func (c *Coach) handleEvent(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.TranscriptDeltaEvent:
		c.mu.Lock()
		events := c.scanner.feed(e.Delta)
		changed := false
		for _, me := range events {
			changed = c.applyMarker(me) || changed
		}
		var snapshot StageModel
		if changed {
			snapshot = c.model.clone()
		}
		c.mu.Unlock()
		if changed {
			c.notifyStage(snapshot)
		}

	case protocol.TurnDoneEvent:
		c.mu.Lock()
		// Markers never span turns; drop any dangling partial.
		c.scanner.reset()
		c.mu.Unlock()

	case protocol.FunctionCallEvent:
		c.handleFunctionCall(e)
	}
}

func (c *Coach) handleFunctionCall(e protocol.FunctionCallEvent) {
	handler, ok := c.functions[e.Name]
	if !ok {
		c.logger.Warn("unknown function call", "name", e.Name)
		return
	}
	c.mu.Lock()
	handler(c, e.Args)
	snapshot := c.model.clone()
	c.mu.Unlock()
	c.notifyStage(snapshot)

	if e.CallID != "" {
		if err := c.ctrl.SendFunctionResult(e.CallID, `{"ok":true}`); err != nil {
			c.logger.Warn("function result not delivered", "name", e.Name, "error", err)
		}
	}
}

// applyMarker mutates the model for one marker event. Caller holds c.mu.
// Reports whether the model changed.
func (c *Coach) applyMarker(me markerEvent) bool {
	switch me.kind {
	case markerKindNextStage:
		c.advanceStageLocked()
		return true
	case markerKindComplete:
		c.completeLocked()
		return true
	case markerKindFeedback:
		c.model.Feedback = parseFeedback(me.payload)
		return true
	}
	return false
}

// advanceStageLocked moves one step forward in the fixed order, clamped at
// the end. Caller holds c.mu.
func (c *Coach) advanceStageLocked() {
	if len(c.order) == 0 {
		return
	}
	idx := stageIndex(c.order, c.model.CurrentStage)
	next := idx + 1
	if idx < 0 {
		// Remote set a custom stage name; resume the fixed order from the top.
		next = 1
	}
	if next > len(c.order)-1 {
		next = len(c.order) - 1
	}
	stage := c.order[next]
	c.model.CurrentStage = stage
	c.model.StageTitle = stageTitle(stage)
	if p := next * 100 / (len(c.order) - 1); p > c.model.Progress {
		c.model.Progress = p
	}
	if stage == StageCompleted {
		c.completeLocked()
	}
	c.logger.Info("stage advanced", "stage", string(stage), "progress", c.model.Progress)
}

// applyProgressLocked applies an updateInterviewProgress call. Stage never
// regresses and progress never decreases. Caller holds c.mu.
func (c *Coach) applyProgressLocked(stage string, progress int, title string) {
	if stage != "" {
		newIdx := stageIndex(c.order, Stage(stage))
		curIdx := stageIndex(c.order, c.model.CurrentStage)
		if newIdx >= 0 && curIdx >= 0 && newIdx < curIdx {
			c.logger.Warn("ignoring stage regression", "from", string(c.model.CurrentStage), "to", stage)
		} else {
			c.model.CurrentStage = Stage(stage)
			if title != "" {
				c.model.StageTitle = title
			} else {
				c.model.StageTitle = stageTitle(Stage(stage))
			}
		}
	}
	if progress > 100 {
		progress = 100
	}
	if progress > c.model.Progress {
		c.model.Progress = progress
	}
	if Stage(stage) == StageCompleted {
		c.completeLocked()
	}
}

// completeLocked marks the conversation finished and schedules the close
// hook after the grace delay. Idempotent. Caller holds c.mu.
func (c *Coach) completeLocked() {
	if c.completed {
		return
	}
	c.completed = true
	c.model.CurrentStage = StageCompleted
	c.model.StageTitle = stageTitle(StageCompleted)
	c.model.Progress = 100
	c.logger.Info("conversation complete", "grace", c.grace)
	c.closeTimer = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Coach) notifyStage(m StageModel) {
	c.subMu.Lock()
	handlers := make([]StageHandler, 0, len(c.stageSubs))
	for _, h := range c.stageSubs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

// parseFeedback decodes a feedback marker body. A JSON object is taken as
// structured feedback; anything else becomes a neutral plain-text message.
func parseFeedback(payload string) *Feedback {
	var fb Feedback
	if err := json.Unmarshal([]byte(payload), &fb); err == nil && fb.Message != "" {
		switch fb.Type {
		case FeedbackPositive, FeedbackImprovement, FeedbackNeutral:
		default:
			fb.Type = FeedbackNeutral
		}
		return &fb
	}
	return &Feedback{Type: FeedbackNeutral, Message: payload}
}

// InterviewCoach runs a staged mock interview for a specific job posting.
type InterviewCoach struct {
	*Coach
}

// NewInterviewCoach builds the interview machine. The resume and posting
// parameterize the instruction block sent at session start.
func NewInterviewCoach(tokens token.Source, factory session.TransportFactory, resume ResumeProfile, job JobPosting, opts ...Option) *InterviewCoach {
	config := func() protocol.SessionConfig {
		return baseSessionConfig(
			interviewInstructions(resume, job),
			[]protocol.ToolDecl{progressTool(), feedbackTool()},
		)
	}
	c := newCoach(tokens, factory, config, interviewStageOrder, opts...)
	c.functions["updateInterviewProgress"] = handleProgressCall
	c.functions["showFeedback"] = handleFeedbackCall
	return &InterviewCoach{Coach: c}
}

// OnboardingCoach runs the voice onboarding conversation, capturing the
// user's preferences and notable insights as it goes.
type OnboardingCoach struct {
	*Coach
}

// NewOnboardingCoach builds the onboarding machine.
func NewOnboardingCoach(tokens token.Source, factory session.TransportFactory, resume ResumeProfile, opts ...Option) *OnboardingCoach {
	config := func() protocol.SessionConfig {
		return baseSessionConfig(
			onboardingInstructions(resume),
			[]protocol.ToolDecl{progressTool(), preferenceTool(), insightTool()},
		)
	}
	c := newCoach(tokens, factory, config, onboardingStageOrder, opts...)
	c.functions["updateInterviewProgress"] = handleProgressCall
	c.functions["recordPreference"] = handlePreferenceCall
	c.functions["recordInsight"] = handleInsightCall
	return &OnboardingCoach{Coach: c}
}

// ChatCoach is the stage-free voice chat policy.
type ChatCoach struct {
	*Coach
}

// NewChatCoach builds a plain voice chat session with no tools or stages.
func NewChatCoach(tokens token.Source, factory session.TransportFactory, opts ...Option) *ChatCoach {
	config := func() protocol.SessionConfig {
		return baseSessionConfig(chatInstructions, nil)
	}
	c := newCoach(tokens, factory, config, nil, opts...)
	return &ChatCoach{Coach: c}
}

func handleProgressCall(c *Coach, args map[string]any) {
	stage, _ := args["currentStage"].(string)
	title, _ := args["stageTitle"].(string)
	progress := 0
	if p, ok := args["progress"].(float64); ok {
		progress = int(p)
	}
	c.applyProgressLocked(stage, progress, title)
}

func handleFeedbackCall(c *Coach, args map[string]any) {
	fb := &Feedback{Type: FeedbackNeutral}
	if t, ok := args["type"].(string); ok {
		switch FeedbackType(t) {
		case FeedbackPositive, FeedbackImprovement, FeedbackNeutral:
			fb.Type = FeedbackType(t)
		}
	}
	fb.Message, _ = args["message"].(string)
	fb.Strengths = stringSlice(args["strengths"])
	fb.Improvements = stringSlice(args["improvements"])
	c.model.Feedback = fb
}

func handlePreferenceCall(c *Coach, args map[string]any) {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	if key == "" {
		return
	}
	c.model.Preferences[key] = value
}

func handleInsightCall(c *Coach, args map[string]any) {
	insight, _ := args["insight"].(string)
	if insight == "" {
		return
	}
	c.model.KeyInsights = append(c.model.KeyInsights, insight)
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Close releases the coach's event subscription. The session, if connected,
// is torn down via Stop.
func (c *Coach) Close() {
	c.Stop()
	if c.unsubEvent != nil {
		c.unsubEvent()
		c.unsubEvent = nil
	}
}
