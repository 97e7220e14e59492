// Package session owns the lifecycle of one realtime voice conversation:
// connecting the transport, configuring the remote session, decoding server
// events, and accumulating streamed transcripts into messages.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nexushq/rectoc/pkg/core"
	"github.com/nexushq/rectoc/pkg/realtime/protocol"
	"github.com/nexushq/rectoc/pkg/realtime/token"
	"github.com/nexushq/rectoc/pkg/realtime/transport"
)

// Status is the connection state of a Controller.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry. Partial assistant messages are emitted
// repeatedly with the same ID and growing Text until Final is set.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Final     bool
	Timestamp time.Time
}

// EventHandler receives every decoded server event, including ones the
// controller also interprets itself.
type EventHandler func(protocol.ServerEvent)

// MessageHandler receives conversation messages, partial and final.
type MessageHandler func(Message)

// StatusHandler receives status transitions.
type StatusHandler func(Status)

// ErrorHandler receives the current session error. An empty string clears it.
type ErrorHandler func(string)

// TransportFactory builds a fresh transport for each connect attempt.
// A transport instance is single-use; once closed it cannot reconnect.
type TransportFactory func() transport.Transport

// ConfigFunc builds the session configuration sent as the first control
// frame after the channel opens.
type ConfigFunc func() protocol.SessionConfig

// Controller manages one realtime session end to end.
type Controller struct {
	tokens    token.Source
	newTransp TransportFactory
	config    ConfigFunc
	logger    *slog.Logger

	mu            sync.Mutex
	status        Status
	currentErr    string
	tr            transport.Transport
	cancelConnect context.CancelFunc
	pending       map[string]*pendingResponse
	entropy       *rand.Rand

	subMu       sync.Mutex
	nextSubID   int
	eventSubs   map[int]EventHandler
	messageSubs map[int]MessageHandler
	statusSubs  map[int]StatusHandler
	errorSubs   map[int]ErrorHandler
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController builds a Controller. tokens mints one credential per connect
// attempt, factory builds the transport for it, and config produces the
// session configuration sent as the first frame.
func NewController(tokens token.Source, factory TransportFactory, config ConfigFunc, opts ...Option) *Controller {
	c := &Controller{
		tokens:      tokens,
		newTransp:   factory,
		config:      config,
		logger:      slog.Default(),
		pending:     make(map[string]*pendingResponse),
		entropy:     rand.New(rand.NewSource(time.Now().UnixNano())),
		eventSubs:   make(map[int]EventHandler),
		messageSubs: make(map[int]MessageHandler),
		statusSubs:  make(map[int]StatusHandler),
		errorSubs:   make(map[int]ErrorHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status reports the current connection state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err reports the current session error, empty when healthy.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentErr
}

// OnEvent registers a handler for decoded server events. The returned
// function removes the subscription.
func (c *Controller) OnEvent(h EventHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.eventSubs[id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.eventSubs, id)
	}
}

// OnMessage registers a handler for conversation messages.
func (c *Controller) OnMessage(h MessageHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.messageSubs[id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.messageSubs, id)
	}
}

// OnStatus registers a handler for status transitions.
func (c *Controller) OnStatus(h StatusHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.statusSubs, id)
	}
}

// OnError registers a handler for the session error string.
func (c *Controller) OnError(h ErrorHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.errorSubs[id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.errorSubs, id)
	}
}

// Connect establishes the session: mints a credential, connects a fresh
// transport, sends the session configuration as the first control frame, and
// starts the event loop. Calling Connect while not Disconnected is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		c.logger.Debug("connect ignored", "status", c.status.String())
		return nil
	}
	c.status = StatusConnecting
	c.currentErr = ""
	c.pending = make(map[string]*pendingResponse)
	ctx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting)
	c.notifyError("")

	cred, err := c.tokens.Mint(ctx)
	if err != nil {
		return c.failConnect(cancel, err)
	}

	tr := c.newTransp()
	if err := tr.Connect(ctx, cred.Token); err != nil {
		tr.Close()
		return c.failConnect(cancel, err)
	}

	payload, err := json.Marshal(protocol.NewSessionUpdate(c.config()))
	if err != nil {
		tr.Close()
		return c.failConnect(cancel, err)
	}
	if err := tr.Send(payload); err != nil {
		tr.Close()
		return c.failConnect(cancel, err)
	}

	c.mu.Lock()
	if c.status != StatusConnecting {
		// Disconnect raced the handshake; tear down the fresh transport.
		c.mu.Unlock()
		tr.Close()
		return nil
	}
	c.tr = tr
	c.status = StatusConnected
	c.mu.Unlock()

	c.notifyStatus(StatusConnected)
	c.logger.Info("session connected")

	go c.eventLoop(tr)
	return nil
}

func (c *Controller) failConnect(cancel context.CancelFunc, err error) error {
	cancel()
	c.mu.Lock()
	aborted := c.status == StatusDisconnected
	c.status = StatusDisconnected
	c.cancelConnect = nil
	if !aborted {
		c.currentErr = err.Error()
	}
	c.mu.Unlock()
	if aborted {
		// Disconnect already won; the cancellation error is expected.
		return nil
	}
	c.notifyStatus(StatusDisconnected)
	c.notifyError(err.Error())
	c.logger.Error("connect failed", "error", err)
	return err
}

// Disconnect tears the session down. It cancels an in-flight Connect and is
// safe to call repeatedly.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	tr := c.tr
	c.tr = nil
	cancel := c.cancelConnect
	c.cancelConnect = nil
	c.pending = make(map[string]*pendingResponse)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
	c.notifyStatus(StatusDisconnected)
	c.logger.Info("session disconnected")
}

// SendMessage sends a user text message and requests a model response. When
// the session is not connected the message is dropped with a log line. The
// user message is echoed to message subscribers immediately.
func (c *Controller) SendMessage(text string) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.tr == nil {
		c.mu.Unlock()
		c.logger.Warn("send message ignored, session not connected")
		return nil
	}
	tr := c.tr
	id := c.newMessageID()
	c.mu.Unlock()

	c.notifyMessage(Message{
		ID:        id,
		Role:      RoleUser,
		Text:      text,
		Final:     true,
		Timestamp: time.Now(),
	})

	item, err := json.Marshal(protocol.NewUserTextItem(text))
	if err != nil {
		return err
	}
	if err := tr.Send(item); err != nil {
		return err
	}
	create, err := json.Marshal(protocol.NewResponseCreate())
	if err != nil {
		return err
	}
	return tr.Send(create)
}

// SendFunctionResult returns a function call's output to the model and
// requests a follow-up response.
func (c *Controller) SendFunctionResult(callID, output string) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.tr == nil {
		c.mu.Unlock()
		return core.NewChannelClosedError("session not connected")
	}
	tr := c.tr
	c.mu.Unlock()

	item, err := json.Marshal(protocol.NewFunctionOutputItem(callID, output))
	if err != nil {
		return err
	}
	if err := tr.Send(item); err != nil {
		return err
	}
	create, err := json.Marshal(protocol.NewResponseCreate())
	if err != nil {
		return err
	}
	return tr.Send(create)
}

func (c *Controller) eventLoop(tr transport.Transport) {
	for {
		select {
		case frame, ok := <-tr.Frames():
			if !ok {
				c.handleTransportClosed(tr)
				return
			}
			c.mu.Lock()
			stale := c.tr != tr
			c.mu.Unlock()
			if stale {
				return
			}
			c.handleFrame(frame)
		case err, ok := <-tr.Errs():
			if !ok {
				continue
			}
			c.handleTransportError(tr, err)
			return
		}
	}
}

func (c *Controller) handleFrame(frame []byte) {
	events, badCalls, err := protocol.DecodeServerEvents(frame)
	if err != nil {
		// An unparsable frame is logged and dropped; the session stays up.
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	if badCalls > 0 {
		c.logger.Warn("skipped function calls with malformed arguments", "count", badCalls)
	}
	for _, ev := range events {
		c.handleEvent(ev)
	}
}

func (c *Controller) handleEvent(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.TranscriptDeltaEvent:
		c.mu.Lock()
		p, ok := c.pending[e.ResponseID]
		if !ok {
			p = newPendingResponse(e.ResponseID)
			c.pending[e.ResponseID] = p
		}
		p.appendDelta(e.Delta)
		text := p.text()
		id := c.messageIDFor(e.ResponseID)
		c.mu.Unlock()
		c.notifyMessage(Message{
			ID:        id,
			Role:      RoleAssistant,
			Text:      text,
			Timestamp: time.Now(),
		})

	case protocol.TurnDoneEvent:
		c.mu.Lock()
		p, ok := c.pending[e.ResponseID]
		if !ok {
			p = newPendingResponse(e.ResponseID)
			c.pending[e.ResponseID] = p
		}
		already := p.isFinalized()
		text := p.finalize(e.Text)
		id := c.messageIDFor(e.ResponseID)
		delete(c.pending, e.ResponseID)
		c.mu.Unlock()
		if !already && text != "" {
			c.notifyMessage(Message{
				ID:        id,
				Role:      RoleAssistant,
				Text:      text,
				Final:     true,
				Timestamp: time.Now(),
			})
		}

	case protocol.UserTranscriptEvent:
		if e.Transcript != "" {
			c.mu.Lock()
			id := c.messageIDFor(e.ItemID)
			c.mu.Unlock()
			c.notifyMessage(Message{
				ID:        id,
				Role:      RoleUser,
				Text:      e.Transcript,
				Final:     true,
				Timestamp: time.Now(),
			})
		}

	case protocol.RemoteErrorEvent:
		c.mu.Lock()
		c.currentErr = e.Message
		c.mu.Unlock()
		c.notifyError(e.Message)
		c.logger.Error("remote error", "code", e.Code, "message", e.Message)

	case protocol.UnknownEvent:
		c.logger.Debug("unhandled server event", "type", e.Type)
	}

	c.notifyEvent(ev)
}

// handleTransportClosed tears the session down when the transport's frame
// channel closes. The event loop of a replaced transport may still be
// draining; only the current transport's loop may touch session state.
func (c *Controller) handleTransportClosed(tr transport.Transport) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	wasConnected := c.status == StatusConnected
	c.status = StatusDisconnected
	c.tr = nil
	c.mu.Unlock()
	if wasConnected {
		c.notifyStatus(StatusDisconnected)
		c.logger.Info("transport closed")
	}
}

func (c *Controller) handleTransportError(tr transport.Transport, err error) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	wasConnected := c.status == StatusConnected
	c.status = StatusDisconnected
	c.tr = nil
	c.currentErr = err.Error()
	c.mu.Unlock()
	tr.Close()
	if wasConnected {
		c.notifyError(err.Error())
		c.notifyStatus(StatusDisconnected)
	}
	c.logger.Error("transport error", "error", err)
}

// messageIDFor derives a stable message ID from a server-side response or
// item ID so partial and final updates coalesce. Caller holds c.mu.
func (c *Controller) messageIDFor(serverID string) string {
	if serverID != "" {
		return serverID
	}
	return c.newMessageID()
}

// newMessageID mints a ULID. Caller holds c.mu (entropy is not safe for
// concurrent use).
func (c *Controller) newMessageID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}

func (c *Controller) notifyEvent(ev protocol.ServerEvent) {
	c.subMu.Lock()
	handlers := make([]EventHandler, 0, len(c.eventSubs))
	for _, h := range c.eventSubs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Controller) notifyMessage(msg Message) {
	c.subMu.Lock()
	handlers := make([]MessageHandler, 0, len(c.messageSubs))
	for _, h := range c.messageSubs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (c *Controller) notifyStatus(s Status) {
	c.subMu.Lock()
	handlers := make([]StatusHandler, 0, len(c.statusSubs))
	for _, h := range c.statusSubs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *Controller) notifyError(msg string) {
	c.subMu.Lock()
	handlers := make([]ErrorHandler, 0, len(c.errorSubs))
	for _, h := range c.errorSubs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}
