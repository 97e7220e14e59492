// Package protocol defines the control-channel wire format for realtime
// voice sessions: outbound configuration/conversation frames and the inbound
// server event union.
//
// Every frame is one JSON object with a `type` discriminator. Unrecognized
// inbound types decode into UnknownEvent rather than failing the session.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// SDPContentType is the media type the signaling endpoint requires for
	// offer bodies.
	SDPContentType = "application/sdp"

	// ControlChannelLabel is the data-channel label the remote endpoint
	// multiplexes structured events over.
	ControlChannelLabel = "oai-events"
)

// AudioFormat names for session configuration.
const (
	AudioFormatPCM16 = "pcm16"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// Transcription selects the model used for user-speech transcription.
type Transcription struct {
	Model string `json:"model"`
}

// ToolDecl declares a callable function the remote endpoint may invoke.
type ToolDecl struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the payload of a session.update frame. It must be the
// first frame sent after the control channel opens so voice, instructions,
// tools, and turn detection are fixed before any exchange begins.
type SessionConfig struct {
	Modalities         []string       `json:"modalities,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
	Voice              string         `json:"voice,omitempty"`
	InputAudioFormat   string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string         `json:"output_audio_format,omitempty"`
	InputTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection      *TurnDetection `json:"turn_detection,omitempty"`
	Tools              []ToolDecl     `json:"tools,omitempty"`
	ToolChoice         string         `json:"tool_choice,omitempty"`
}

// SessionUpdate is the outbound session.update frame.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate wraps a SessionConfig in its frame envelope.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}

// ContentPart is one block of a conversation item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is a message or function-call result in the conversation.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ConversationItemCreate is the outbound conversation.item.create frame.
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// NewUserTextItem builds a conversation.item.create frame carrying one user
// text message.
func NewUserTextItem(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type: "message",
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// NewFunctionOutputItem builds a conversation.item.create frame carrying the
// result of a client-executed function call.
func NewFunctionOutputItem(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// InputAudioAppend is the outbound input_audio_buffer.append frame used by
// transports without a dedicated media path (the websocket fallback).
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewInputAudioAppend encodes one PCM frame for the input audio buffer.
func NewInputAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

// ResponseCreate is the outbound response.create frame requesting a new
// assistant turn.
type ResponseCreate struct {
	Type     string          `json:"type"`
	Response ResponseRequest `json:"response"`
}

// ResponseRequest selects output modalities for a requested turn.
type ResponseRequest struct {
	Modalities []string `json:"modalities,omitempty"`
}

// NewResponseCreate requests a turn with the given output modalities.
func NewResponseCreate(modalities ...string) ResponseCreate {
	return ResponseCreate{Type: "response.create", Response: ResponseRequest{Modalities: modalities}}
}

// ServerEvent is one decoded inbound control-channel event.
type ServerEvent interface {
	serverEventType() string
}

// SessionCreatedEvent signals the remote session exists.
type SessionCreatedEvent struct {
	SessionID string
}

func (e SessionCreatedEvent) serverEventType() string { return "session.created" }

// SessionUpdatedEvent acknowledges a session.update frame.
type SessionUpdatedEvent struct {
	SessionID string
}

func (e SessionUpdatedEvent) serverEventType() string { return "session.updated" }

// TranscriptDeltaEvent carries one streamed fragment of assistant speech
// transcript.
type TranscriptDeltaEvent struct {
	ResponseID string
	Delta      string
}

func (e TranscriptDeltaEvent) serverEventType() string { return "response.audio_transcript.delta" }

// TurnDoneEvent marks the end of one assistant turn. Text holds the
// authoritative full transcript when the completion payload carried one;
// empty otherwise.
type TurnDoneEvent struct {
	ResponseID string
	Text       string
}

func (e TurnDoneEvent) serverEventType() string { return "response.done" }

// FunctionCallEvent is synthesized from a function-call descriptor inside a
// completion payload. Args is the parsed argument object; upper layers never
// see raw JSON strings.
type FunctionCallEvent struct {
	ResponseID string
	CallID     string
	Name       string
	Args       map[string]any
}

func (e FunctionCallEvent) serverEventType() string { return "function_call" }

// AudioDeltaEvent carries one chunk of synthesized speech, already decoded
// from its base64 wire form.
type AudioDeltaEvent struct {
	ResponseID string
	PCM        []byte
}

func (e AudioDeltaEvent) serverEventType() string { return "response.audio.delta" }

// UserTranscriptEvent carries a completed transcription of user speech.
type UserTranscriptEvent struct {
	ItemID     string
	Transcript string
}

func (e UserTranscriptEvent) serverEventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// RemoteErrorEvent is an error event sent by the remote endpoint.
type RemoteErrorEvent struct {
	Code    string
	Message string
}

func (e RemoteErrorEvent) serverEventType() string { return "error" }

// UnknownEvent is any inbound type the decoder does not recognize. It is
// surfaced (not silently dropped) so callers can log unexpected traffic.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.Type }

// EventType reports the wire discriminator of a decoded event.
func EventType(event ServerEvent) string {
	if event == nil {
		return ""
	}
	return event.serverEventType()
}

type sessionPayload struct {
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type transcriptDeltaPayload struct {
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

type audioDeltaPayload struct {
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

type outputContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type outputItem struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	CallID    string          `json:"call_id"`
	Arguments string          `json:"arguments"`
	Content   []outputContent `json:"content"`
}

type responseDonePayload struct {
	Response struct {
		ID     string       `json:"id"`
		Output []outputItem `json:"output"`
	} `json:"response"`
}

type userTranscriptPayload struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeServerEvents parses one raw control-channel frame into its decoded
// events. A completion frame yields one TurnDoneEvent plus one synthetic
// FunctionCallEvent per parseable function-call descriptor; a descriptor
// whose argument string fails to parse is skipped without affecting its
// siblings. BadCalls reports how many descriptors were skipped.
func DecodeServerEvents(data []byte) (events []ServerEvent, badCalls int, err error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, 0, fmt.Errorf("frame missing type")
	}

	switch typ {
	case "session.created":
		var payload sessionPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode session.created: %w", err)
		}
		return []ServerEvent{SessionCreatedEvent{SessionID: payload.Session.ID}}, 0, nil
	case "session.updated":
		var payload sessionPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode session.updated: %w", err)
		}
		return []ServerEvent{SessionUpdatedEvent{SessionID: payload.Session.ID}}, 0, nil
	case "response.audio_transcript.delta", "response.text.delta":
		var payload transcriptDeltaPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode transcript delta: %w", err)
		}
		return []ServerEvent{TranscriptDeltaEvent{ResponseID: payload.ResponseID, Delta: payload.Delta}}, 0, nil
	case "response.done":
		var payload responseDonePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode response.done: %w", err)
		}
		done := TurnDoneEvent{ResponseID: payload.Response.ID}
		var calls []ServerEvent
		for _, item := range payload.Response.Output {
			switch item.Type {
			case "message":
				for _, content := range item.Content {
					if text := firstNonEmpty(content.Transcript, content.Text); text != "" {
						done.Text = text
					}
				}
			case "function_call":
				args, argErr := parseFunctionArgs(item.Arguments)
				if argErr != nil {
					badCalls++
					continue
				}
				calls = append(calls, FunctionCallEvent{
					ResponseID: payload.Response.ID,
					CallID:     item.CallID,
					Name:       item.Name,
					Args:       args,
				})
			}
		}
		return append([]ServerEvent{done}, calls...), badCalls, nil
	case "response.audio.delta":
		var payload audioDeltaPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode audio delta: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(payload.Delta)
		if err != nil {
			return nil, 0, fmt.Errorf("decode audio payload: %w", err)
		}
		return []ServerEvent{AudioDeltaEvent{ResponseID: payload.ResponseID, PCM: pcm}}, 0, nil
	case "conversation.item.input_audio_transcription.completed":
		var payload userTranscriptPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode user transcription: %w", err)
		}
		return []ServerEvent{UserTranscriptEvent{ItemID: payload.ItemID, Transcript: payload.Transcript}}, 0, nil
	case "error":
		var payload errorPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, 0, fmt.Errorf("decode error event: %w", err)
		}
		return []ServerEvent{RemoteErrorEvent{Code: payload.Error.Code, Message: payload.Error.Message}}, 0, nil
	default:
		return []ServerEvent{UnknownEvent{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}}, 0, nil
	}
}

func parseFunctionArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse function arguments: %w", err)
	}
	return args, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
