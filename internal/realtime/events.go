// Package realtime speaks the speech-translation service's event protocol over a
// duplex WebSocket: it decodes server events into a closed set of Go types and
// encodes the client events the interpreter sends.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Server event wire types.
const (
	typeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	typeAudioTranscriptDone    = "response.audio_transcript.done"
	typeOutputTranscriptDone   = "response.output_audio_transcript.done"
	typeFunctionArgsDelta      = "response.function_call_arguments.delta"
	typeFunctionCallDelta      = "response.function_call_delta"
	typeFunctionArgsDone       = "response.function_call_arguments.done"
	typeFunctionCallDone       = "response.function_call_done"
	typeToolCalls              = "response.tool_calls"
	typeError                  = "error"
)

// Event is a decoded server event. The set of implementations is closed;
// consumers switch over the concrete types and treat Unknown as log-only.
type Event interface {
	// EventType returns the wire type the event was decoded from.
	EventType() string
	sealed()
}

// TranscriptionCompleted carries the transcript of the speaker's input audio.
type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

// TranslationCompleted carries the transcript of the translated audio response.
type TranslationCompleted struct {
	ResponseID string
	Transcript string
}

// FunctionCallDelta carries a fragment of streamed function-call arguments.
// Arguments may be incomplete JSON.
type FunctionCallDelta struct {
	CallID    string
	Name      string
	Arguments string
}

// FunctionCallDone carries the complete arguments of a function call.
type FunctionCallDone struct {
	CallID    string
	Name      string
	Arguments string
}

// ToolCall is one entry of a ToolCalls event.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCalls carries one or more complete tool invocations.
type ToolCalls struct {
	Calls []ToolCall
}

// Error is an error reported by the remote service.
type Error struct {
	Type    string
	Code    string
	Message string
}

// Unknown is any event type the interpreter does not act on.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (TranscriptionCompleted) EventType() string { return typeTranscriptionCompleted }
func (TranslationCompleted) EventType() string   { return typeAudioTranscriptDone }
func (FunctionCallDelta) EventType() string      { return typeFunctionArgsDelta }
func (FunctionCallDone) EventType() string       { return typeFunctionArgsDone }
func (ToolCalls) EventType() string              { return typeToolCalls }
func (Error) EventType() string                  { return typeError }
func (u Unknown) EventType() string              { return u.Type }

func (TranscriptionCompleted) sealed() {}
func (TranslationCompleted) sealed()   {}
func (FunctionCallDelta) sealed()      {}
func (FunctionCallDone) sealed()       {}
func (ToolCalls) sealed()              {}
func (Error) sealed()                  {}
func (Unknown) sealed()                {}

// wireEvent is the union of all fields read from server frames.
type wireEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Delta      string `json:"delta"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses one server frame.
func Decode(frame []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("decode realtime event: %w", err)
	}

	switch w.Type {
	case typeTranscriptionCompleted:
		return TranscriptionCompleted{ItemID: w.ItemID, Transcript: w.Transcript}, nil
	case typeAudioTranscriptDone, typeOutputTranscriptDone:
		return TranslationCompleted{ResponseID: w.ResponseID, Transcript: w.Transcript}, nil
	case typeFunctionArgsDelta, typeFunctionCallDelta:
		args := w.Arguments
		if args == "" {
			args = w.Delta
		}
		return FunctionCallDelta{CallID: w.CallID, Name: w.Name, Arguments: args}, nil
	case typeFunctionArgsDone, typeFunctionCallDone:
		return FunctionCallDone{CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case typeToolCalls:
		calls := make([]ToolCall, 0, len(w.ToolCalls))
		for _, tc := range w.ToolCalls {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		return ToolCalls{Calls: calls}, nil
	case typeError:
		e := Error{}
		if w.Error != nil {
			e.Type = w.Error.Type
			e.Code = w.Error.Code
			e.Message = w.Error.Message
		}
		return e, nil
	default:
		return Unknown{Type: w.Type, Raw: append(json.RawMessage(nil), frame...)}, nil
	}
}
