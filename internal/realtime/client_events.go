package realtime

import (
	"encoding/base64"
	"encoding/json"
)

// DetectActionTool is the function the service calls when it hears a clinical action.
const DetectActionTool = "detect_medical_action"

// ClientEvent is an event sent to the service.
type ClientEvent interface {
	clientEventType() string
}

// SessionUpdate configures the remote session during the handshake.
type SessionUpdate struct {
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session block of a session.update event.
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionModel `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Tools                   []Tool              `json:"tools,omitempty"`
}

// TranscriptionModel selects the model used to transcribe input audio.
type TranscriptionModel struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool declares a function the remote model may call.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// AppendAudio streams a chunk of PCM16 audio into the input buffer.
type AppendAudio struct {
	PCM []byte
}

// ClearAudio discards buffered input audio.
type ClearAudio struct{}

// CommitAudio closes the current input buffer as a user turn.
type CommitAudio struct{}

func (SessionUpdate) clientEventType() string { return "session.update" }
func (AppendAudio) clientEventType() string   { return "input_audio_buffer.append" }
func (ClearAudio) clientEventType() string    { return "input_audio_buffer.clear" }
func (CommitAudio) clientEventType() string   { return "input_audio_buffer.commit" }

// Encode renders a client event as a wire frame.
func Encode(ev ClientEvent) ([]byte, error) {
	msg := map[string]any{"type": ev.clientEventType()}
	switch e := ev.(type) {
	case SessionUpdate:
		msg["session"] = e.Session
	case AppendAudio:
		msg["audio"] = base64.StdEncoding.EncodeToString(e.PCM)
	}
	return json.Marshal(msg)
}

var detectActionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action_type": {
			"type": "string",
			"enum": ["schedule_lab", "schedule_followup", "prescribe_medication", "refer_specialist"]
		},
		"parameters": {"type": "object", "description": "Action-specific parameters"}
	},
	"required": ["action_type", "parameters"]
}`)

// DefaultInstructions is the interpreter prompt sent with the session update.
const DefaultInstructions = `You are a medical interpreter. Detect whether the speaker uses English or Spanish and reply only with the translation into the other language. Keep medical terminology accurate, add nothing, and stay silent on noise or unclear audio. When the conversation mentions scheduling lab work, a follow-up, a prescription, or a referral, call detect_medical_action.`

// InterpreterSession returns the session configuration used for interpretation.
func InterpreterSession(instructions, voice string) SessionConfig {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            instructions,
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &TranscriptionModel{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.7,
			PrefixPaddingMs:   500,
			SilenceDurationMs: 1000,
		},
		Tools: []Tool{{
			Type:        "function",
			Name:        DetectActionTool,
			Description: "Detect and extract medical actions from conversation",
			Parameters:  detectActionSchema,
		}},
	}
}
