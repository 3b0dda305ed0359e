package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errMissingActionType = errors.New("missing action_type")

// ActionCall is a candidate clinical action extracted from a function call.
type ActionCall struct {
	ActionType string
	Parameters json.RawMessage
}

// ParseActionArguments parses the complete arguments of a detect_medical_action call.
func ParseActionArguments(raw string) (ActionCall, error) {
	var args struct {
		ActionType string          `json:"action_type"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return ActionCall{}, fmt.Errorf("parse action arguments: %w", err)
	}
	if args.ActionType == "" {
		return ActionCall{}, errMissingActionType
	}

	params := bytes.TrimSpace(args.Parameters)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = []byte("{}")
	}
	return ActionCall{ActionType: args.ActionType, Parameters: json.RawMessage(params)}, nil
}
