package wire

import "encoding/json"

// Frame types carried over the realtime channel.
const (
	FrameInvoke     = "invoke"
	FrameCompletion = "completion"
	FrameEvent      = "event"
)

// Hub method names.
const (
	TargetSendMessage    = "SendMessage"
	TargetReceiveMessage = "ReceiveMessage"
)

// Frame is one JSON text message on the realtime channel. Invokes carry
// Arguments, completions carry Message or Error and events carry Message.
type Frame struct {
	Type         string          `json:"type"`
	InvocationID string          `json:"invocationId,omitempty"`
	Target       string          `json:"target,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Message      *Message        `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// SendArguments are the arguments of a SendMessage invoke.
type SendArguments struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
}

// NewInvoke builds a SendMessage invoke frame.
func NewInvoke(invocationID string, args SendArguments) (Frame, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameInvoke, InvocationID: invocationID, Target: TargetSendMessage, Arguments: raw}, nil
}
