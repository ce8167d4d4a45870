package agentapi

import "strings"

// Session is one agent-side conversation.
type Session struct {
	ID       string `json:"id"`
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title,omitempty"`
}

// SessionState is the per-session entry in the status map.
type SessionState struct {
	Type string `json:"type"`
}

// Session status values the controller branches on. Agents may report
// other states; callers treat anything that is not busy or question as
// effectively idle.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateQuestion = "question"
)

// Part is one chunk of a message body.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageInfo identifies a stored message.
type MessageInfo struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Message is one stored message with its parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	return joinTextParts(m.Parts)
}

// SendResponse is the blocking reply to a prompt.
type SendResponse struct {
	Info struct {
		Error *struct {
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error,omitempty"`
	} `json:"info"`
	Parts []Part `json:"parts"`
}

// Text concatenates the text parts of the response.
func (r *SendResponse) Text() string {
	return joinTextParts(r.Parts)
}

// ErrorMessage returns the agent-reported error, if any.
func (r *SendResponse) ErrorMessage() string {
	if r.Info.Error == nil {
		return ""
	}
	return r.Info.Error.Data.Message
}

// PendingPermission is a tool invocation awaiting user approval.
type PendingPermission struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns,omitempty"`
}

// Permission replies understood by the agent.
const (
	PermissionOnce   = "once"
	PermissionAlways = "always"
	PermissionReject = "reject"
)

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label string `json:"label"`
}

// QuestionItem is a single sub-question with its options.
type QuestionItem struct {
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
}

// PendingQuestion is a multiple-choice prompt awaiting user input.
type PendingQuestion struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Questions []QuestionItem `json:"questions"`
}

func joinTextParts(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
