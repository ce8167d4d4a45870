// Package callbacks defines the typed actions carried in inline-keyboard
// callback data. Encoding and decoding happen only at the Telegram
// boundary; everything past it works with these variants.
package callbacks

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxDataLen is Telegram's limit on callback_data bytes.
const MaxDataLen = 64

// Action is one button press the controller understands.
type Action interface {
	isAction()
}

// InstancePick rebinds the calling context to an instance.
type InstancePick struct {
	InstanceID string
}

// InstanceKill stops an instance.
type InstanceKill struct {
	InstanceID string
}

// SessionPick switches the tracked session within the current instance.
type SessionPick struct {
	SessionID string
}

// SessionDelete deletes an agent-side session.
type SessionDelete struct {
	SessionID string
}

// ModelSet records an explicit provider/model preference.
type ModelSet struct {
	ProviderID string
	ModelID    string
}

// ModelHash records a model preference via the favourites hash map,
// used when the explicit pair would not fit the data budget.
type ModelHash struct {
	Hash string
}

// PermChoice is a permission verdict as carried on the wire.
type PermChoice string

const (
	PermAllow  PermChoice = "y"
	PermAlways PermChoice = "a"
	PermReject PermChoice = "n"
)

// AgentReply translates the verdict to the agent's vocabulary.
func (c PermChoice) AgentReply() string {
	switch c {
	case PermAllow:
		return "once"
	case PermAlways:
		return "always"
	default:
		return "reject"
	}
}

// PermAnswer answers a pending permission request.
type PermAnswer struct {
	Choice    PermChoice
	RequestID string
}

// QuestionAnswer picks one option of a pending question.
type QuestionAnswer struct {
	RequestID   string
	OptionIndex int
}

// ThreadInstancePick binds a forum topic to an instance from the
// new-thread picker. The instance is addressed by id prefix to fit the
// data budget.
type ThreadInstancePick struct {
	TopicID  int
	IDPrefix string
}

func (InstancePick) isAction()       {}
func (InstanceKill) isAction()       {}
func (SessionPick) isAction()        {}
func (SessionDelete) isAction()      {}
func (ModelSet) isAction()           {}
func (ModelHash) isAction()          {}
func (PermAnswer) isAction()         {}
func (QuestionAnswer) isAction()     {}
func (ThreadInstancePick) isAction() {}

// Encode renders an action as callback data. Request ids are truncated
// to fit the 64-byte budget (the handler resolves them back by prefix);
// any other overflow is an error.
func Encode(a Action) (string, error) {
	var data string
	switch v := a.(type) {
	case InstancePick:
		data = "instance:" + v.InstanceID
	case InstanceKill:
		data = "kill:" + v.InstanceID
	case SessionPick:
		data = "session:" + v.SessionID
	case SessionDelete:
		data = "delete:" + v.SessionID
	case ModelSet:
		data = "setmodel:" + v.ProviderID + ":" + v.ModelID
	case ModelHash:
		data = "sm:" + v.Hash
	case PermAnswer:
		data = fitRequestID("perm:"+string(v.Choice)+":", v.RequestID, "")
	case QuestionAnswer:
		idx := strconv.Itoa(v.OptionIndex)
		data = fitRequestID("q:", v.RequestID, ":"+idx)
	case ThreadInstancePick:
		data = "thread_inst:" + strconv.Itoa(v.TopicID) + ":" + v.IDPrefix
	default:
		return "", fmt.Errorf("unknown callback action %T", a)
	}
	if len(data) > MaxDataLen {
		return "", fmt.Errorf("callback data %q exceeds %d bytes", data, MaxDataLen)
	}
	return data, nil
}

// fitRequestID truncates the request id so prefix+id+suffix fits the
// budget. Request ids are opaque; a prefix is enough to find the
// original in the pending set.
func fitRequestID(prefix, requestID, suffix string) string {
	budget := MaxDataLen - len(prefix) - len(suffix)
	if budget < 0 {
		budget = 0
	}
	if len(requestID) > budget {
		requestID = requestID[:budget]
	}
	return prefix + requestID + suffix
}

// Decode parses callback data back into an action.
func Decode(data string) (Action, error) {
	if len(data) > MaxDataLen {
		return nil, fmt.Errorf("callback data exceeds %d bytes", MaxDataLen)
	}
	head, rest, ok := strings.Cut(data, ":")
	if !ok {
		return nil, fmt.Errorf("malformed callback data %q", data)
	}

	switch head {
	case "instance":
		return InstancePick{InstanceID: rest}, nil
	case "kill":
		return InstanceKill{InstanceID: rest}, nil
	case "session":
		return SessionPick{SessionID: rest}, nil
	case "delete":
		return SessionDelete{SessionID: rest}, nil
	case "setmodel":
		provider, model, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("malformed setmodel data %q", data)
		}
		return ModelSet{ProviderID: provider, ModelID: model}, nil
	case "sm":
		return ModelHash{Hash: rest}, nil
	case "perm":
		choice, req, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("malformed perm data %q", data)
		}
		switch PermChoice(choice) {
		case PermAllow, PermAlways, PermReject:
		default:
			return nil, fmt.Errorf("unknown perm choice %q", choice)
		}
		return PermAnswer{Choice: PermChoice(choice), RequestID: req}, nil
	case "q":
		cut := strings.LastIndex(rest, ":")
		if cut < 0 {
			return nil, fmt.Errorf("malformed question data %q", data)
		}
		idx, err := strconv.Atoi(rest[cut+1:])
		if err != nil {
			return nil, fmt.Errorf("malformed question index in %q: %w", data, err)
		}
		return QuestionAnswer{RequestID: rest[:cut], OptionIndex: idx}, nil
	case "thread_inst":
		topicStr, prefix, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("malformed thread_inst data %q", data)
		}
		topic, err := strconv.Atoi(topicStr)
		if err != nil {
			return nil, fmt.Errorf("malformed thread_inst topic in %q: %w", data, err)
		}
		return ThreadInstancePick{TopicID: topic, IDPrefix: prefix}, nil
	default:
		return nil, fmt.Errorf("unknown callback prefix %q", head)
	}
}
