package callbacks

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	actions := []struct {
		name string
		in   Action
	}{
		{"instance_pick", InstancePick{InstanceID: "a1b2c3d4e5f6"}},
		{"instance_kill", InstanceKill{InstanceID: "a1b2c3d4e5f6"}},
		{"session_pick", SessionPick{SessionID: "ses_0123456789"}},
		{"session_delete", SessionDelete{SessionID: "ses_0123456789"}},
		{"model_set", ModelSet{ProviderID: "anthropic", ModelID: "claude-sonnet-4"}},
		{"model_hash", ModelHash{Hash: "3f9a1c0e"}},
		{"perm_allow", PermAnswer{Choice: PermAllow, RequestID: "req-42"}},
		{"perm_always", PermAnswer{Choice: PermAlways, RequestID: "req-42"}},
		{"perm_reject", PermAnswer{Choice: PermReject, RequestID: "req-42"}},
		{"question", QuestionAnswer{RequestID: "req-42", OptionIndex: 3}},
		{"thread_inst", ThreadInstancePick{TopicID: 177, IDPrefix: "a1b2c3d4"}},
	}

	for _, tc := range actions {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) > MaxDataLen {
				t.Fatalf("encoded %q is %d bytes, limit %d", data, len(data), MaxDataLen)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode(%q): %v", data, err)
			}
			if got != tc.in {
				t.Fatalf("round trip = %#v, want %#v", got, tc.in)
			}
		})
	}
}

func TestEncodeTruncatesLongRequestIDs(t *testing.T) {
	longID := strings.Repeat("x", 120)

	data, err := Encode(PermAnswer{Choice: PermAlways, RequestID: longID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != MaxDataLen {
		t.Fatalf("encoded length = %d, want exactly %d", len(data), MaxDataLen)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	answer, ok := got.(PermAnswer)
	if !ok {
		t.Fatalf("decoded %T, want PermAnswer", got)
	}
	if answer.Choice != PermAlways {
		t.Fatalf("choice = %q, want %q", answer.Choice, PermAlways)
	}
	if !strings.HasPrefix(longID, answer.RequestID) || answer.RequestID == "" {
		t.Fatalf("request id %q is not a prefix of the original", answer.RequestID)
	}
}

func TestEncodeTruncatedQuestionKeepsIndex(t *testing.T) {
	longID := strings.Repeat("r", 100)

	data, err := Encode(QuestionAnswer{RequestID: longID, OptionIndex: 12})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) > MaxDataLen {
		t.Fatalf("encoded %q is %d bytes, limit %d", data, len(data), MaxDataLen)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	answer, ok := got.(QuestionAnswer)
	if !ok {
		t.Fatalf("decoded %T, want QuestionAnswer", got)
	}
	if answer.OptionIndex != 12 {
		t.Fatalf("option index = %d, want 12", answer.OptionIndex)
	}
	if !strings.HasPrefix(longID, answer.RequestID) {
		t.Fatalf("request id %q is not a prefix of the original", answer.RequestID)
	}
}

func TestEncodeRejectsOversizedNonRequestData(t *testing.T) {
	_, err := Encode(InstancePick{InstanceID: strings.Repeat("z", 80)})
	if err == nil {
		t.Fatal("expected an error for oversized instance id")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noseparator",
		"unknown:xyz",
		"setmodel:only-provider",
		"perm:zz:req-1",
		"perm:req-1",
		"q:req-1",
		"q:req-1:notanumber",
		"thread_inst:notanumber:abc",
		"thread_inst:42",
		strings.Repeat("a", MaxDataLen+1),
	}
	for _, data := range cases {
		if _, err := Decode(data); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", data)
		}
	}
}

func TestPermChoiceAgentReply(t *testing.T) {
	cases := map[PermChoice]string{
		PermAllow:  "once",
		PermAlways: "always",
		PermReject: "reject",
	}
	for choice, want := range cases {
		if got := choice.AgentReply(); got != want {
			t.Errorf("AgentReply(%q) = %q, want %q", choice, got, want)
		}
	}
}
