package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/global/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClientURL(srv.URL).Health(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Health() error = %v, want HTTPError 503", err)
	}
}

func TestSendMessage(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session/s1/message" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"info": map[string]any{},
			"parts": []map[string]any{
				{"type": "step-start"},
				{"type": "text", "text": "hello"},
				{"type": "text", "text": "world"},
			},
		})
	}))
	defer srv.Close()

	resp, err := NewClientURL(srv.URL).SendMessage(context.Background(), "s1", "hi there", "anthropic", "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := resp.Text(); got != "hello\nworld" {
		t.Errorf("Text() = %q", got)
	}
	if resp.ErrorMessage() != "" {
		t.Errorf("ErrorMessage() = %q, want empty", resp.ErrorMessage())
	}

	model, ok := gotBody["model"].(map[string]any)
	if !ok || model["providerID"] != "anthropic" || model["modelID"] != "claude-sonnet-4-5" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	parts, ok := gotBody["parts"].([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("request parts = %v", gotBody["parts"])
	}
	part := parts[0].(map[string]any)
	if part["type"] != "text" || part["text"] != "hi there" {
		t.Errorf("request part = %v", part)
	}
}

func TestSendMessageOmitsModelWithoutProvider(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"info": map[string]any{}, "parts": []any{}})
	}))
	defer srv.Close()

	if _, err := NewClientURL(srv.URL).SendMessage(context.Background(), "s1", "hi", "", ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if _, present := gotBody["model"]; present {
		t.Errorf("model field present in payload without provider: %v", gotBody)
	}
}

func TestSendResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"info":{"error":{"data":{"message":"model overloaded"}}},"parts":[]}`))
	}))
	defer srv.Close()

	resp, err := NewClientURL(srv.URL).SendMessage(context.Background(), "s1", "hi", "", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if resp.ErrorMessage() != "model overloaded" {
		t.Errorf("ErrorMessage() = %q", resp.ErrorMessage())
	}
}

func TestIsGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"404", &HTTPError{Status: 404}, true},
		{"400", &HTTPError{Status: 400}, true},
		{"500", &HTTPError{Status: 500}, false},
		{"wrapped 404", errorsJoin(&HTTPError{Status: 404}), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGone(tt.err); got != tt.want {
				t.Errorf("IsGone() = %v, want %v", got, tt.want)
			}
		})
	}
}

func errorsJoin(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "send message: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "my project" {
			t.Errorf("title = %q", body["title"])
		}
		if _, present := body["parentID"]; present {
			t.Error("parentID should be omitted when empty")
		}
		json.NewEncoder(w).Encode(Session{ID: "sess-1", Title: "my project"})
	}))
	defer srv.Close()

	session, err := NewClientURL(srv.URL).CreateSession(context.Background(), "", "my project")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.ID != "sess-1" {
		t.Errorf("session.ID = %q", session.ID)
	}
}

func TestPendingAndReplies(t *testing.T) {
	var gotReply, gotRespond map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/pending-permissions":
			w.Write([]byte(`[{"id":"r1","sessionID":"s1","permission":"bash","patterns":["rm -rf /"]}]`))
		case "/session/pending-questions":
			w.Write([]byte(`[{"id":"q1","sessionID":"s1","questions":[{"question":"Pick one","options":[{"label":"A"},{"label":"B"}]}]}]`))
		case "/permission/r1/reply":
			json.NewDecoder(r.Body).Decode(&gotReply)
			w.WriteHeader(http.StatusOK)
		case "/question/q1/respond":
			json.NewDecoder(r.Body).Decode(&gotRespond)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	ctx := context.Background()

	perms, err := c.ListPendingPermissions(ctx)
	if err != nil || len(perms) != 1 || perms[0].ID != "r1" || perms[0].Permission != "bash" {
		t.Fatalf("ListPendingPermissions() = %+v, %v", perms, err)
	}
	questions, err := c.ListPendingQuestions(ctx)
	if err != nil || len(questions) != 1 || len(questions[0].Questions[0].Options) != 2 {
		t.Fatalf("ListPendingQuestions() = %+v, %v", questions, err)
	}

	if err := c.ReplyPermission(ctx, "r1", PermissionAlways); err != nil {
		t.Fatalf("ReplyPermission() error = %v", err)
	}
	if gotReply["reply"] != "always" {
		t.Errorf("reply payload = %v", gotReply)
	}

	if err := c.RespondQuestion(ctx, "q1", [][]string{{"[[A]]"}}); err != nil {
		t.Fatalf("RespondQuestion() error = %v", err)
	}
	answers := gotRespond["answers"].([]any)
	first := answers[0].([]any)
	if first[0] != "[[A]]" {
		t.Errorf("respond payload = %v", gotRespond)
	}
}

func TestSessionStatusAndMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/session/status":
			w.Write([]byte(`{"s1":{"type":"busy"},"s2":{"type":"idle"}}`))
		case r.URL.Path == "/session/s1/message":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			w.Write([]byte(`[{"info":{"id":"m1","role":"user"},"parts":[{"type":"text","text":"hi"}]},{"info":{"id":"m2","role":"assistant"},"parts":[{"type":"text","text":"hello"}]}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	status, err := c.SessionStatus(context.Background())
	if err != nil || status["s1"].Type != StateBusy || status["s2"].Type != StateIdle {
		t.Fatalf("SessionStatus() = %v, %v", status, err)
	}

	messages, err := c.ListMessages(context.Background(), "s1", 5)
	if err != nil || len(messages) != 2 {
		t.Fatalf("ListMessages() = %v, %v", messages, err)
	}
	if messages[1].Info.Role != "assistant" || messages[1].Text() != "hello" {
		t.Errorf("assistant message = %+v", messages[1])
	}
}
