package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"
)

// testToken must satisfy telego's token format check (^\d+:[\w-]{35}$).
const testToken = "12345:TESTTOKENTESTTOKENTESTTOKENTESTTOKE"

// fakeBotAPI records calls per method and serves canned envelopes.
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    map[string][]map[string]any
	handlers map[string]func(params map[string]any, n int) (status int, body string)
}

func newFakeBotAPI() *fakeBotAPI {
	f := &fakeBotAPI{
		calls:    make(map[string][]map[string]any),
		handlers: make(map[string]func(map[string]any, int) (int, string)),
	}
	f.handlers["getMe"] = func(map[string]any, int) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"tc","username":"teleclaw_bot"}}`
	}
	return f
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	params := decodeParams(r)

	f.mu.Lock()
	f.calls[method] = append(f.calls[method], params)
	n := len(f.calls[method])
	handler := f.handlers[method]
	f.mu.Unlock()

	if handler == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"ok":false,"error_code":404,"description":"Not Found: method %s"}`, method)
		return
	}
	status, body := handler(params, n)
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeBotAPI) callParams(t *testing.T, method string, i int) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls[method]) <= i {
		t.Fatalf("method %s called %d times, want at least %d", method, len(f.calls[method]), i+1)
	}
	return f.calls[method][i]
}

func (f *fakeBotAPI) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[method])
}

// decodeParams accepts either JSON or form-encoded request bodies.
func decodeParams(r *http.Request) map[string]any {
	body, _ := io.ReadAll(r.Body)
	params := map[string]any{}
	if json.Unmarshal(body, &params) == nil {
		return params
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return params
	}
	for key := range values {
		params[key] = values.Get(key)
	}
	return params
}

func newTestClient(t *testing.T, fake *fakeBotAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), testToken, telego.WithAPIServer(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientLearnsUsername(t *testing.T) {
	client := newTestClient(t, newFakeBotAPI())
	if got := client.Username(); got != "teleclaw_bot" {
		t.Fatalf("Username() = %q, want teleclaw_bot", got)
	}
}

func TestSendMessageMarkdownFallback(t *testing.T) {
	fake := newFakeBotAPI()
	fake.handlers["sendMessage"] = func(params map[string]any, n int) (int, string) {
		if mode, _ := params["parse_mode"].(string); mode != "" {
			return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: character '_' is reserved"}`
		}
		return http.StatusOK, `{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":99,"type":"private"}}}`
	}
	client := newTestClient(t, fake)

	msgID, err := client.SendMessage(context.Background(), 99, "broken _markdown")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msgID != 7 {
		t.Errorf("message id = %d, want 7", msgID)
	}
	if got := fake.callCount("sendMessage"); got != 2 {
		t.Errorf("sendMessage called %d times, want 2 (markdown then plain)", got)
	}
	first := fake.callParams(t, "sendMessage", 0)
	if mode, _ := first["parse_mode"].(string); mode != "Markdown" {
		t.Errorf("first attempt parse_mode = %v, want Markdown", first["parse_mode"])
	}
	second := fake.callParams(t, "sendMessage", 1)
	if mode, _ := second["parse_mode"].(string); mode != "" {
		t.Errorf("retry parse_mode = %v, want empty", second["parse_mode"])
	}
}

func TestSendWithKeyboardThreadHandling(t *testing.T) {
	fake := newFakeBotAPI()
	fake.handlers["sendMessage"] = func(map[string]any, int) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":5,"type":"supergroup"}}}`
	}
	client := newTestClient(t, fake)
	ctx := context.Background()

	if _, err := client.SendWithKeyboard(ctx, 5, 42, "hi", nil); err != nil {
		t.Fatalf("send to topic: %v", err)
	}
	params := fake.callParams(t, "sendMessage", 0)
	if got, _ := params["message_thread_id"].(float64); int(got) != 42 {
		t.Errorf("message_thread_id = %v, want 42", params["message_thread_id"])
	}

	// The General topic must be omitted entirely.
	if _, err := client.SendWithKeyboard(ctx, 5, GeneralTopicID, "hi", nil); err != nil {
		t.Fatalf("send to general: %v", err)
	}
	params = fake.callParams(t, "sendMessage", 1)
	if _, present := params["message_thread_id"]; present {
		t.Errorf("general topic send carried message_thread_id = %v", params["message_thread_id"])
	}
}

func TestSendWithKeyboardMarkup(t *testing.T) {
	fake := newFakeBotAPI()
	fake.handlers["sendMessage"] = func(map[string]any, int) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":2,"date":1,"chat":{"id":5,"type":"private"}}}`
	}
	client := newTestClient(t, fake)

	keyboard := [][]Button{
		{{Text: "one", Data: "cb:1"}, {Text: "two", Data: "cb:2"}},
		{{Text: "cancel", Data: "cb:cancel"}},
	}
	if _, err := client.SendWithKeyboard(context.Background(), 5, 0, "pick", keyboard); err != nil {
		t.Fatalf("SendWithKeyboard: %v", err)
	}

	params := fake.callParams(t, "sendMessage", 0)
	markup, ok := params["reply_markup"].(map[string]any)
	if !ok {
		t.Fatalf("reply_markup missing or wrong type: %T", params["reply_markup"])
	}
	rows, ok := markup["inline_keyboard"].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("inline_keyboard rows = %v, want 2 rows", markup["inline_keyboard"])
	}
	firstRow, _ := rows[0].([]any)
	if len(firstRow) != 2 {
		t.Fatalf("first row has %d buttons, want 2", len(firstRow))
	}
	button, _ := firstRow[1].(map[string]any)
	if button["text"] != "two" || button["callback_data"] != "cb:2" {
		t.Errorf("button = %v, want text=two data=cb:2", button)
	}
}

func TestGetUpdatesPassesOffset(t *testing.T) {
	fake := newFakeBotAPI()
	fake.handlers["getUpdates"] = func(map[string]any, int) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[{"update_id":101,"message":{"message_id":1,"date":1,"chat":{"id":9,"type":"private"},"text":"hello"}}]}`
	}
	client := newTestClient(t, fake)

	updates, err := client.GetUpdates(context.Background(), 100, 100, 30)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 101 {
		t.Fatalf("updates = %+v, want one update with id 101", updates)
	}
	params := fake.callParams(t, "getUpdates", 0)
	if got, _ := params["offset"].(float64); int(got) != 100 {
		t.Errorf("offset = %v, want 100", params["offset"])
	}
	if got, _ := params["timeout"].(float64); int(got) != 30 {
		t.Errorf("timeout = %v, want 30", params["timeout"])
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", truncateAt+500)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short untouched", "hello", "hello"},
		{"exact limit untouched", strings.Repeat("a", truncateAt), strings.Repeat("a", truncateAt)},
		{"over limit cut with marker", long, strings.Repeat("x", truncateAt) + truncationMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in); got != tt.want {
				t.Errorf("Truncate() length %d, want length %d", len(got), len(tt.want))
			}
		})
	}

	t.Run("multibyte runes counted as characters", func(t *testing.T) {
		in := strings.Repeat("é", truncateAt+1)
		got := Truncate(in)
		want := strings.Repeat("é", truncateAt) + truncationMarker
		if got != want {
			t.Errorf("rune truncation produced %d bytes, want %d", len(got), len(want))
		}
	})
}

func TestSendThreadID(t *testing.T) {
	tests := []struct {
		topicID int
		want    int
	}{
		{0, 0},
		{GeneralTopicID, 0},
		{5, 5},
	}
	for _, tt := range tests {
		if got := SendThreadID(tt.topicID); got != tt.want {
			t.Errorf("SendThreadID(%d) = %d, want %d", tt.topicID, got, tt.want)
		}
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		name string
		msg  *telego.Message
		want int
	}{
		{"nil message", nil, 0},
		{"explicit thread", &telego.Message{MessageThreadID: 7}, 7},
		{"forum general", &telego.Message{Chat: telego.Chat{IsForum: true}}, GeneralTopicID},
		{"plain chat", &telego.Message{Chat: telego.Chat{}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TopicOf(tt.msg); got != tt.want {
				t.Errorf("TopicOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCallbackOrigin(t *testing.T) {
	t.Run("nil message", func(t *testing.T) {
		if _, ok := CallbackOrigin(&telego.CallbackQuery{}); ok {
			t.Fatal("expected no origin for callback without message")
		}
	})

	t.Run("accessible forum message", func(t *testing.T) {
		q := &telego.CallbackQuery{
			Message: &telego.Message{
				MessageID:       12,
				MessageThreadID: 3,
				Chat:            telego.Chat{ID: -100, IsForum: true},
			},
		}
		origin, ok := CallbackOrigin(q)
		if !ok {
			t.Fatal("expected origin")
		}
		if origin.ChatID != -100 || origin.MessageID != 12 || origin.TopicID != 3 || !origin.IsForum {
			t.Errorf("origin = %+v", origin)
		}
	})

	t.Run("inaccessible message keeps ids", func(t *testing.T) {
		q := &telego.CallbackQuery{
			Message: &telego.InaccessibleMessage{
				Chat:      telego.Chat{ID: 55},
				MessageID: 9,
			},
		}
		origin, ok := CallbackOrigin(q)
		if !ok {
			t.Fatal("expected origin")
		}
		if origin.ChatID != 55 || origin.MessageID != 9 || origin.TopicID != 0 {
			t.Errorf("origin = %+v", origin)
		}
	})
}

func TestIsParseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"parse entities", fmt.Errorf(`telego: sendMessage: api: 400 "Bad Request: can't parse entities"`), true},
		{"other 400", fmt.Errorf(`telego: sendMessage: api: 400 "Bad Request: chat not found"`), false},
		{"network", fmt.Errorf("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isParseError(tt.err); got != tt.want {
				t.Errorf("isParseError() = %v, want %v", got, tt.want)
			}
		})
	}
}
