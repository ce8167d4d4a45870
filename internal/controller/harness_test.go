package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/pending"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
)

// fakeMgr is an in-memory processManager. All instances report the
// configured port, normally the port of the fake agent server.
type fakeMgr struct {
	mu            sync.Mutex
	insts         map[string]*instances.Instance
	spawned       []instances.SpawnRequest
	stopped       []string
	restarted     []string
	reconciles    int
	browserOpened map[string]bool
	port          int
}

func newFakeMgr() *fakeMgr {
	return &fakeMgr{
		insts:         make(map[string]*instances.Instance),
		browserOpened: make(map[string]bool),
		port:          4097,
	}
}

func (f *fakeMgr) add(id string, state instances.State, dir string) *instances.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &instances.Instance{
		ID:          id,
		Directory:   dir,
		Port:        f.port,
		State:       state,
		DisplayName: "proj-" + id,
		StartedAt:   time.Now(),
	}
	f.insts[id] = inst
	return inst
}

func (f *fakeMgr) Spawn(_ context.Context, req instances.SpawnRequest) (*instances.Instance, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, req)
	for _, inst := range f.insts {
		if inst.Directory == req.Directory && inst.State.Alive() {
			defer f.mu.Unlock()
			return inst.Clone(), nil
		}
	}
	id := fmt.Sprintf("spawned%04d", len(f.spawned))
	inst := &instances.Instance{
		ID:          id,
		Directory:   req.Directory,
		Port:        f.port,
		State:       instances.StateRunning,
		DisplayName: req.DisplayName,
		ProviderID:  req.ProviderID,
		ModelID:     req.ModelID,
		StartedAt:   time.Now(),
	}
	f.insts[id] = inst
	f.mu.Unlock()
	return inst.Clone(), nil
}

func (f *fakeMgr) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.insts[id]
	if !ok {
		return instances.ErrNotFound
	}
	f.stopped = append(f.stopped, id)
	inst.State = instances.StateStopped
	return nil
}

func (f *fakeMgr) Restart(_ context.Context, id string) (*instances.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.insts[id]
	if !ok {
		return nil, instances.ErrNotFound
	}
	f.restarted = append(f.restarted, id)
	inst.State = instances.StateRunning
	inst.RestartCount++
	return inst.Clone(), nil
}

func (f *fakeMgr) Get(id string) (*instances.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.insts[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

func (f *fakeMgr) FindByPrefix(prefix string) (*instances.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var match *instances.Instance
	for id, inst := range f.insts {
		if strings.HasPrefix(id, prefix) {
			if match != nil {
				return nil, false
			}
			match = inst
		}
	}
	if match == nil {
		return nil, false
	}
	return match.Clone(), true
}

func (f *fakeMgr) FindByDirectory(dir string) (*instances.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.insts {
		if inst.Directory == dir && inst.State.Alive() {
			return inst.Clone(), true
		}
	}
	return nil, false
}

func (f *fakeMgr) Live() []*instances.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*instances.Instance
	for _, inst := range f.insts {
		if inst.State.Alive() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeMgr) List() []*instances.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*instances.Instance
	for _, inst := range f.insts {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeMgr) Reconcile(context.Context) []instances.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return nil
}

func (f *fakeMgr) MarkBrowserOpened(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browserOpened[id] {
		return false
	}
	f.browserOpened[id] = true
	return true
}

type sentMsg struct {
	chatID   int64
	topicID  int
	text     string
	keyboard [][]telegram.Button
}

type editedMsg struct {
	chatID    int64
	messageID int
	text      string
}

type topicEdit struct {
	chatID  int64
	topicID int
	name    string
}

// fakeTelegram records everything the controller tells the chat.
type fakeTelegram struct {
	mu         sync.Mutex
	username   string
	sent       []sentMsg
	edits      []editedMsg
	answers    []string
	topicEdits []topicEdit
	typing     int
	updates    chan []telego.Update
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{username: "TestBot", updates: make(chan []telego.Update, 8)}
}

func (f *fakeTelegram) Username() string { return f.username }

func (f *fakeTelegram) GetUpdates(ctx context.Context, offset, limit, timeoutSec int) ([]telego.Update, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch := <-f.updates:
		return batch, nil
	}
}

func (f *fakeTelegram) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	return f.record(chatID, 0, text, nil), nil
}

func (f *fakeTelegram) SendMessageToTopic(_ context.Context, chatID int64, topicID int, text string) (int, error) {
	return f.record(chatID, topicID, text, nil), nil
}

func (f *fakeTelegram) SendWithKeyboard(_ context.Context, chatID int64, topicID int, text string, keyboard [][]telegram.Button) (int, error) {
	return f.record(chatID, topicID, text, keyboard), nil
}

func (f *fakeTelegram) record(chatID int64, topicID int, text string, keyboard [][]telegram.Button) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chatID: chatID, topicID: topicID, text: text, keyboard: keyboard})
	return len(f.sent)
}

func (f *fakeTelegram) EditMessageText(_ context.Context, chatID int64, messageID int, text string, _ [][]telegram.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMsg{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (f *fakeTelegram) AnswerCallback(_ context.Context, callbackID, text string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
}

func (f *fakeTelegram) SendTyping(_ context.Context, _ int64, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeTelegram) EditForumTopic(_ context.Context, chatID int64, topicID int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topicEdits = append(f.topicEdits, topicEdit{chatID: chatID, topicID: topicID, name: name})
	return nil
}

func (f *fakeTelegram) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTelegram) lastEdit(t *testing.T) editedMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("nothing was edited")
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeTelegram) answerTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

func (f *fakeTelegram) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.text
	}
	return out
}

func (f *fakeTelegram) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

// fakeAgent is a scriptable agent HTTP server.
type fakeAgent struct {
	srv *httptest.Server

	mu              sync.Mutex
	sessions        []agentapi.Session
	created         int
	messages        map[string][]agentapi.Message
	statusSeq       []map[string]agentapi.SessionState
	onStatus        func()
	perms           []agentapi.PendingPermission
	questions       []agentapi.PendingQuestion
	sendStatus      int
	sendText        string
	prompts         []string
	permReplies     map[string]string
	questionAnswers map[string][][]string
	deleted         []string
}

func (fa *fakeAgent) setMessages(sessionID string, msgs ...agentapi.Message) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.messages[sessionID] = msgs
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{
		messages:        make(map[string][]agentapi.Message),
		permReplies:     make(map[string]string),
		questionAnswers: make(map[string][][]string),
		sendText:        "echo",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		json.NewEncoder(w).Encode(fa.sessions)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fa.created++
		ses := agentapi.Session{ID: fmt.Sprintf("ses-%d", fa.created)}
		fa.sessions = append(fa.sessions, ses)
		json.NewEncoder(w).Encode(ses)
	})
	mux.HandleFunc("GET /session/status", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		status := map[string]agentapi.SessionState{}
		if len(fa.statusSeq) > 0 {
			status = fa.statusSeq[0]
			if len(fa.statusSeq) > 1 {
				fa.statusSeq = fa.statusSeq[1:]
			}
		}
		hook := fa.onStatus
		fa.onStatus = nil
		fa.mu.Unlock()
		if hook != nil {
			hook()
		}
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		for _, ses := range fa.sessions {
			if ses.ID == r.PathValue("id") {
				json.NewEncoder(w).Encode(ses)
				return
			}
		}
		http.Error(w, "no such session", http.StatusNotFound)
	})
	mux.HandleFunc("GET /session/pending-permissions", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		json.NewEncoder(w).Encode(fa.perms)
	})
	mux.HandleFunc("GET /session/pending-questions", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		json.NewEncoder(w).Encode(fa.questions)
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		json.NewEncoder(w).Encode(fa.messages[r.PathValue("id")])
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Parts []agentapi.Part `json:"parts"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fa.mu.Lock()
		defer fa.mu.Unlock()
		if len(body.Parts) > 0 {
			fa.prompts = append(fa.prompts, body.Parts[0].Text)
		}
		if fa.sendStatus != 0 {
			http.Error(w, "no such session", fa.sendStatus)
			return
		}
		fmt.Fprintf(w, `{"info":{},"parts":[{"type":"text","text":%q}]}`, fa.sendText)
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fa.deleted = append(fa.deleted, r.PathValue("id"))
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /permission/{req}/reply", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reply string `json:"reply"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fa.permReplies[r.PathValue("req")] = body.Reply
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /question/{req}/respond", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Answers [][]string `json:"answers"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fa.questionAnswers[r.PathValue("req")] = body.Answers
		w.Write([]byte("{}"))
	})

	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

// port extracts the listener port, so fake instances can point the
// default agent client at this server.
func (fa *fakeAgent) port(t *testing.T) int {
	t.Helper()
	u, err := url.Parse(fa.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("server port: %v", err)
	}
	return port
}

func (fa *fakeAgent) promptList() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]string(nil), fa.prompts...)
}

func (fa *fakeAgent) permReply(requestID string) (string, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	reply, ok := fa.permReplies[requestID]
	return reply, ok
}

func (fa *fakeAgent) questionAnswer(requestID string) ([][]string, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	answers, ok := fa.questionAnswers[requestID]
	return answers, ok
}

func (fa *fakeAgent) deletedSessions() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]string(nil), fa.deleted...)
}

type harness struct {
	c     *Controller
	tg    *fakeTelegram
	mgr   *fakeMgr
	rt    *router.Router
	agent *fakeAgent
	cfg   *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	agent := newFakeAgent(t)
	mgr := newFakeMgr()
	mgr.port = agent.port(t)

	rt := router.New(filepath.Join(t.TempDir(), "router_state.json"), func(id string) bool {
		_, ok := mgr.Get(id)
		return ok
	})
	tg := newFakeTelegram()

	tracker := pending.New(mgr, rt, func(ctx context.Context, target router.Target, text string, keyboard [][]telegram.Button) error {
		_, err := tg.SendWithKeyboard(ctx, target.ChatID, target.TopicID, text, keyboard)
		return err
	})

	cfg := config.Default()
	cfg.Defaults.Provider = "anthropic"
	cfg.Defaults.Model = "claude-sonnet-4"

	c := New(Options{
		Config:   cfg,
		Manager:  mgr,
		Router:   rt,
		Telegram: tg,
		Tracker:  tracker,
		Offsets:  NewOffsetStore(filepath.Join(t.TempDir(), "polling_offset.json")),
	})
	c.openURL = func(string) error { return nil }
	c.typingInterval = 20 * time.Millisecond
	c.followUpInterval = 10 * time.Millisecond
	c.followUpBudget = 2 * time.Second

	return &harness{c: c, tg: tg, mgr: mgr, rt: rt, agent: agent, cfg: cfg}
}

func chatReq(chatID int64, topicID int) *request {
	return &request{chatID: chatID, topicID: topicID, username: "alice"}
}
