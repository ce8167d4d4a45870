// Package router persists which agent instance and session each Telegram
// chat or forum topic talks to.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ContextKey identifies a routing context: "chat:{id}" for plain chats,
// "topic:{chat}:{topic}" for forum topics.
type ContextKey string

func ChatKey(chatID int64) ContextKey {
	return ContextKey("chat:" + strconv.FormatInt(chatID, 10))
}

func TopicKey(chatID int64, topicID int) ContextKey {
	return ContextKey("topic:" + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(topicID))
}

// KeyFor picks the topic key when a topic id is present.
func KeyFor(chatID int64, topicID int) ContextKey {
	if topicID > 0 {
		return TopicKey(chatID, topicID)
	}
	return ChatKey(chatID)
}

// ChatContext is the per-context routing state.
type ChatContext struct {
	CurrentInstanceID string    `json:"current_instance_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	ProviderID        string    `json:"provider_id,omitempty"`
	ModelID           string    `json:"model_id,omitempty"`
	LastActivity      time.Time `json:"last_activity"`
}

// Target is a notification destination: a chat, or a topic within one.
type Target struct {
	ChatID  int64
	TopicID int
}

type bindKey struct {
	chat  int64
	topic int
}

func (k bindKey) String() string {
	return strconv.FormatInt(k.chat, 10) + ":" + strconv.Itoa(k.topic)
}

func parseBindKey(s string) (bindKey, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return bindKey{}, fmt.Errorf("malformed binding key %q", s)
	}
	chat, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return bindKey{}, fmt.Errorf("malformed binding key %q: %w", s, err)
	}
	topic, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return bindKey{}, fmt.Errorf("malformed binding key %q: %w", s, err)
	}
	return bindKey{chat: chat, topic: topic}, nil
}

// Router owns the durable context table. Every mutation is written
// through to disk; storage errors are logged and in-memory state stays
// authoritative.
type Router struct {
	path string
	// exists reports whether an instance id is still in the manager's
	// table. Stale references are cleared lazily on read.
	exists func(id string) bool

	mu              sync.Mutex
	contexts        map[ContextKey]*ChatContext
	topicBindings   map[bindKey]string
	sessions        map[string]string
	forumChats      map[int64]bool
	defaultInstance string
}

func New(path string, exists func(id string) bool) *Router {
	if exists == nil {
		exists = func(string) bool { return true }
	}
	return &Router{
		path:          path,
		exists:        exists,
		contexts:      make(map[ContextKey]*ChatContext),
		topicBindings: make(map[bindKey]string),
		sessions:      make(map[string]string),
		forumChats:    make(map[int64]bool),
	}
}

type routerFile struct {
	Contexts        map[ContextKey]*ChatContext `json:"contexts"`
	TopicBindings   map[string]string           `json:"topic_bindings"`
	Sessions        map[string]string           `json:"instance_sessions"`
	ForumChats      []int64                     `json:"forum_chats"`
	DefaultInstance string                      `json:"default_instance,omitempty"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// Load restores state from disk. A missing file is an empty router.
func (r *Router) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read router state: %w", err)
	}

	var file routerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse router state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ctx := range file.Contexts {
		if ctx != nil {
			r.contexts[key] = ctx
		}
	}
	for raw, instanceID := range file.TopicBindings {
		key, err := parseBindKey(raw)
		if err != nil {
			slog.Warn("router.binding_skipped", "key", raw, "error", err)
			continue
		}
		r.topicBindings[key] = instanceID
	}
	for instanceID, sessionID := range file.Sessions {
		r.sessions[instanceID] = sessionID
	}
	for _, chat := range file.ForumChats {
		r.forumChats[chat] = true
	}
	r.defaultInstance = file.DefaultInstance
	return nil
}

// Save writes the full state atomically.
func (r *Router) Save() error {
	r.mu.Lock()
	file := routerFile{
		Contexts:        make(map[ContextKey]*ChatContext, len(r.contexts)),
		TopicBindings:   make(map[string]string, len(r.topicBindings)),
		Sessions:        make(map[string]string, len(r.sessions)),
		DefaultInstance: r.defaultInstance,
		UpdatedAt:       time.Now().UTC(),
	}
	for key, ctx := range r.contexts {
		c := *ctx
		file.Contexts[key] = &c
	}
	for key, instanceID := range r.topicBindings {
		file.TopicBindings[key.String()] = instanceID
	}
	for instanceID, sessionID := range r.sessions {
		file.Sessions[instanceID] = sessionID
	}
	for chat := range r.forumChats {
		file.ForumChats = append(file.ForumChats, chat)
	}
	sort.Slice(file.ForumChats, func(i, j int) bool { return file.ForumChats[i] < file.ForumChats[j] })
	r.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal router state: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".router-*.json")
	if err != nil {
		return fmt.Errorf("create temp router state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write router state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync router state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close router state: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace router state: %w", err)
	}
	return nil
}

func (r *Router) saveQuiet() {
	if err := r.Save(); err != nil {
		slog.Warn("router.save_failed", "error", err)
	}
}

// Resolve returns the instance a message in (chat, topic) routes to.
// Topic bindings shadow the context's own instance; the chat-level
// default instance is the final fallback outside topics. References to
// instances that no longer exist are cleared on the way.
func (r *Router) Resolve(chatID int64, topicID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topicID > 0 {
		key := bindKey{chat: chatID, topic: topicID}
		if instanceID, ok := r.topicBindings[key]; ok {
			if r.exists(instanceID) {
				return instanceID, true
			}
			delete(r.topicBindings, key)
			defer r.saveAfterUnlock()
		}
	}

	ctxKey := KeyFor(chatID, topicID)
	if ctx, ok := r.contexts[ctxKey]; ok && ctx.CurrentInstanceID != "" {
		if r.exists(ctx.CurrentInstanceID) {
			return ctx.CurrentInstanceID, true
		}
		ctx.CurrentInstanceID = ""
		ctx.SessionID = ""
		defer r.saveAfterUnlock()
	}

	if topicID == 0 && r.defaultInstance != "" {
		if r.exists(r.defaultInstance) {
			return r.defaultInstance, true
		}
		r.defaultInstance = ""
		defer r.saveAfterUnlock()
	}
	return "", false
}

// saveAfterUnlock schedules a save once the caller releases r.mu.
// Deferred inside locked methods that mutate on the read path.
func (r *Router) saveAfterUnlock() {
	go r.saveQuiet()
}

// SetCurrent binds a context to an instance and refreshes activity.
func (r *Router) SetCurrent(chatID int64, topicID int, instanceID string) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	ctx := r.contextLocked(key)
	if ctx.CurrentInstanceID != instanceID {
		ctx.CurrentInstanceID = instanceID
		ctx.SessionID = ""
	}
	ctx.LastActivity = time.Now().UTC()
	r.mu.Unlock()
	r.saveQuiet()
}

// SetDefault records the fallback instance for fresh chat contexts.
func (r *Router) SetDefault(instanceID string) {
	r.mu.Lock()
	r.defaultInstance = instanceID
	r.mu.Unlock()
	r.saveQuiet()
}

func (r *Router) DefaultInstance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultInstance
}

// BindTopic creates or replaces the explicit topic binding.
func (r *Router) BindTopic(chatID int64, topicID int, instanceID string) {
	r.mu.Lock()
	r.topicBindings[bindKey{chat: chatID, topic: topicID}] = instanceID
	r.mu.Unlock()
	r.saveQuiet()
}

// TopicBoundInstance reports the explicit binding for a topic, if any.
func (r *Router) TopicBoundInstance(chatID int64, topicID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instanceID, ok := r.topicBindings[bindKey{chat: chatID, topic: topicID}]
	return instanceID, ok
}

// TopicBindings lists topic → instance for one chat.
func (r *Router) TopicBindings(chatID int64) map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string)
	for key, instanceID := range r.topicBindings {
		if key.chat == chatID {
			out[key.topic] = instanceID
		}
	}
	return out
}

// ClearContext detaches a context from its instance, dropping the topic
// binding too when the context is a topic. Used by /close.
func (r *Router) ClearContext(chatID int64, topicID int) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	if ctx, ok := r.contexts[key]; ok {
		ctx.CurrentInstanceID = ""
		ctx.SessionID = ""
	}
	if topicID > 0 {
		delete(r.topicBindings, bindKey{chat: chatID, topic: topicID})
	}
	r.mu.Unlock()
	r.saveQuiet()
}

// SetSession records the context's agent session and remembers it for
// the instance so a later rebind resumes the same conversation.
func (r *Router) SetSession(chatID int64, topicID int, instanceID, sessionID string) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	ctx := r.contextLocked(key)
	ctx.SessionID = sessionID
	ctx.LastActivity = time.Now().UTC()
	if instanceID != "" {
		r.sessions[instanceID] = sessionID
	}
	r.mu.Unlock()
	r.saveQuiet()
}

// SessionFor returns the session the context should use with an
// instance: its own if recorded, otherwise the instance's remembered
// session (which is then adopted into the context).
func (r *Router) SessionFor(chatID int64, topicID int, instanceID string) (string, bool) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.contexts[key]; ok && ctx.SessionID != "" {
		return ctx.SessionID, true
	}
	if remembered, ok := r.sessions[instanceID]; ok && remembered != "" {
		ctx := r.contextLocked(key)
		ctx.SessionID = remembered
		defer r.saveAfterUnlock()
		return remembered, true
	}
	return "", false
}

// ClearSession scrubs a dead session id from the context and from the
// instance's remembered slot. Used on HTTP 400/404 from the agent.
func (r *Router) ClearSession(chatID int64, topicID int, instanceID string) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	var stale string
	if ctx, ok := r.contexts[key]; ok {
		stale = ctx.SessionID
		ctx.SessionID = ""
	}
	if instanceID != "" && stale != "" && r.sessions[instanceID] == stale {
		delete(r.sessions, instanceID)
	}
	r.mu.Unlock()
	r.saveQuiet()
}

// SetModel records the context's model preference.
func (r *Router) SetModel(chatID int64, topicID int, providerID, modelID string) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	ctx := r.contextLocked(key)
	ctx.ProviderID = providerID
	ctx.ModelID = modelID
	r.mu.Unlock()
	r.saveQuiet()
}

// ModelFor returns the context's model preference, if set.
func (r *Router) ModelFor(chatID int64, topicID int) (providerID, modelID string, ok bool) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, exists := r.contexts[key]; exists && ctx.ProviderID != "" && ctx.ModelID != "" {
		return ctx.ProviderID, ctx.ModelID, true
	}
	return "", "", false
}

// MarkForum remembers that a chat is topic-shaped; later routing uses
// the topic path even when Telegram omits the flag.
func (r *Router) MarkForum(chatID int64) {
	r.mu.Lock()
	already := r.forumChats[chatID]
	r.forumChats[chatID] = true
	r.mu.Unlock()
	if !already {
		r.saveQuiet()
	}
}

func (r *Router) IsForum(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forumChats[chatID]
}

// Targets lists where notifications about an instance should go: every
// topic bound to it, and every chat-level context pointing at it whose
// chat has no topic binding to the instance (so a chat is never notified
// twice for the same pending request).
func (r *Router) Targets(instanceID string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	var targets []Target
	topicChats := make(map[int64]bool)
	for key, bound := range r.topicBindings {
		if bound == instanceID {
			targets = append(targets, Target{ChatID: key.chat, TopicID: key.topic})
			topicChats[key.chat] = true
		}
	}
	for key, ctx := range r.contexts {
		if ctx.CurrentInstanceID != instanceID {
			continue
		}
		chatID, topicID, ok := splitKey(key)
		if !ok || topicID != 0 {
			continue
		}
		if topicChats[chatID] {
			continue
		}
		targets = append(targets, Target{ChatID: chatID})
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].ChatID != targets[j].ChatID {
			return targets[i].ChatID < targets[j].ChatID
		}
		return targets[i].TopicID < targets[j].TopicID
	})
	return targets
}

// RemoveInstanceReferences scrubs every trace of an instance and returns
// how many contexts were affected.
func (r *Router) RemoveInstanceReferences(instanceID string) int {
	r.mu.Lock()
	affected := 0
	for _, ctx := range r.contexts {
		if ctx.CurrentInstanceID == instanceID {
			ctx.CurrentInstanceID = ""
			ctx.SessionID = ""
			affected++
		}
	}
	for key, bound := range r.topicBindings {
		if bound == instanceID {
			delete(r.topicBindings, key)
		}
	}
	delete(r.sessions, instanceID)
	if r.defaultInstance == instanceID {
		r.defaultInstance = ""
	}
	r.mu.Unlock()
	r.saveQuiet()
	return affected
}

// Touch refreshes a context's activity timestamp without saving; the
// next mutation persists it.
func (r *Router) Touch(chatID int64, topicID int) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	r.contextLocked(key).LastActivity = time.Now().UTC()
	r.mu.Unlock()
}

// Context returns a copy of the context, if present.
func (r *Router) Context(chatID int64, topicID int) (ChatContext, bool) {
	key := KeyFor(chatID, topicID)
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[key]
	if !ok {
		return ChatContext{}, false
	}
	return *ctx, true
}

func (r *Router) contextLocked(key ContextKey) *ChatContext {
	ctx, ok := r.contexts[key]
	if !ok {
		ctx = &ChatContext{}
		r.contexts[key] = ctx
	}
	return ctx
}

func splitKey(key ContextKey) (chatID int64, topicID int, ok bool) {
	parts := strings.Split(string(key), ":")
	switch {
	case len(parts) == 2 && parts[0] == "chat":
		chat, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return chat, 0, true
	case len(parts) == 3 && parts[0] == "topic":
		chat, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		topic, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, 0, false
		}
		return chat, topic, true
	}
	return 0, 0, false
}
