// Package pending watches agent instances for permission requests and
// questions and surfaces them to every bound Telegram chat exactly once.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/callbacks"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
	"github.com/nextlevelbuilder/teleclaw/internal/telemetry"
)

const (
	// KindPermission marks a tracked permission request.
	KindPermission = "permission"
	// KindQuestion marks a tracked multiple-choice question.
	KindQuestion = "question"

	defaultSweepInterval = 10 * time.Second
	defaultCallTimeout   = 4 * time.Second
)

// instanceSource is the slice of the process manager the tracker needs.
type instanceSource interface {
	Get(id string) (*instances.Instance, bool)
	Live() []*instances.Instance
}

// SendFunc delivers one notification message with an inline keyboard.
type SendFunc func(ctx context.Context, target router.Target, text string, keyboard [][]telegram.Button) error

// entry tracks one outstanding request and who has been told about it.
type entry struct {
	instanceID string
	sessionID  string
	kind       string
	options    []string
	targets    map[router.Target]bool
}

// Request describes a tracked pending request.
type Request struct {
	InstanceID string
	SessionID  string
	FullID     string
	Kind       string
}

// Tracker polls pending permission and question lists and notifies the
// chats routed to each instance. A chat is notified about a request at
// most once; the record is dropped when the request is answered or the
// agent stops reporting it.
type Tracker struct {
	manager instanceSource
	router  *router.Router
	send    SendFunc

	clientFor     func(port int) *agentapi.Client
	sweepInterval time.Duration
	callTimeout   time.Duration

	mu       sync.Mutex
	notified map[string]*entry
}

// New builds a tracker over the given manager and router. send performs
// the actual Telegram delivery.
func New(manager instanceSource, rt *router.Router, send SendFunc) *Tracker {
	return &Tracker{
		manager:       manager,
		router:        rt,
		send:          send,
		clientFor:     agentapi.NewClient,
		sweepInterval: defaultSweepInterval,
		callTimeout:   defaultCallTimeout,
		notified:      make(map[string]*entry),
	}
}

// Loop sweeps every live instance on a fixed interval until ctx ends.
func (t *Tracker) Loop(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepAll(ctx)
		}
	}
}

// SweepAll checks every live instance and notifies all routed targets.
func (t *Tracker) SweepAll(ctx context.Context) {
	live := t.manager.Live()
	ctx, span := telemetry.Tracer().Start(ctx, "pending.sweep",
		trace.WithAttributes(attribute.Int("instances", len(live))))
	defer span.End()

	for _, inst := range live {
		t.checkInstance(ctx, inst, nil)
		if ctx.Err() != nil {
			return
		}
	}
}

// CheckInstance checks a single instance right away, notifying only the
// given target. It is called after forwarding a message so a blocking
// request surfaces without waiting for the next sweep.
func (t *Tracker) CheckInstance(ctx context.Context, instanceID string, only router.Target) {
	inst, ok := t.manager.Get(instanceID)
	if !ok || !inst.State.Alive() {
		return
	}
	t.checkInstance(ctx, inst, &only)
}

func (t *Tracker) checkInstance(ctx context.Context, inst *instances.Instance, only *router.Target) {
	client := t.clientFor(inst.Port)

	perms, permsOK := t.fetchPermissions(ctx, client, inst.ID)
	questions, questionsOK := t.fetchQuestions(ctx, client, inst.ID)

	current := make(map[string]bool, len(perms)+len(questions))
	for _, p := range perms {
		current[p.ID] = true
	}
	for _, q := range questions {
		current[q.ID] = true
	}
	t.reconcile(inst.ID, current, permsOK, questionsOK)

	for _, p := range perms {
		t.notifyTargets(ctx, inst, p.ID, p.SessionID, KindPermission, nil, only, func() (string, [][]telegram.Button) {
			return renderPermission(inst, p)
		})
	}
	for _, q := range questions {
		if len(q.Questions) == 0 {
			continue
		}
		labels := optionLabels(q.Questions[0])
		t.notifyTargets(ctx, inst, q.ID, q.SessionID, KindQuestion, labels, only, func() (string, [][]telegram.Button) {
			return renderQuestion(inst, q)
		})
	}
}

func (t *Tracker) fetchPermissions(ctx context.Context, client *agentapi.Client, instanceID string) ([]agentapi.PendingPermission, bool) {
	cctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	perms, err := client.ListPendingPermissions(cctx)
	if err != nil {
		slog.Debug("pending.permissions_fetch_failed", "instance", instanceID, "error", err)
		return nil, false
	}
	return perms, true
}

func (t *Tracker) fetchQuestions(ctx context.Context, client *agentapi.Client, instanceID string) ([]agentapi.PendingQuestion, bool) {
	cctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	questions, err := client.ListPendingQuestions(cctx)
	if err != nil {
		slog.Debug("pending.questions_fetch_failed", "instance", instanceID, "error", err)
		return nil, false
	}
	return questions, true
}

// reconcile drops records for requests the agent no longer reports, so
// the notified set cannot grow without bound. Records of a kind are
// only dropped when that kind's fetch succeeded.
func (t *Tracker) reconcile(instanceID string, current map[string]bool, permsOK, questionsOK bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.notified {
		if e.instanceID != instanceID || current[id] {
			continue
		}
		if (e.kind == KindPermission && permsOK) || (e.kind == KindQuestion && questionsOK) {
			delete(t.notified, id)
			slog.Debug("pending.reconciled", "instance", instanceID, "request", id, "kind", e.kind)
		}
	}
}

func (t *Tracker) notifyTargets(ctx context.Context, inst *instances.Instance, requestID, sessionID, kind string, options []string, only *router.Target, render func() (string, [][]telegram.Button)) {
	var targets []router.Target
	if only != nil {
		targets = []router.Target{*only}
	} else {
		targets = t.router.Targets(inst.ID)
	}
	if len(targets) == 0 {
		return
	}

	t.mu.Lock()
	e, ok := t.notified[requestID]
	if !ok {
		e = &entry{
			instanceID: inst.ID,
			sessionID:  sessionID,
			kind:       kind,
			options:    options,
			targets:    make(map[router.Target]bool),
		}
		t.notified[requestID] = e
	}
	fresh := make([]router.Target, 0, len(targets))
	for _, target := range targets {
		if !e.targets[target] {
			fresh = append(fresh, target)
		}
	}
	t.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	text, keyboard := render()
	for _, target := range fresh {
		if err := t.send(ctx, target, text, keyboard); err != nil {
			// Left unmarked so the next sweep retries the delivery.
			slog.Warn("pending.notify_failed", "instance", inst.ID, "request", requestID,
				"chat", target.ChatID, "topic", target.TopicID, "error", err)
			continue
		}
		t.mu.Lock()
		e.targets[target] = true
		t.mu.Unlock()
		slog.Info("pending.notified", "instance", inst.ID, "request", requestID,
			"kind", kind, "chat", target.ChatID, "topic", target.TopicID)
	}
}

// LookupRequest resolves a possibly truncated request id back to the
// tracked request. Exact matches win; otherwise a unique prefix match.
func (t *Tracker) LookupRequest(idOrPrefix string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, exists := t.notified[idOrPrefix]; exists {
		return requestOf(idOrPrefix, e), true
	}
	var matches []string
	for id := range t.notified {
		if strings.HasPrefix(id, idOrPrefix) {
			matches = append(matches, id)
		}
	}
	if len(matches) != 1 {
		return Request{}, false
	}
	return requestOf(matches[0], t.notified[matches[0]]), true
}

func requestOf(id string, e *entry) Request {
	return Request{
		InstanceID: e.instanceID,
		SessionID:  e.sessionID,
		FullID:     id,
		Kind:       e.kind,
	}
}

// OptionLabel returns the label behind an option index of a tracked
// question.
func (t *Tracker) OptionLabel(requestID string, index int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.notified[requestID]
	if !ok || e.kind != KindQuestion || index < 0 || index >= len(e.options) {
		return "", false
	}
	return e.options[index], true
}

// ClearRequest forgets a request after it has been answered.
func (t *Tracker) ClearRequest(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notified, requestID)
}

// TrackedCount reports how many requests are currently tracked.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.notified)
}

func instanceLabel(inst *instances.Instance) string {
	if inst.DisplayName != "" {
		return inst.DisplayName
	}
	return inst.ShortID()
}

func renderPermission(inst *instances.Instance, p agentapi.PendingPermission) (string, [][]telegram.Button) {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 *Permission request* (%s)\n", instanceLabel(inst))
	fmt.Fprintf(&b, "`%s`", p.Permission)
	if len(p.Patterns) > 0 {
		b.WriteString("\nPatterns: `" + strings.Join(p.Patterns, "`, `") + "`")
	}

	keyboard := [][]telegram.Button{{
		{Text: "✅ Allow", Data: mustEncode(callbacks.PermAnswer{Choice: callbacks.PermAllow, RequestID: p.ID})},
		{Text: "🔄 Always", Data: mustEncode(callbacks.PermAnswer{Choice: callbacks.PermAlways, RequestID: p.ID})},
		{Text: "❌ Reject", Data: mustEncode(callbacks.PermAnswer{Choice: callbacks.PermReject, RequestID: p.ID})},
	}}
	return b.String(), keyboard
}

func renderQuestion(inst *instances.Instance, q agentapi.PendingQuestion) (string, [][]telegram.Button) {
	first := q.Questions[0]

	var b strings.Builder
	fmt.Fprintf(&b, "❓ *Question* (%s)\n", instanceLabel(inst))
	b.WriteString(first.Question)
	if len(q.Questions) > 1 {
		fmt.Fprintf(&b, "\n(question 1 of %d)", len(q.Questions))
	}

	keyboard := make([][]telegram.Button, 0, len(first.Options))
	for i, opt := range first.Options {
		keyboard = append(keyboard, []telegram.Button{{
			Text: opt.Label,
			Data: mustEncode(callbacks.QuestionAnswer{RequestID: q.ID, OptionIndex: i}),
		}})
	}
	return b.String(), keyboard
}

func optionLabels(q agentapi.QuestionItem) []string {
	labels := make([]string, len(q.Options))
	for i, opt := range q.Options {
		labels[i] = opt.Label
	}
	return labels
}

// mustEncode is safe here: request-id variants truncate rather than
// fail, and option indexes are small.
func mustEncode(a callbacks.Action) string {
	data, err := callbacks.Encode(a)
	if err != nil {
		slog.Error("pending.encode_failed", "error", err)
		return ""
	}
	return data
}
