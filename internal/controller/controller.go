// Package controller multiplexes one Telegram bot across the locally
// managed agent instances: it drives the long-poll loop, dispatches
// commands and callbacks, and forwards plain messages to agents.
package controller

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/pending"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
	"github.com/nextlevelbuilder/teleclaw/internal/telemetry"
)

const (
	defaultPollLimit        = 100
	defaultPollTimeout      = 30
	defaultTypingInterval   = 4 * time.Second
	defaultFollowUpInterval = 4 * time.Second
	defaultFollowUpBudget   = 10 * time.Minute
	maxPollBackoff          = 30 * time.Second
)

// processManager is the slice of the instance manager the controller
// drives.
type processManager interface {
	Spawn(ctx context.Context, req instances.SpawnRequest) (*instances.Instance, error)
	Stop(id string) error
	Restart(ctx context.Context, id string) (*instances.Instance, error)
	Get(id string) (*instances.Instance, bool)
	FindByPrefix(prefix string) (*instances.Instance, bool)
	FindByDirectory(dir string) (*instances.Instance, bool)
	Live() []*instances.Instance
	List() []*instances.Instance
	Reconcile(ctx context.Context) []instances.Instance
	MarkBrowserOpened(id string) bool
}

// telegramAPI is the bot surface the controller talks to.
type telegramAPI interface {
	Username() string
	GetUpdates(ctx context.Context, offset, limit, timeoutSec int) ([]telego.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	SendMessageToTopic(ctx context.Context, chatID int64, topicID int, text string) (int, error)
	SendWithKeyboard(ctx context.Context, chatID int64, topicID int, text string, keyboard [][]telegram.Button) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]telegram.Button) error
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool)
	SendTyping(ctx context.Context, chatID int64, topicID int)
	EditForumTopic(ctx context.Context, chatID int64, topicID int, name string) error
}

// Options wires a Controller.
type Options struct {
	Config   *config.Config
	Manager  processManager
	Router   *router.Router
	Telegram telegramAPI
	Tracker  *pending.Tracker
	Offsets  *OffsetStore
}

// Controller owns the update loop and all per-update handlers.
type Controller struct {
	cfg     *config.Config
	mgr     processManager
	router  *router.Router
	tg      telegramAPI
	tracker *pending.Tracker
	offsets *OffsetStore
	models  *modelPicker

	clientFor func(port int) *agentapi.Client
	openURL   func(url string) error

	pollLimit        int
	pollTimeout      int
	typingInterval   time.Duration
	followUpInterval time.Duration
	followUpBudget   time.Duration

	wg sync.WaitGroup
}

// New builds a Controller from its collaborators.
func New(opts Options) *Controller {
	return &Controller{
		cfg:              opts.Config,
		mgr:              opts.Manager,
		router:           opts.Router,
		tg:               opts.Telegram,
		tracker:          opts.Tracker,
		offsets:          opts.Offsets,
		models:           newModelPicker(),
		clientFor:        agentapi.NewClient,
		openURL:          openInBrowser,
		pollLimit:        defaultPollLimit,
		pollTimeout:      defaultPollTimeout,
		typingInterval:   defaultTypingInterval,
		followUpInterval: defaultFollowUpInterval,
		followUpBudget:   defaultFollowUpBudget,
	}
}

// Run drives the long-poll loop until ctx is cancelled, then waits for
// in-flight handlers to drain. The offset is persisted after each
// consumed batch, so a crash may re-deliver a batch but never skips one.
func (c *Controller) Run(ctx context.Context) error {
	offset, err := c.offsets.Load()
	if err != nil {
		slog.Warn("poll.offset_load_failed", "error", err)
	}
	slog.Info("poll.started", "offset", offset, "bot", c.tg.Username())

	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := c.tg.GetUpdates(ctx, offset, c.pollLimit, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("poll.failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < maxPollBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			c.handleUpdate(ctx, update)
		}
		if len(updates) > 0 {
			if err := c.offsets.Store(offset); err != nil {
				slog.Warn("poll.offset_save_failed", "error", err)
			}
		}
	}

	c.wg.Wait()
	slog.Info("poll.stopped", "offset", offset)
	return nil
}

func (c *Controller) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		query := update.CallbackQuery
		c.spawnTask(func() { c.handleCallback(ctx, query) })
	default:
		slog.Debug("update.skipped", "update_id", update.UpdateID)
	}
}

func (c *Controller) handleMessage(ctx context.Context, msg *telego.Message) {
	chatID := msg.Chat.ID
	if !c.cfg.ChatAllowed(chatID) {
		slog.Debug("update.chat_denied", "chat", chatID)
		return
	}
	if msg.Chat.IsForum {
		c.router.MarkForum(chatID)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		// Service messages (topic created/closed) and media land here.
		return
	}

	topicID := telegram.TopicOf(msg)
	req := &request{
		chatID:   chatID,
		topicID:  topicID,
		username: senderName(msg.From),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "update.message",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)))
	defer span.End()

	if strings.HasPrefix(text, "/") {
		if c.dispatchCommand(ctx, req, text) {
			return
		}
	}
	// Not a recognised command: the whole text is a prompt.
	c.spawnTask(func() { c.forward(ctx, req, text) })
}

// request carries the origin of one update through the handlers.
type request struct {
	chatID   int64
	topicID  int
	username string
}

func (c *Controller) spawnTask(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func senderName(from *telego.User) string {
	if from == nil {
		return "user"
	}
	if from.Username != "" {
		return from.Username
	}
	if from.FirstName != "" {
		return from.FirstName
	}
	return "user"
}

// reply sends plain text back to the origin of a request.
func (c *Controller) reply(ctx context.Context, req *request, text string) {
	if _, err := c.tg.SendMessageToTopic(ctx, req.chatID, req.topicID, text); err != nil {
		slog.Warn("reply.send_failed", "chat", req.chatID, "topic", req.topicID, "error", err)
	}
}

func (c *Controller) replyKeyboard(ctx context.Context, req *request, text string, keyboard [][]telegram.Button) {
	if _, err := c.tg.SendWithKeyboard(ctx, req.chatID, req.topicID, text, keyboard); err != nil {
		slog.Warn("reply.send_failed", "chat", req.chatID, "topic", req.topicID, "error", err)
	}
}

// agentContext bounds interactive agent calls so a stuck instance cannot
// hang a command handler.
func agentContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

func openInBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
