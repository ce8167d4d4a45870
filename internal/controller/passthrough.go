package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
)

// instanceCommand handles the agent-facing command set. Commands with a
// direct API mapping get first-class handlers; the rest ride to the
// agent verbatim and are interpreted in-session.
func (c *Controller) instanceCommand(ctx context.Context, req *request, name, args, original string) {
	instID, ok := c.router.Resolve(req.chatID, req.topicID)
	if !ok {
		c.reply(ctx, req, "No instance bound here. Use /open <path> or /list first.")
		return
	}
	inst, ok := c.mgr.Get(instID)
	if !ok {
		c.reply(ctx, req, "The bound instance is gone. Use /list to pick another.")
		return
	}
	if !inst.State.Alive() {
		c.reply(ctx, req, fmt.Sprintf("*%s* is %s. Send a message to restart it, or /restart %s.",
			instanceLabel(inst), inst.State, inst.ShortID()))
		return
	}
	client := c.clientFor(inst.Port)

	switch name {
	case "sessions":
		c.listSessions(ctx, req, inst, client, false)
	case "delete":
		if args != "" {
			c.deleteSession(ctx, req, inst, client, strings.TrimSpace(args))
			return
		}
		c.listSessions(ctx, req, inst, client, true)
	case "session", "info":
		c.sessionInfo(ctx, req, inst, client)
	case "models":
		c.modelMenu(ctx, req, inst)
	case "pending":
		c.pendingSummary(ctx, req, client)
	case "health":
		qctx, cancel := agentContext(ctx)
		err := client.Health(qctx)
		cancel()
		if err != nil {
			c.reply(ctx, req, fmt.Sprintf("🔴 *%s* did not answer: %v", instanceLabel(inst), err))
			return
		}
		c.reply(ctx, req, fmt.Sprintf("🟢 *%s* is healthy on port %d.", instanceLabel(inst), inst.Port))
	case "messages":
		c.recentMessages(ctx, req, inst, client)
	default:
		c.forward(ctx, req, original)
	}
}

func (c *Controller) listSessions(ctx context.Context, req *request, inst *instances.Instance, client *agentapi.Client, forDelete bool) {
	qctx, cancel := agentContext(ctx)
	sessions, err := client.ListSessions(qctx)
	cancel()
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Listing sessions failed: %v", err))
		return
	}
	if len(sessions) == 0 {
		c.reply(ctx, req, "No sessions yet. Send a message to start one.")
		return
	}
	currentID, _ := c.router.SessionFor(req.chatID, req.topicID, inst.ID)
	title := "Sessions:"
	if forDelete {
		title = "Pick a session to delete:"
	}
	c.replyKeyboard(ctx, req, title, sessionKeyboard(sessions, currentID, forDelete))
}

func (c *Controller) deleteSession(ctx context.Context, req *request, inst *instances.Instance, client *agentapi.Client, sessionID string) {
	qctx, cancel := agentContext(ctx)
	err := client.DeleteSession(qctx, sessionID)
	cancel()
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Delete failed: %v", err))
		return
	}
	c.router.ClearSession(req.chatID, req.topicID, inst.ID)
	c.reply(ctx, req, fmt.Sprintf("Deleted session `%s`.", sessionID))
}

func (c *Controller) sessionInfo(ctx context.Context, req *request, inst *instances.Instance, client *agentapi.Client) {
	sessionID, ok := c.router.SessionFor(req.chatID, req.topicID, inst.ID)
	if !ok {
		c.reply(ctx, req, "No session yet. Send a message to start one.")
		return
	}
	qctx, cancel := agentContext(ctx)
	ses, err := client.GetSession(qctx, sessionID)
	cancel()
	if err != nil {
		if agentapi.IsGone(err) {
			c.router.ClearSession(req.chatID, req.topicID, inst.ID)
			c.reply(ctx, req, "The recorded session is gone; the next message starts a fresh one.")
			return
		}
		c.reply(ctx, req, fmt.Sprintf("Fetching session failed: %v", err))
		return
	}
	title := ses.Title
	if title == "" {
		title = "(untitled)"
	}
	c.reply(ctx, req, fmt.Sprintf("Session `%s`\nTitle: %s\nInstance: *%s*", ses.ID, title, instanceLabel(inst)))
}

func (c *Controller) modelMenu(ctx context.Context, req *request, inst *instances.Instance) {
	favourites := c.cfg.FavouriteModels()
	if len(favourites) == 0 {
		c.reply(ctx, req, "No favourite models configured. Set TELEGRAM_FAVOURITE_MODELS or controller.favourite_models.")
		return
	}
	provider, model, ok := c.router.ModelFor(req.chatID, req.topicID)
	if !ok {
		provider, model = inst.ProviderID, inst.ModelID
	}
	c.replyKeyboard(ctx, req, "Pick a model:", c.models.Keyboard(favourites, provider, model))
}

func (c *Controller) pendingSummary(ctx context.Context, req *request, client *agentapi.Client) {
	qctx, cancel := agentContext(ctx)
	perms, permErr := client.ListPendingPermissions(qctx)
	questions, questionErr := client.ListPendingQuestions(qctx)
	cancel()
	if permErr != nil && questionErr != nil {
		c.reply(ctx, req, fmt.Sprintf("Fetching pending items failed: %v", permErr))
		return
	}
	if len(perms) == 0 && len(questions) == 0 {
		c.reply(ctx, req, "Nothing pending.")
		return
	}
	var b strings.Builder
	for _, p := range perms {
		fmt.Fprintf(&b, "🔐 `%s`", p.Permission)
		if len(p.Patterns) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(p.Patterns, ", "))
		}
		b.WriteString("\n")
	}
	for _, q := range questions {
		if len(q.Questions) > 0 {
			fmt.Fprintf(&b, "❓ %s\n", q.Questions[0].Question)
		}
	}
	b.WriteString("Buttons for these arrive with the next sweep.")
	c.reply(ctx, req, b.String())
}

func (c *Controller) recentMessages(ctx context.Context, req *request, inst *instances.Instance, client *agentapi.Client) {
	sessionID, ok := c.router.SessionFor(req.chatID, req.topicID, inst.ID)
	if !ok {
		c.reply(ctx, req, "No session yet. Send a message to start one.")
		return
	}
	qctx, cancel := agentContext(ctx)
	messages, err := client.ListMessages(qctx, sessionID, 10)
	cancel()
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Fetching messages failed: %v", err))
		return
	}
	if len(messages) == 0 {
		c.reply(ctx, req, "The session is empty.")
		return
	}
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		role := m.Info.Role
		if role == "" {
			role = "message"
		}
		fmt.Fprintf(&b, "*%s*: %s\n", role, text)
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		out = "The session has no text messages."
	}
	c.reply(ctx, req, telegram.Truncate(out))
}

// currentModel resolves the provider/model pair for a send: the chat's
// preference, then the instance's, then the configured default.
func (c *Controller) currentModel(req *request, inst *instances.Instance) (provider, model string) {
	if p, m, ok := c.router.ModelFor(req.chatID, req.topicID); ok {
		return p, m
	}
	if inst.ProviderID != "" {
		return inst.ProviderID, inst.ModelID
	}
	return c.cfg.Defaults.Provider, c.cfg.Defaults.Model
}

// ensureSession returns the session id for this context, creating one on
// the agent when none is recorded.
func (c *Controller) ensureSession(ctx context.Context, req *request, inst *instances.Instance, client *agentapi.Client) (string, error) {
	if sessionID, ok := c.router.SessionFor(req.chatID, req.topicID, inst.ID); ok {
		return sessionID, nil
	}
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ses, err := client.CreateSession(qctx, "", instanceLabel(inst))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	c.router.SetSession(req.chatID, req.topicID, inst.ID, ses.ID)
	if err := c.router.Save(); err != nil {
		slog.Warn("forward.router_save_failed", "error", err)
	}
	return ses.ID, nil
}
