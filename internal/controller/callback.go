package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/teleclaw/internal/callbacks"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
	"github.com/nextlevelbuilder/teleclaw/internal/telemetry"
)

// callbackContext bundles what every button handler needs: where the
// pressed keyboard lives and how to answer the query.
type callbackContext struct {
	query  *telego.CallbackQuery
	origin telegram.Origin
	req    *request
}

func (c *Controller) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	action, err := callbacks.Decode(query.Data)
	if err != nil {
		slog.Debug("callback.undecodable", "data", query.Data, "error", err)
		c.tg.AnswerCallback(ctx, query.ID, "Unknown action", false)
		return
	}
	origin, ok := telegram.CallbackOrigin(query)
	if !ok {
		c.tg.AnswerCallback(ctx, query.ID, "", false)
		return
	}
	if !c.cfg.ChatAllowed(origin.ChatID) {
		slog.Debug("callback.chat_denied", "chat", origin.ChatID)
		c.tg.AnswerCallback(ctx, query.ID, "", false)
		return
	}
	if origin.IsForum {
		c.router.MarkForum(origin.ChatID)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "update.callback",
		trace.WithAttributes(attribute.Int64("chat.id", origin.ChatID)))
	defer span.End()

	cb := &callbackContext{
		query:  query,
		origin: origin,
		req: &request{
			chatID:   origin.ChatID,
			topicID:  origin.TopicID,
			username: senderName(&query.From),
		},
	}

	switch a := action.(type) {
	case callbacks.InstancePick:
		c.cbInstancePick(ctx, cb, a)
	case callbacks.InstanceKill:
		c.cbInstanceKill(ctx, cb, a)
	case callbacks.SessionPick:
		c.cbSessionPick(ctx, cb, a)
	case callbacks.SessionDelete:
		c.cbSessionDelete(ctx, cb, a)
	case callbacks.ModelSet:
		c.cbSetModel(ctx, cb, a.ProviderID, a.ModelID)
	case callbacks.ModelHash:
		ref, ok := c.models.Lookup(a.Hash)
		if !ok {
			c.answer(ctx, cb, "That model button has expired, run /models again.")
			return
		}
		c.cbSetModel(ctx, cb, ref.Provider, ref.Model)
	case callbacks.PermAnswer:
		c.cbPermAnswer(ctx, cb, a)
	case callbacks.QuestionAnswer:
		c.cbQuestionAnswer(ctx, cb, a)
	case callbacks.ThreadInstancePick:
		c.cbThreadInstancePick(ctx, cb, a)
	}
}

// answer clears the button spinner, optionally with a toast.
func (c *Controller) answer(ctx context.Context, cb *callbackContext, toast string) {
	c.tg.AnswerCallback(ctx, cb.query.ID, toast, false)
}

// edit replaces the pressed keyboard message.
func (c *Controller) edit(ctx context.Context, cb *callbackContext, text string) {
	if err := c.tg.EditMessageText(ctx, cb.origin.ChatID, cb.origin.MessageID, text, nil); err != nil {
		slog.Debug("callback.edit_failed", "chat", cb.origin.ChatID, "message", cb.origin.MessageID, "error", err)
	}
}

func (c *Controller) cbInstancePick(ctx context.Context, cb *callbackContext, a callbacks.InstancePick) {
	inst, ok := c.mgr.Get(a.InstanceID)
	if !ok {
		c.answer(ctx, cb, "That instance is gone.")
		c.edit(ctx, cb, "That instance is gone. Run /list again.")
		return
	}
	c.bindInstance(ctx, cb.req, inst, false)
	c.edit(ctx, cb, fmt.Sprintf("Current instance: *%s* (`%s`)", instanceLabel(inst), inst.ShortID()))
	c.answer(ctx, cb, "Switched to "+instanceLabel(inst))
}

func (c *Controller) cbInstanceKill(ctx context.Context, cb *callbackContext, a callbacks.InstanceKill) {
	inst, ok := c.mgr.Get(a.InstanceID)
	if !ok {
		c.answer(ctx, cb, "Already gone.")
		return
	}
	if err := c.mgr.Stop(inst.ID); err != nil {
		c.answer(ctx, cb, "Stop failed.")
		c.reply(ctx, cb.req, fmt.Sprintf("Stop failed: %v", err))
		return
	}
	c.router.RemoveInstanceReferences(inst.ID)
	if err := c.router.Save(); err != nil {
		slog.Warn("callback.router_save_failed", "error", err)
	}
	c.edit(ctx, cb, fmt.Sprintf("Stopped *%s*.", instanceLabel(inst)))
	c.answer(ctx, cb, "Stopped")
}

func (c *Controller) cbSessionPick(ctx context.Context, cb *callbackContext, a callbacks.SessionPick) {
	instID, ok := c.router.Resolve(cb.req.chatID, cb.req.topicID)
	if !ok {
		c.answer(ctx, cb, "No instance bound here.")
		return
	}
	c.router.SetSession(cb.req.chatID, cb.req.topicID, instID, a.SessionID)
	if err := c.router.Save(); err != nil {
		slog.Warn("callback.router_save_failed", "error", err)
	}
	c.edit(ctx, cb, fmt.Sprintf("Tracking session `%s`.", a.SessionID))
	c.answer(ctx, cb, "Session switched")
}

func (c *Controller) cbSessionDelete(ctx context.Context, cb *callbackContext, a callbacks.SessionDelete) {
	instID, ok := c.router.Resolve(cb.req.chatID, cb.req.topicID)
	if !ok {
		c.answer(ctx, cb, "No instance bound here.")
		return
	}
	inst, ok := c.mgr.Get(instID)
	if !ok || !inst.State.Alive() {
		c.answer(ctx, cb, "The instance is not running.")
		return
	}
	client := c.clientFor(inst.Port)
	qctx, cancel := agentContext(ctx)
	err := client.DeleteSession(qctx, a.SessionID)
	cancel()
	if err != nil {
		c.answer(ctx, cb, "Delete failed.")
		c.reply(ctx, cb.req, fmt.Sprintf("Delete failed: %v", err))
		return
	}
	if current, ok := c.router.SessionFor(cb.req.chatID, cb.req.topicID, instID); ok && current == a.SessionID {
		c.router.ClearSession(cb.req.chatID, cb.req.topicID, instID)
	}
	c.edit(ctx, cb, fmt.Sprintf("Deleted session `%s`.", a.SessionID))
	c.answer(ctx, cb, "Deleted")
}

func (c *Controller) cbSetModel(ctx context.Context, cb *callbackContext, provider, model string) {
	c.router.SetModel(cb.req.chatID, cb.req.topicID, provider, model)
	if err := c.router.Save(); err != nil {
		slog.Warn("callback.router_save_failed", "error", err)
	}
	c.edit(ctx, cb, fmt.Sprintf("Model set to `%s/%s`.", provider, model))
	c.answer(ctx, cb, "Model set")
}

func permConfirmation(choice callbacks.PermChoice) string {
	switch choice {
	case callbacks.PermAllow:
		return "Permission: Allowed"
	case callbacks.PermAlways:
		return "Permission: Always allowed"
	default:
		return "Permission: Rejected"
	}
}

func (c *Controller) cbPermAnswer(ctx context.Context, cb *callbackContext, a callbacks.PermAnswer) {
	pendingReq, ok := c.tracker.LookupRequest(a.RequestID)
	if !ok {
		c.answer(ctx, cb, "This request is no longer pending.")
		c.edit(ctx, cb, "This request is no longer pending.")
		return
	}
	inst, ok := c.mgr.Get(pendingReq.InstanceID)
	if !ok || !inst.State.Alive() {
		c.answer(ctx, cb, "The instance is not running.")
		return
	}
	client := c.clientFor(inst.Port)
	qctx, cancel := agentContext(ctx)
	err := client.ReplyPermission(qctx, pendingReq.FullID, a.Choice.AgentReply())
	cancel()
	if err != nil {
		// Entry stays tracked so the user can press again.
		c.answer(ctx, cb, "Sending the reply failed, try again.")
		slog.Warn("callback.permission_reply_failed", "request", pendingReq.FullID, "error", err)
		return
	}
	c.tracker.ClearRequest(pendingReq.FullID)
	confirmation := permConfirmation(a.Choice)
	c.edit(ctx, cb, confirmation)
	c.answer(ctx, cb, confirmation)

	target := router.Target{ChatID: cb.req.chatID, TopicID: cb.req.topicID}
	c.spawnTask(func() { c.pollFollowUp(ctx, pendingReq.InstanceID, pendingReq.SessionID, target) })
}

func (c *Controller) cbQuestionAnswer(ctx context.Context, cb *callbackContext, a callbacks.QuestionAnswer) {
	pendingReq, ok := c.tracker.LookupRequest(a.RequestID)
	if !ok {
		c.answer(ctx, cb, "This question is no longer pending.")
		c.edit(ctx, cb, "This question is no longer pending.")
		return
	}
	label, ok := c.tracker.OptionLabel(pendingReq.FullID, a.OptionIndex)
	if !ok {
		c.answer(ctx, cb, "That option is unknown.")
		return
	}
	inst, ok := c.mgr.Get(pendingReq.InstanceID)
	if !ok || !inst.State.Alive() {
		c.answer(ctx, cb, "The instance is not running.")
		return
	}
	client := c.clientFor(inst.Port)
	qctx, cancel := agentContext(ctx)
	err := client.RespondQuestion(qctx, pendingReq.FullID, [][]string{{"[[" + label + "]]"}})
	cancel()
	if err != nil {
		c.answer(ctx, cb, "Sending the answer failed, try again.")
		slog.Warn("callback.question_reply_failed", "request", pendingReq.FullID, "error", err)
		return
	}
	c.tracker.ClearRequest(pendingReq.FullID)
	c.edit(ctx, cb, "Answered: "+label)
	c.answer(ctx, cb, "Answered")

	target := router.Target{ChatID: cb.req.chatID, TopicID: cb.req.topicID}
	c.spawnTask(func() { c.pollFollowUp(ctx, pendingReq.InstanceID, pendingReq.SessionID, target) })
}

func (c *Controller) cbThreadInstancePick(ctx context.Context, cb *callbackContext, a callbacks.ThreadInstancePick) {
	inst, ok := c.mgr.FindByPrefix(a.IDPrefix)
	if !ok {
		c.answer(ctx, cb, "That instance is gone.")
		c.edit(ctx, cb, "That instance is gone. Send /open <path> to spawn one.")
		return
	}
	if !inst.State.Alive() {
		restarted, err := c.mgr.Restart(ctx, inst.ID)
		if err != nil {
			c.answer(ctx, cb, "Restart failed.")
			c.reply(ctx, cb.req, fmt.Sprintf("Restart failed: %v", err))
			return
		}
		inst = restarted
	}

	bindReq := &request{chatID: cb.origin.ChatID, topicID: a.TopicID, username: cb.req.username}
	c.bindInstance(ctx, bindReq, inst, true)
	c.edit(ctx, cb, fmt.Sprintf("Topic bound to *%s* (`%s`).", instanceLabel(inst), inst.ShortID()))
	c.answer(ctx, cb, "Bound to "+instanceLabel(inst))
}
