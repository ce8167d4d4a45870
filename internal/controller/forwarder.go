package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
	"github.com/nextlevelbuilder/teleclaw/internal/telemetry"
)

// forward routes a plain text message to the agent bound to this
// context. The send is blocking; while it runs, a keepalive loop emits
// typing actions and surfaces pending requests the prompt provoked.
func (c *Controller) forward(ctx context.Context, req *request, text string) {
	instID, ok := c.router.Resolve(req.chatID, req.topicID)
	if !ok {
		c.forwardUnbound(ctx, req)
		return
	}
	inst, ok := c.mgr.Get(instID)
	if !ok {
		c.forwardUnbound(ctx, req)
		return
	}

	if !inst.State.Alive() {
		c.reply(ctx, req, fmt.Sprintf("⏳ *%s* is %s, restarting it…", instanceLabel(inst), inst.State))
		restarted, err := c.mgr.Restart(ctx, inst.ID)
		if err != nil {
			c.reply(ctx, req, fmt.Sprintf("Restart failed: %v", err))
			return
		}
		inst = restarted
	}

	c.maybeOpenBrowser(inst)

	client := c.clientFor(inst.Port)
	sessionID, err := c.ensureSession(ctx, req, inst, client)
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Could not start a session: %v", err))
		return
	}

	provider, model := c.currentModel(req, inst)
	prompt := req.username + ": " + text

	ctx, span := telemetry.Tracer().Start(ctx, "agent.send",
		trace.WithAttributes(
			attribute.String("instance.id", inst.ID),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	resp, err := c.sendWithKeepalive(ctx, req, inst.ID, client, sessionID, prompt, provider, model)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if agentapi.IsGone(err) {
			c.router.ClearSession(req.chatID, req.topicID, inst.ID)
			c.reply(ctx, req, fmt.Sprintf("Session expired, the next message starts a fresh one.\n%v", err))
			return
		}
		c.reply(ctx, req, telegram.Truncate(fmt.Sprintf("Agent error: %v", err)))
		return
	}

	if msg := resp.ErrorMessage(); msg != "" {
		c.reply(ctx, req, telegram.Truncate("Agent error: "+msg))
		return
	}
	out := resp.Text()
	if out == "" {
		out = "(the agent returned an empty response)"
	}
	c.reply(ctx, req, out)

	// A permission raised at the very end of generation may not have
	// surfaced mid-send.
	c.tracker.CheckInstance(ctx, inst.ID, router.Target{ChatID: req.chatID, TopicID: req.topicID})
}

// forwardUnbound tells an unrouted chat what to do. Topics get a picker
// over the live instances so the binding is one tap away.
func (c *Controller) forwardUnbound(ctx context.Context, req *request) {
	if req.topicID > 0 {
		live := c.mgr.Live()
		if len(live) > 0 {
			c.replyKeyboard(ctx, req,
				"This topic is not bound yet. Pick an instance, or send /open <path> to spawn a new one:",
				threadPickerKeyboard(live, req.topicID))
			return
		}
	}
	c.reply(ctx, req, "No instance bound here. Use /open <path> to spawn one, or /list to pick one.")
}

type sendResult struct {
	resp *agentapi.SendResponse
	err  error
}

// sendWithKeepalive issues the blocking send while a ticker keeps the
// chat's typing indicator alive and checks for pending requests, so a
// permission prompt raised mid-generation unblocks the agent.
func (c *Controller) sendWithKeepalive(ctx context.Context, req *request, instanceID string, client *agentapi.Client, sessionID, prompt, provider, model string) (*agentapi.SendResponse, error) {
	c.tg.SendTyping(ctx, req.chatID, req.topicID)

	done := make(chan sendResult, 1)
	go func() {
		resp, err := client.SendMessage(ctx, sessionID, prompt, provider, model)
		done <- sendResult{resp: resp, err: err}
	}()

	ticker := time.NewTicker(c.typingInterval)
	defer ticker.Stop()
	target := router.Target{ChatID: req.chatID, TopicID: req.topicID}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case result := <-done:
			return result.resp, result.err
		case <-ticker.C:
			c.tg.SendTyping(ctx, req.chatID, req.topicID)
			c.tracker.CheckInstance(ctx, instanceID, target)
		}
	}
}

// maybeOpenBrowser opens the instance's web UI once per instance when
// configured. Failures are logged only; this is a convenience.
func (c *Controller) maybeOpenBrowser(inst *instances.Instance) {
	if !c.cfg.Controller.AutoOpenBrowser || inst.State != instances.StateRunning {
		return
	}
	if !c.mgr.MarkBrowserOpened(inst.ID) {
		return
	}
	url := fmt.Sprintf("http://127.0.0.1:%d", inst.Port)
	if err := c.openURL(url); err != nil {
		slog.Debug("forward.browser_open_failed", "instance", inst.ID, "url", url, "error", err)
	}
}
