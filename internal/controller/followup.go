package controller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
)

// pollFollowUp watches a session after a permission or question was
// answered: the agent usually resumes generating, and its reply arrives
// as a new message rather than through the original blocking send.
// When the session goes idle, the newest assistant message is forwarded;
// a fresh question hands control back to the pending tracker.
func (c *Controller) pollFollowUp(ctx context.Context, instanceID, sessionID string, target router.Target) {
	if sessionID == "" {
		return
	}
	inst, ok := c.mgr.Get(instanceID)
	if !ok || !inst.State.Alive() {
		return
	}
	client := c.clientFor(inst.Port)

	seen := make(map[string]bool)
	qctx, cancel := agentContext(ctx)
	if msgs, err := client.ListMessages(qctx, sessionID, 50); err == nil {
		for _, m := range msgs {
			seen[m.Info.ID] = true
		}
	}
	cancel()

	deadline := time.Now().Add(c.followUpBudget)
	ticker := time.NewTicker(c.followUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			slog.Debug("followup.gave_up", "instance", instanceID, "session", sessionID)
			return
		}

		c.tg.SendTyping(ctx, target.ChatID, target.TopicID)

		qctx, cancel := agentContext(ctx)
		status, err := client.SessionStatus(qctx)
		cancel()
		if err != nil {
			continue
		}
		switch status[sessionID].Type {
		case agentapi.StateBusy:
			continue
		case agentapi.StateQuestion:
			c.tracker.CheckInstance(ctx, instanceID, target)
			return
		default:
			c.deliverNewAssistant(ctx, client, sessionID, seen, target)
			return
		}
	}
}

// deliverNewAssistant forwards the latest assistant message that was not
// in the pre-answer snapshot.
func (c *Controller) deliverNewAssistant(ctx context.Context, client *agentapi.Client, sessionID string, seen map[string]bool, target router.Target) {
	qctx, cancel := agentContext(ctx)
	msgs, err := client.ListMessages(qctx, sessionID, 50)
	cancel()
	if err != nil {
		slog.Debug("followup.fetch_failed", "session", sessionID, "error", err)
		return
	}

	var latest string
	for _, m := range msgs {
		if seen[m.Info.ID] || m.Info.Role != "assistant" {
			continue
		}
		if text := strings.TrimSpace(m.Text()); text != "" {
			latest = text
		}
	}
	if latest == "" {
		return
	}
	if _, err := c.tg.SendMessageToTopic(ctx, target.ChatID, target.TopicID, latest); err != nil {
		slog.Warn("followup.send_failed", "chat", target.ChatID, "topic", target.TopicID, "error", err)
	}
}
