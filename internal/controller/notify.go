package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/teleclaw/internal/instances"
)

// OnTransition tells the chats bound to an instance about crashes and
// recoveries. Wired as the manager's transition hook; runs on the
// manager's notification goroutine, so sends use their own bounded
// context rather than any update's.
func (c *Controller) OnTransition(tr instances.Transition) {
	label := tr.Instance.DisplayName
	if label == "" {
		label = tr.Instance.ShortID()
	}

	var text string
	switch {
	case tr.To == instances.StateCrashed:
		text = fmt.Sprintf("⚠️ *%s* crashed: %s", label, tr.Reason)
		if tr.Instance.RestartCount < instances.MaxAutoRestarts {
			text += "\nAttempting an automatic restart…"
		} else {
			text += "\nRestart budget exhausted, use /restart " + tr.Instance.ShortID() + " to bring it back."
		}
	case tr.To == instances.StateRunning && tr.From == instances.StateStarting && tr.Instance.RestartCount > 0:
		text = fmt.Sprintf("🟢 *%s* is back up.", label)
	default:
		return
	}

	targets := c.router.Targets(tr.Instance.ID)
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, target := range targets {
		if _, err := c.tg.SendMessageToTopic(ctx, target.ChatID, target.TopicID, text); err != nil {
			slog.Warn("notify.send_failed", "chat", target.ChatID, "topic", target.TopicID, "error", err)
		}
	}
}
