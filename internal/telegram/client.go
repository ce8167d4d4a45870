// Package telegram wraps the Bot API client used by the controller:
// batched long-poll reads, rate-limited sends with Markdown fallback,
// inline keyboards, chat actions, and forum topic edits.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

const (
	// MaxMessageLen is Telegram's hard cap on message text.
	MaxMessageLen = 4096
	// truncateAt leaves headroom under the cap for the marker.
	truncateAt       = 4000
	truncationMarker = "… [truncated]"

	// GeneralTopicID is the implicit first topic of a forum supergroup.
	// Send and edit calls must omit it or Telegram rejects the request.
	GeneralTopicID = 1

	// MaxCallbackData is the Bot API limit on callback_data bytes.
	MaxCallbackData = 64
)

// Button is one inline-keyboard cell.
type Button struct {
	Text string
	Data string
}

// Client is the typed Bot API client. Outgoing traffic is throttled per
// chat so bursts of agent output do not trip Telegram's limits.
type Client struct {
	bot      *telego.Bot
	username string

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewClient creates a client and verifies the token against getMe.
func NewClient(ctx context.Context, token string, opts ...telego.BotOption) (*Client, error) {
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("getMe: %w", err)
	}

	return &Client{
		bot:      bot,
		username: me.Username,
		limiters: make(map[int64]*rate.Limiter),
	}, nil
}

// Username returns the bot's username learned at startup.
func (c *Client) Username() string {
	return c.username
}

// GetUpdates fetches one long-poll batch. The caller owns the offset.
func (c *Client) GetUpdates(ctx context.Context, offset int, limit, timeoutSec int) ([]telego.Update, error) {
	return c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:  offset,
		Limit:   limit,
		Timeout: timeoutSec,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
}

// SendMessage sends Markdown-formatted text to a chat, retrying once as
// plain text when Telegram rejects the formatting. Returns the message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	return c.SendWithKeyboard(ctx, chatID, 0, text, nil)
}

// SendMessageToTopic sends text into a forum topic.
func (c *Client) SendMessageToTopic(ctx context.Context, chatID int64, topicID int, text string) (int, error) {
	return c.SendWithKeyboard(ctx, chatID, topicID, text, nil)
}

// SendWithKeyboard sends text with an optional inline keyboard to a chat
// or a topic inside it.
func (c *Client) SendWithKeyboard(ctx context.Context, chatID int64, topicID int, text string, keyboard [][]Button) (int, error) {
	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return 0, err
	}

	params := tu.Message(tu.ID(chatID), Truncate(text))
	params.ParseMode = telego.ModeMarkdown
	if threadID := SendThreadID(topicID); threadID > 0 {
		params.MessageThreadID = threadID
	}
	if len(keyboard) > 0 {
		params.ReplyMarkup = buildKeyboard(keyboard)
	}

	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil && isParseError(err) {
		params.ParseMode = ""
		msg, err = c.bot.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageID, nil
}

// EditMessageText replaces a message's text and keyboard. Used to collapse
// pickers into a confirmation once a button is pressed.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]Button) error {
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      Truncate(text),
		ParseMode: telego.ModeMarkdown,
	}
	if len(keyboard) > 0 {
		params.ReplyMarkup = buildKeyboard(keyboard)
	}

	_, err := c.bot.EditMessageText(ctx, params)
	if err != nil && isParseError(err) {
		params.ParseMode = ""
		_, err = c.bot.EditMessageText(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// AnswerCallback confirms a button press. Failures are logged and dropped;
// expired callback queries are routine and not actionable.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	if err != nil {
		slog.Debug("telegram.answer_callback_failed", "error", err)
	}
}

// SendTyping emits a typing action. It lasts ~5s on Telegram's side; the
// forwarder refreshes it while an agent call is in flight. Unlike sends,
// the General topic id is accepted here.
func (c *Client) SendTyping(ctx context.Context, chatID int64, topicID int) {
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if topicID > 0 {
		action.MessageThreadID = topicID
	}
	if err := c.bot.SendChatAction(ctx, action); err != nil {
		slog.Debug("telegram.typing_failed", "chat", chatID, "error", err)
	}
}

// EditForumTopic renames a topic. Best effort; bots often lack the right.
func (c *Client) EditForumTopic(ctx context.Context, chatID int64, topicID int, name string) error {
	return c.bot.EditForumTopic(ctx, &telego.EditForumTopicParams{
		ChatID:          tu.ID(chatID),
		MessageThreadID: topicID,
		Name:            name,
	})
}

// limiter returns the per-chat send limiter, creating it on first use.
// 1 msg/s with burst 5 stays inside Telegram's per-chat allowance.
func (c *Client) limiter(chatID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1.0), 5)
		c.limiters[chatID] = lim
	}
	return lim
}

// buildKeyboard converts rows of buttons into Telegram reply markup.
func buildKeyboard(rows [][]Button) *telego.InlineKeyboardMarkup {
	keyboardRows := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tu.InlineKeyboardButton(b.Text).WithCallbackData(b.Data))
		}
		keyboardRows = append(keyboardRows, buttons)
	}
	return tu.InlineKeyboard(keyboardRows...)
}

// Truncate caps text under Telegram's message limit, appending a marker
// when it had to cut.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= truncateAt {
		return text
	}
	return string(runes[:truncateAt]) + truncationMarker
}

// SendThreadID maps a topic id to the value send/edit calls accept: the
// General topic must be omitted.
func SendThreadID(topicID int) int {
	if topicID == GeneralTopicID {
		return 0
	}
	return topicID
}

// isParseError detects the Bad Request Telegram returns for broken
// Markdown entities, the one case worth retrying as plain text.
func isParseError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") ||
		(strings.Contains(msg, "400") && strings.Contains(msg, "parse"))
}
