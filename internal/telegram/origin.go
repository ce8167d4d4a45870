package telegram

import "github.com/mymmrac/telego"

// Origin locates the message a callback query was attached to.
type Origin struct {
	ChatID    int64
	MessageID int
	TopicID   int
	IsForum   bool
}

// CallbackOrigin extracts the originating chat, message and topic of a
// callback query. Telegram may report the message as inaccessible when it
// is too old, in which case only chat and message ids are available.
func CallbackOrigin(q *telego.CallbackQuery) (Origin, bool) {
	if q == nil || q.Message == nil {
		return Origin{}, false
	}
	origin := Origin{
		ChatID:    q.Message.GetChat().ID,
		MessageID: q.Message.GetMessageID(),
	}
	if msg, ok := q.Message.(*telego.Message); ok {
		origin.IsForum = msg.Chat.IsForum
		origin.TopicID = topicOf(msg)
	}
	return origin, true
}

// TopicOf resolves which topic a message belongs to. Messages in the
// General topic of a forum arrive without a thread id, so the forum flag
// on the chat decides between "no topic" and "General".
func TopicOf(msg *telego.Message) int {
	if msg == nil {
		return 0
	}
	return topicOf(msg)
}

func topicOf(msg *telego.Message) int {
	if msg.MessageThreadID != 0 {
		return msg.MessageThreadID
	}
	if msg.Chat.IsForum {
		return GeneralTopicID
	}
	return 0
}
