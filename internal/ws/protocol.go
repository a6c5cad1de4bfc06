package ws

import (
	"context"
	"strings"

	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/notify"
)

// Inbound request types.
const (
	RequestSubscribePresence = "subscribe_presence"
	RequestSubscribeTimeline = "subscribe_timeline"
	RequestSubscribeTyping   = "subscribe_typing"
	RequestUnsubscribe       = "unsubscribe"
	RequestSend              = "send"
	RequestEdit              = "edit"
	RequestDelete            = "delete"
	RequestClearMine         = "clear_mine"
	RequestTyping            = "typing"
	RequestLeave             = "leave"
	RequestVisibility        = "visibility"
	RequestLogout            = "logout"
)

// Outbound event types.
const (
	EventPresence = "presence"
	EventTimeline = "timeline"
	EventTyping   = "typing"
	EventAlert    = "alert"
	EventAck      = "ack"
	EventError    = "error"
)

// Request is a client frame. Ref is echoed back on the ack or error.
type Request struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Topic          string `json:"topic,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
	Text           string `json:"text,omitempty"`
	ImageRef       string `json:"image_ref,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	Visible        bool   `json:"visible,omitempty"`
}

// Event is a server frame.
type Event struct {
	Type           string                 `json:"type"`
	Ref            string                 `json:"ref,omitempty"`
	Topic          string                 `json:"topic,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Presence       *models.PresenceRecord `json:"presence,omitempty"`
	Messages       []models.Message       `json:"messages,omitempty"`
	Typing         *bool                  `json:"typing,omitempty"`
	Alert          *notify.Alert          `json:"alert,omitempty"`
	Message        *models.Message        `json:"message,omitempty"`
	Accepted       *bool                  `json:"accepted,omitempty"`
	Count          *int                   `json:"count,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

func PresenceTopic(userID string) string { return "presence:" + userID }

func TimelineTopic(conversationID string) string { return "timeline:" + conversationID }

func TypingTopic(conversationID, userID string) string {
	return "typing:" + conversationID + ":" + userID
}

func (c *Client) handleRequest(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	h := c.hub
	switch req.Type {
	case RequestSubscribePresence:
		if strings.TrimSpace(req.UserID) == "" {
			c.fail(req.Ref, models.Invalid("user id required"))
			return
		}
		sub, err := h.presence.Subscribe(ctx, req.UserID)
		if err != nil {
			c.fail(req.Ref, err)
			return
		}
		topic := PresenceTopic(req.UserID)
		subscribe(c, topic, sub, func(rec models.PresenceRecord) {
			c.enqueue(Event{Type: EventPresence, Topic: topic, UserID: rec.UserID, Presence: &rec})
		})
		c.ack(Event{Ref: req.Ref, Topic: topic})

	case RequestSubscribeTimeline:
		if !models.IsParticipant(req.ConversationID, c.userID) {
			c.fail(req.Ref, models.Forbidden("not a participant"))
			return
		}
		sub, err := h.timeline.Subscribe(ctx, req.ConversationID)
		if err != nil {
			c.fail(req.Ref, err)
			return
		}
		topic := TimelineTopic(req.ConversationID)
		conv := req.ConversationID
		viewer := notify.Subscriber{Key: string(c.handle), UserID: c.userID}
		subscribe(c, topic, sub, func(msgs []models.Message) {
			var (
				alert   notify.Alert
				alerted bool
			)
			// observe before delivering so the watermark is in place once
			// the client has seen this state
			if h.dispatcher != nil {
				alert, alerted = h.dispatcher.Observe(context.Background(), viewer, conv, msgs)
			}
			c.enqueue(Event{Type: EventTimeline, Topic: topic, ConversationID: conv, Messages: msgs})
			if alerted {
				c.enqueue(Event{Type: EventAlert, ConversationID: conv, Alert: &alert})
			}
		})
		c.setViewing(conv, true)
		c.ack(Event{Ref: req.Ref, Topic: topic})

	case RequestSubscribeTyping:
		if !models.IsParticipant(req.ConversationID, c.userID) || !models.IsParticipant(req.ConversationID, req.UserID) {
			c.fail(req.Ref, models.Forbidden("not a participant"))
			return
		}
		topic := TypingTopic(req.ConversationID, req.UserID)
		conv, user := req.ConversationID, req.UserID
		subscribe(c, topic, h.typing.Subscribe(conv, user), func(typing bool) {
			c.enqueue(Event{Type: EventTyping, Topic: topic, ConversationID: conv, UserID: user, Typing: &typing})
		})
		c.ack(Event{Ref: req.Ref, Topic: topic})

	case RequestUnsubscribe:
		if !c.unsubscribe(req.Topic) {
			c.fail(req.Ref, models.Missing("not found"))
			return
		}
		if conv, ok := strings.CutPrefix(req.Topic, "timeline:"); ok {
			c.setViewing(conv, false)
		}
		c.ack(Event{Ref: req.Ref, Topic: req.Topic})

	case RequestSend:
		m, accepted, err := h.chat.Send(ctx, req.ConversationID, c.userID, req.Text, req.ImageRef)
		if err != nil {
			c.fail(req.Ref, err)
			return
		}
		ev := Event{Ref: req.Ref, ConversationID: req.ConversationID, Accepted: &accepted}
		if accepted {
			ev.Message = &m
		}
		c.ack(ev)

	case RequestEdit:
		if err := h.chat.Edit(ctx, req.ConversationID, req.MessageID, c.userID, req.Text); err != nil {
			c.fail(req.Ref, err)
			return
		}
		c.ack(Event{Ref: req.Ref, ConversationID: req.ConversationID})

	case RequestDelete:
		if err := h.chat.Delete(ctx, req.ConversationID, req.MessageID, c.userID); err != nil {
			c.fail(req.Ref, err)
			return
		}
		c.ack(Event{Ref: req.Ref, ConversationID: req.ConversationID})

	case RequestClearMine:
		n, err := h.chat.ClearMine(ctx, req.ConversationID, c.userID)
		if err != nil {
			c.fail(req.Ref, err)
			return
		}
		c.ack(Event{Ref: req.Ref, ConversationID: req.ConversationID, Count: &n})

	case RequestTyping:
		if !models.IsParticipant(req.ConversationID, c.userID) {
			c.fail(req.Ref, models.Forbidden("not a participant"))
			return
		}
		if err := h.typing.SetTyping(req.ConversationID, c.userID, req.IsTyping); err != nil {
			c.fail(req.Ref, err)
			return
		}
		c.setViewing(req.ConversationID, true)

	case RequestLeave:
		h.typing.ClearOnLeave(req.ConversationID, c.userID)
		c.setViewing(req.ConversationID, false)
		c.ack(Event{Ref: req.Ref, ConversationID: req.ConversationID})

	case RequestVisibility:
		if h.dispatcher != nil {
			h.dispatcher.SetVisible(string(c.handle), req.Visible)
		}

	default:
		c.fail(req.Ref, models.Invalid("unknown event type"))
	}
}
