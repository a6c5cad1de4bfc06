package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// DeletedText replaces the text of a soft-deleted message.
const DeletedText = "This message was deleted"

// ImageNotificationBody is the notification body for image-only messages.
const ImageNotificationBody = "Sent an image"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID              int64     `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	Text            string    `json:"text"`
	ImageRef        string    `json:"image_ref,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Edited          bool      `json:"edited"`
	Deleted         bool      `json:"deleted"`
}

// Before reports whether m sorts before other in timeline order.
func (m Message) Before(other Message) bool {
	if !m.ServerTimestamp.Equal(other.ServerTimestamp) {
		return m.ServerTimestamp.Before(other.ServerTimestamp)
	}
	return m.ID < other.ID
}

// SortMessages orders messages by (server timestamp, id).
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// ConversationSeparator joins the two participant ids of a conversation.
// User ids must not contain it.
const ConversationSeparator = "_"

// ConversationID returns the canonical id shared by both participants.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ConversationSeparator)
}

// Participants splits a canonical conversation id back into its two user ids.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, ConversationSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, ConversationSeparator) {
		return "", "", false
	}
	return a, b, true
}

// IsParticipant reports whether userID is one of the conversation's participants.
func IsParticipant(conversationID, userID string) bool {
	a, b, ok := Participants(conversationID)
	return ok && (a == userID || b == userID)
}
