package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/peyk/internal/chat"
	"github.com/4xmen/peyk/internal/models"
)

type MessageHandler struct {
	chat *chat.Service
}

func NewMessageHandler(chatSvc *chat.Service) *MessageHandler {
	return &MessageHandler{chat: chatSvc}
}

type SendMessageRequest struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref"`
}

type EditMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// conversation resolves the conversation between the caller and :peer.
func (h *MessageHandler) conversation(c *gin.Context) (userID, conversationID string, ok bool) {
	userID, ok = currentUser(c)
	if !ok {
		return "", "", false
	}
	conversationID, err := h.chat.OpenConversation(userID, c.Param("peer"))
	if err != nil {
		respondError(c, err)
		return "", "", false
	}
	return userID, conversationID, true
}

func messageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid message id")})
		return 0, false
	}
	return id, true
}

// GetMessages returns the ordered timeline shared with :peer
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}

	messages, err := h.chat.Messages(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "messages": messages})
}

// SendMessage appends a message unless the sender is throttled
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	msg, accepted, err := h.chat.Send(c.Request.Context(), conversationID, userID, req.Text, req.ImageRef)
	if err != nil {
		respondError(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// EditMessage replaces the text of one of the caller's messages
func (h *MessageHandler) EditMessage(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}
	id, ok := messageID(c)
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := h.chat.Edit(c.Request.Context(), conversationID, id, userID, req.Text); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// DeleteMessage soft-deletes one of the caller's messages
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}
	id, ok := messageID(c)
	if !ok {
		return
	}

	if err := h.chat.Delete(c.Request.Context(), conversationID, id, userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ClearMyMessages soft-deletes every message the caller sent to :peer
func (h *MessageHandler) ClearMyMessages(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}

	n, err := h.chat.ClearMine(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "count": n})
}

// Suggest proposes a reply to the latest messages. An empty suggestion
// means none is available.
func (h *MessageHandler) Suggest(c *gin.Context) {
	userID, conversationID, ok := h.conversation(c)
	if !ok {
		return
	}

	suggestion, err := h.chat.Suggest(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"suggestion": suggestion})
}
