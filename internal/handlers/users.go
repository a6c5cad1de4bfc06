package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/peyk/internal/chat"
	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/internal/models"
)

// UserDirectory lists registered users.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// PresenceReader reports the live presence of users.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (models.PresenceRecord, error)
	GetOnlineCount(ctx context.Context, userIDs []string) int
}

// PushStore keeps browser push subscriptions.
type PushStore interface {
	SavePushSubscription(ctx context.Context, userID string, sub db.PushSubscription) error
}

type UserHandler struct {
	users          UserDirectory
	presence       PresenceReader
	chat           *chat.Service
	push           PushStore
	vapidPublicKey string
}

func NewUserHandler(users UserDirectory, presence PresenceReader, chatSvc *chat.Service, push PushStore, vapidPublicKey string) *UserHandler {
	return &UserHandler{
		users:          users,
		presence:       presence,
		chat:           chatSvc,
		push:           push,
		vapidPublicKey: vapidPublicKey,
	}
}

type UserWithPresence struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type UpdateProfileRequest struct {
	Username string `json:"username" binding:"required"`
}

type PushSubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

func (h *UserHandler) withPresence(ctx context.Context, u models.User) UserWithPresence {
	out := UserWithPresence{ID: u.ID, Username: u.Username}
	rec, err := h.presence.Get(ctx, u.ID)
	if err != nil {
		rec = models.PresenceRecord{Online: u.Online, LastSeen: u.LastSeen}
	}
	out.Online = rec.Online
	if !rec.LastSeen.IsZero() {
		out.LastSeen = &rec.LastSeen
	}
	return out
}

// GetUsers lists every user except the caller, optionally filtered by q
func (h *UserHandler) GetUsers(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	search := strings.ToLower(strings.TrimSpace(c.Query("q")))

	all, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	users := []UserWithPresence{}
	for _, u := range all {
		if u.ID == userID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Username), search) {
			continue
		}
		users = append(users, h.withPresence(c.Request.Context(), u))
	}

	c.JSON(http.StatusOK, users)
}

// GetOnlineCount counts online users among ids, or among all users
func (h *UserHandler) GetOnlineCount(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		all, err := h.users.ListUsers(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		for _, u := range all {
			ids = append(ids, u.ID)
		}
	}

	c.JSON(http.StatusOK, gin.H{"count": h.presence.GetOnlineCount(c.Request.Context(), ids)})
}

// GetMyProfile returns the current user's profile
func (h *UserHandler) GetMyProfile(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.withPresence(c.Request.Context(), user))
}

// UpdateProfile renames the current user
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	name, err := h.chat.Rename(c.Request.Context(), userID, req.Username)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "username": name})
}

// GetVAPIDPublicKey returns the key browsers subscribe with
func (h *UserHandler) GetVAPIDPublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": __("push notifications are disabled")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

// SubscribePush stores a browser push subscription for the current user
func (h *UserHandler) SubscribePush(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if h.vapidPublicKey == "" || h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": __("push notifications are disabled")})
		return
	}

	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	sub := db.PushSubscription{Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth}
	if err := h.push.SavePushSubscription(c.Request.Context(), userID, sub); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to save push subscription")})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}
