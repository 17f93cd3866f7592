package messages

import (
	"net/http"
	"strings"
	"time"

	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/plugin/route/routeutil"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/chirino/messenger-service/internal/service"
	"github.com/gin-gonic/gin"
)

// CursorLayout formats the ?before pagination cursor.
const CursorLayout = time.RFC3339Nano

// MountRoutes mounts the message routes of a conversation.
func MountRoutes(r *gin.Engine, svc *service.Messenger, store registrystore.MessengerStore, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/conversations/:conversationId", auth)

	g.GET("/messages", func(c *gin.Context) {
		listMessages(c, store, cfg)
	})
	g.POST("/messages", func(c *gin.Context) {
		sendMessage(c, svc)
	})
	g.PATCH("/messages/:messageId", func(c *gin.Context) {
		editMessage(c, svc)
	})
	g.DELETE("/messages", func(c *gin.Context) {
		deleteMessages(c, svc)
	})
	g.DELETE("/messages/all", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		deleted, err := svc.DeleteAllMessages(c.Request.Context(), security.GetUserID(c), id)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})
	g.POST("/read", func(c *gin.Context) {
		markRead(c, svc)
	})
	g.GET("/unread", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		n, err := store.UnreadCount(c.Request.Context(), security.GetUserID(c), id)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unreadCount": n})
	})
	g.GET("/search", func(c *gin.Context) {
		search(c, store, cfg)
	})
}

func listMessages(c *gin.Context, store registrystore.MessengerStore, cfg *config.Config) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(CursorLayout, raw)
		if err != nil {
			routeutil.BadRequest(c, "before", "before must be an RFC 3339 timestamp")
			return
		}
		before = &t
	}
	limit := cfg.ClampPageSize(routeutil.QueryInt(c, "limit", 0))

	msgs, err := store.ListMessages(c.Request.Context(), security.GetUserID(c), id, before, limit)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	// A full page may have older messages; the cursor is the oldest timestamp on it.
	var next *string
	if len(msgs) == limit {
		cursor := msgs[0].CreatedAt.UTC().Format(CursorLayout)
		next = &cursor
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs, "before": next})
}

func sendMessage(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req registrystore.MessageContent
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	msg, err := svc.SendMessage(c.Request.Context(), security.GetUserID(c), id, req)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func editMessage(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	messageID, ok := routeutil.MessageID(c)
	if !ok {
		return
	}
	var req registrystore.MessagePatch
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	msg, err := svc.EditMessage(c.Request.Context(), security.GetUserID(c), id, messageID, req)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

type messageIDsRequest struct {
	MessageIDs []int64 `json:"messageIds"`
}

func deleteMessages(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req messageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "messageIds", err.Error())
		return
	}
	deleted, err := svc.DeleteMessages(c.Request.Context(), security.GetUserID(c), id, req.MessageIDs)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func markRead(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req messageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "messageIds", err.Error())
		return
	}
	changed, err := svc.MarkRead(c.Request.Context(), security.GetUserID(c), id, req.MessageIDs)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if changed == nil {
		changed = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"readMessageIds": changed})
}

func search(c *gin.Context, store registrystore.MessengerStore, cfg *config.Config) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		routeutil.BadRequest(c, "q", "q is required")
		return
	}
	limit := cfg.ClampPageSize(routeutil.QueryInt(c, "limit", 0))
	msgs, err := store.SearchMessages(c.Request.Context(), security.GetUserID(c), id, q, limit)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}
