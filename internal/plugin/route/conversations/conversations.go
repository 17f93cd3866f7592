package conversations

import (
	"net/http"
	"strings"

	"github.com/chirino/messenger-service/internal/plugin/route/routeutil"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/chirino/messenger-service/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts dialog, group, membership, settings and key routes.
// Reads go to the store; writes go through the messenger so they are audited.
func MountRoutes(r *gin.Engine, svc *service.Messenger, store registrystore.MessengerStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations", func(c *gin.Context) {
		list, err := store.ListConversations(c.Request.Context(), security.GetUserID(c))
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		if list == nil {
			list = []registrystore.ConversationDetail{}
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	})
	g.POST("/dialogs", func(c *gin.Context) {
		createDialog(c, svc)
	})
	g.POST("/groups", func(c *gin.Context) {
		createGroup(c, svc)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		detail, err := store.GetConversation(c.Request.Context(), security.GetUserID(c), id)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	})
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) {
		renameGroup(c, svc)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		if err := svc.DeleteConversation(c.Request.Context(), security.GetUserID(c), id); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.PATCH("/conversations/:conversationId/settings", func(c *gin.Context) {
		updateSettings(c, svc)
	})
	g.POST("/conversations/:conversationId/members", func(c *gin.Context) {
		addMember(c, svc)
	})
	g.DELETE("/conversations/:conversationId/members/:userId", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		if err := svc.RemoveMember(c.Request.Context(), security.GetUserID(c), id, c.Param("userId")); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.GET("/conversations/:conversationId/key", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		key, err := store.GetMemberKey(c.Request.Context(), security.GetUserID(c), id)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key})
	})
	g.PUT("/conversations/:conversationId/key", func(c *gin.Context) {
		setKey(c, svc)
	})
	g.DELETE("/conversations/:conversationId/key", func(c *gin.Context) {
		id, ok := routeutil.ConversationID(c)
		if !ok {
			return
		}
		if err := svc.DeleteMemberKey(c.Request.Context(), security.GetUserID(c), id); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func createDialog(c *gin.Context, svc *service.Messenger) {
	var req struct {
		PeerUserID string `json:"peerUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PeerUserID) == "" {
		routeutil.BadRequest(c, "peerUserId", "peerUserId is required")
		return
	}
	detail, err := svc.CreateDialog(c.Request.Context(), security.GetUserID(c), strings.TrimSpace(req.PeerUserID))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func createGroup(c *gin.Context, svc *service.Messenger) {
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	detail, err := svc.CreateGroup(c.Request.Context(), security.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func renameGroup(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	conv, err := svc.RenameGroup(c.Request.Context(), security.GetUserID(c), id, req.Name)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func updateSettings(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req registrystore.ConversationSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	conv, err := svc.UpdateSettings(c.Request.Context(), security.GetUserID(c), id, req)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func addMember(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		routeutil.BadRequest(c, "userId", "userId is required")
		return
	}
	member, err := svc.AddMember(c.Request.Context(), security.GetUserID(c), id, strings.TrimSpace(req.UserID))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func setKey(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req struct {
		Key []byte `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Key) == 0 {
		routeutil.BadRequest(c, "key", "key must be non-empty base64")
		return
	}
	if err := svc.SetMemberKey(c.Request.Context(), security.GetUserID(c), id, req.Key); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
