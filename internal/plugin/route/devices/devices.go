package devices

import (
	"net/http"
	"strings"

	"github.com/chirino/messenger-service/internal/plugin/route/routeutil"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/chirino/messenger-service/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts registration of the caller's push device token.
func MountRoutes(r *gin.Engine, svc *service.Messenger, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)
	g.PUT("/push-token", func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
			routeutil.BadRequest(c, "token", "token is required")
			return
		}
		if err := svc.SetPushToken(c.Request.Context(), security.GetUserID(c), strings.TrimSpace(req.Token)); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.DELETE("/push-token", func(c *gin.Context) {
		if err := svc.DeletePushToken(c.Request.Context(), security.GetUserID(c)); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
