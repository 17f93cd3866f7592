package realtime

import (
	"github.com/chirino/messenger-service/internal/realtime"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the websocket endpoint. Browsers cannot set headers on
// upgrades, so auth also accepts ?token=.
func MountRoutes(r *gin.Engine, handler *realtime.Handler, auth gin.HandlerFunc) {
	r.GET("/v1/realtime", auth, handler.Serve)
}
