package attachments

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/plugin/route/routeutil"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/chirino/messenger-service/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts conversation-scoped attachment upload and download.
func MountRoutes(r *gin.Engine, svc *service.Messenger, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/conversations/:conversationId/attachments", auth)
	g.POST("", func(c *gin.Context) {
		upload(c, svc, cfg)
	})
	g.GET("/:kind/:filename", func(c *gin.Context) {
		download(c, svc)
	})
}

func upload(c *gin.Context, svc *service.Messenger, cfg *config.Config) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	kind, ok := model.ParseAttachmentKind(c.PostForm("kind"))
	if !ok {
		routeutil.BadRequest(c, "kind", "kind must be one of image, voice, file")
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		routeutil.BadRequest(c, "file", "file is required")
		return
	}
	defer file.Close()

	filename, err := svc.UploadAttachment(c.Request.Context(), security.GetUserID(c), id, kind, header.Filename, file, cfg.AttachmentMaxSize)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"kind": kind, "filename": filename})
}

func download(c *gin.Context, svc *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	kind, ok := model.ParseAttachmentKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "attachment not found"})
		return
	}
	filename := c.Param("filename")
	body, err := svc.OpenAttachment(c.Request.Context(), security.GetUserID(c), id, kind, filename)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "private, max-age=3600")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		log.Warn("Attachment download interrupted", "conversation", id, "filename", filename, "err", err)
	}
}
