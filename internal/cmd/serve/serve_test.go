package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingRequest(t *testing.T) {
	t.Run("multipart attachment upload is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/42/attachments", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.True(t, isStreamingRequest(req))
	})

	t.Run("json body on the attachment path is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/42/attachments", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isStreamingRequest(req))
	})

	t.Run("attachment download is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations/42/attachments", nil)
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.False(t, isStreamingRequest(req))
	})

	t.Run("message send is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/42/messages", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.False(t, isStreamingRequest(req))
	})
}

func TestMaxBodySizeMiddleware_SkipsForMultipartAttachmentUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations/:conversationId/attachments", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/7/attachments", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesForNonStreamingEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations/:conversationId/messages", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/7/messages", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
