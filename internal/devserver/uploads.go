package devserver

import (
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/wastechat/internal/backend"
)

const (
	uploadTokenHeader = "X-Upload-Token"
	maxUploadSize     = 10 << 20
)

type upload struct {
	token       string
	contentType string
	data        []byte
}

func (s *Server) presign(c *gin.Context) {
	var req backend.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Filename == "" || req.ContentType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename and content_type required"})
		return
	}
	key := uuid.NewString() + path.Ext(req.Filename)
	token := uuid.NewString()

	s.mu.Lock()
	s.uploads[key] = &upload{token: token, contentType: req.ContentType}
	s.mu.Unlock()

	base := baseURL(c)
	c.JSON(http.StatusOK, backend.Presign{
		Key:             key,
		UploadURL:       base + "/uploads/" + key,
		CDNURL:          base + "/cdn/" + key,
		ExpiresIn:       900,
		RequiredHeaders: map[string]string{uploadTokenHeader: token},
	})
}

func (s *Server) putUpload(c *gin.Context) {
	key := c.Param("key")
	s.mu.Lock()
	u, ok := s.uploads[key]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload"})
		return
	}
	if c.GetHeader(uploadTokenHeader) != u.token {
		c.JSON(http.StatusForbidden, gin.H{"error": "bad upload token"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadSize+1))
	if err != nil || len(data) > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	s.mu.Lock()
	u.data = data
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

func (s *Server) getUpload(c *gin.Context) {
	s.mu.Lock()
	u, ok := s.uploads[c.Param("key")]
	var data []byte
	var ct string
	if ok {
		data, ct = u.data, u.contentType
	}
	s.mu.Unlock()
	if !ok || data == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Data(http.StatusOK, ct, data)
}
