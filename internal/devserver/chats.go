package devserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/chat"
)

const defaultPageSize = 50

func (s *Server) listChats(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Summary, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.chats[s.order[i]].summary)
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (s *Server) createChat(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Title == "" {
		req.Title = "New chat"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cs := &chatState{summary: chat.Summary{
		ID:        "chat_" + uuid.NewString(),
		Title:     req.Title,
		CreatedAt: now,
	}}
	s.chats[cs.summary.ID] = cs
	s.order = append(s.order, cs.summary.ID)
	c.JSON(http.StatusCreated, cs.summary)
}

// getChat returns a page ending at cursor (exclusive), newest page first.
func (s *Server) getChat(c *gin.Context) {
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	end := len(cs.messages)
	if v := c.Query("cursor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > len(cs.messages) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		end = n
	}
	start := max(0, end-limit)

	detail := backend.ChatDetail{
		Chat:     cs.summary,
		Messages: append([]chat.ServerMessage{}, cs.messages[start:end]...),
		HasMore:  start > 0,
	}
	if start > 0 {
		detail.NextCursor = strconv.Itoa(start)
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) updateChat(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	cs.summary.Title = req.Title
	c.JSON(http.StatusOK, cs.summary)
}

func (s *Server) deleteChat(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	delete(s.chats, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req backend.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Message == "" && req.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "message or image required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	user := chat.ServerMessage{
		ID:        "msg_" + uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   req.Message,
		ImageURL:  req.ImageURL,
		CreatedAt: s.now(),
	}
	s.appendLocked(cs, user)

	j := newJob(cs.summary.ID, s.opts.Responder(req.Message, req.ImageURL != ""))
	s.jobs[j.id] = j
	c.JSON(http.StatusAccepted, backend.SendResponse{JobID: j.id, UserMessageID: user.ID})
}

func (s *Server) appendLocked(cs *chatState, m chat.ServerMessage) {
	cs.messages = append(cs.messages, m)
	cs.summary.MessageCount = len(cs.messages)
	cs.summary.LastMessageAt = m.CreatedAt
	cs.summary.Preview = m.Content
	if len(cs.summary.Preview) > 80 {
		cs.summary.Preview = cs.summary.Preview[:80]
	}
}

// Messages returns a copy of a chat's committed history.
func (s *Server) Messages(chatID string) []chat.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return append([]chat.ServerMessage(nil), cs.messages...)
}

// Seed adds a chat with pre-existing history and returns its id.
func (s *Server) Seed(title string, msgs ...chat.ServerMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := &chatState{summary: chat.Summary{ID: "chat_" + uuid.NewString(), Title: title, CreatedAt: s.now()}}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = "msg_" + uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		s.appendLocked(cs, m)
	}
	s.chats[cs.summary.ID] = cs
	s.order = append(s.order, cs.summary.ID)
	return cs.summary.ID
}
