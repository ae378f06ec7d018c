package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/wastechat/internal/chat"
	"go.uber.org/zap"
)

type job struct {
	id       string
	chatID   string
	reply    Reply
	tokens   []string
	sent     int
	connects int
	done     bool
}

func newJob(chatID string, r Reply) *job {
	return &job{
		id:     "job_" + uuid.NewString(),
		chatID: chatID,
		reply:  r,
		tokens: strings.SplitAfter(r.Answer, " "),
	}
}

func (j *job) accumulated() string {
	return strings.Join(j.tokens[:j.sent], "")
}

// streamJob replays stages on the first connection, then tokens from where
// the previous connection stopped. A reconnecting client first gets a
// token_recovery with everything sent so far.
func (s *Server) streamJob(c *gin.Context) {
	s.mu.Lock()
	j, ok := s.jobs[c.Param("id")]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	j.connects++
	connects := j.connects
	recovered, completed, sent := j.accumulated(), j.done, j.sent
	s.mu.Unlock()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	send := func(event string, payload any) bool {
		if err := writeSSE(c.Writer, event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	log := s.logger.With(zap.String("job_id", j.id), zap.Int("connection", connects))

	if connects > 1 && (sent > 0 || completed) {
		if !send("token_recovery", gin.H{"accumulated": recovered, "completed": completed}) {
			return
		}
		log.Debug("recovery sent", zap.Int("tokens", sent))
		if completed {
			return
		}
	}
	if connects == 1 {
		for _, stage := range j.reply.Stages {
			if !send(stage, gin.H{"stage": stage, "status": "running"}) {
				return
			}
		}
	}

	ctx := c.Request.Context()
	for i := sent; i < len(j.tokens); i++ {
		if connects == 1 && s.opts.DropAfter > 0 && i == s.opts.DropAfter {
			log.Debug("dropping connection", zap.Int("after", i))
			return
		}
		if s.opts.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.TokenDelay):
			}
		}
		if !send("token", gin.H{"content": j.tokens[i]}) {
			return
		}
		s.mu.Lock()
		if j.sent < i+1 {
			j.sent = i + 1
		}
		s.mu.Unlock()
	}

	if j.reply.Fail != "" {
		s.finishJob(j, nil)
		send("done", gin.H{"status": "failed", "message": j.reply.Fail})
		return
	}
	msg := chat.ServerMessage{ID: "msg_" + uuid.NewString(), Role: chat.RoleAssistant, Content: j.reply.Answer}
	s.finishJob(j, &msg)
	send("done", gin.H{
		"status": "completed",
		"result": gin.H{"answer": j.reply.Answer, "message_id": msg.ID},
	})
	log.Debug("job completed")
}

// finishJob marks j done and commits the assistant message once.
func (s *Server) finishJob(j *job, m *chat.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.done {
		return
	}
	j.done = true
	j.sent = len(j.tokens)
	if m == nil {
		return
	}
	if cs, ok := s.chats[j.chatID]; ok {
		m.CreatedAt = s.now()
		s.appendLocked(cs, *m)
	}
}

// JobConnections reports how many times the stream of a job was opened.
func (s *Server) JobConnections(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.connects
	}
	return 0
}

// JobCount reports how many jobs were started.
func (s *Server) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
