// Package devserver is an in-memory fake of the chat backend. It speaks the
// same REST and job event stream protocol and is used for local runs and
// end to end tests.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/wastechat/internal/chat"
	"go.uber.org/zap"
)

// Reply is what the fake pipeline produces for one user message.
type Reply struct {
	Stages []string
	Answer string
	// Fail makes the job end with a failed done event carrying this message.
	Fail string
}

// Responder builds the reply to a user message.
type Responder func(message string, hasImage bool) Reply

// Options configure a Server.
type Options struct {
	Responder Responder
	// DropAfter cuts the first connection of every job after that many
	// tokens, so clients exercise reconnect and token_recovery.
	DropAfter  int
	TokenDelay time.Duration
	// Token, when set, is the bearer token every /api call must carry.
	Token  string
	Logger *zap.Logger
}

// Server is the fake backend.
type Server struct {
	opts   Options
	logger *zap.Logger
	router *gin.Engine

	mu      sync.Mutex
	chats   map[string]*chatState
	order   []string
	jobs    map[string]*job
	uploads map[string]*upload
	now     func() time.Time
}

type chatState struct {
	summary  chat.Summary
	messages []chat.ServerMessage
}

// New builds a server with routes registered.
func New(opts Options) *Server {
	if opts.Responder == nil {
		opts.Responder = DefaultResponder
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:    opts,
		logger:  logger,
		router:  gin.New(),
		chats:   make(map[string]*chatState),
		jobs:    make(map[string]*job),
		uploads: make(map[string]*upload),
		now:     monotonicClock(),
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.Use(s.requireToken())
	api.GET("/chats", s.listChats)
	api.POST("/chats", s.createChat)
	api.GET("/chats/:id", s.getChat)
	api.PATCH("/chats/:id", s.updateChat)
	api.DELETE("/chats/:id", s.deleteChat)
	api.POST("/chats/:id/messages", s.sendMessage)
	api.GET("/jobs/:id/stream", s.streamJob)
	api.POST("/uploads/presign", s.presign)

	s.router.PUT("/uploads/:key", s.putUpload)
	s.router.GET("/cdn/:key", s.getUpload)
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.opts.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Next()
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("devserver listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devserver: %w", err)
	}
	return nil
}

// DefaultResponder answers every message with a canned sorting tip.
func DefaultResponder(message string, hasImage bool) Reply {
	stages := []string{"queued", "intent", "waste_rag", "answer"}
	if hasImage {
		stages = []string{"queued", "intent", "vision", "waste_rag", "answer"}
	}
	subject := strings.TrimSpace(message)
	if subject == "" {
		subject = "this item"
	}
	return Reply{
		Stages: stages,
		Answer: fmt.Sprintf("For %s: rinse it, check the label and put it in the matching bin.", subject),
	}
}

// monotonicClock returns strictly increasing timestamps so history order is
// stable even when messages are created within the same millisecond.
func monotonicClock() func() time.Time {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now().Truncate(time.Millisecond)
		if !now.After(last) {
			now = last.Add(time.Millisecond)
		}
		last = now
		return now
	}
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}
