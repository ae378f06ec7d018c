// Package api implements the daemon's control service: the surface through
// which the CLI drives the send pipeline and watches its events.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/pipeline"
	"github.com/matheus3301/wastechat/internal/status"
	"github.com/matheus3301/wastechat/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamState is the read side of the stream connection manager.
type StreamState interface {
	State() status.State
	Stage() string
	JobID() string
}

// ChatDirectory is the chat REST surface not owned by the pipeline.
type ChatDirectory interface {
	ListChats(ctx context.Context) ([]chat.Summary, error)
	DeleteChat(ctx context.Context, chatID string) error
	UpdateChatTitle(ctx context.Context, chatID, title string) (*chat.Summary, error)
}

// Options wire a Service.
type Options struct {
	Profile  string
	Pipeline *pipeline.Pipeline
	Stream   StreamState
	Store    *store.Store
	Chats    ChatDirectory
	Bus      *bus.Bus
	Cleanup  store.CleanupOptions
	Logger   *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	profile   string
	startedAt time.Time
	pipeline  *pipeline.Pipeline
	stream    StreamState
	store     *store.Store
	chats     ChatDirectory
	bus       *bus.Bus
	cleanup   store.CleanupOptions
	logger    *zap.Logger

	done     chan struct{}
	shutdown sync.Once
}

var _ ControlServer = (*Service)(nil)

// New creates the control service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   opts.Profile,
		startedAt: time.Now(),
		pipeline:  opts.Pipeline,
		stream:    opts.Stream,
		store:     opts.Store,
		chats:     opts.Chats,
		bus:       opts.Bus,
		cleanup:   opts.Cleanup,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Shutdown ends every open Watch stream.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() { close(s.done) })
}

func reply(v map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.pipeline.State()
	out := map[string]any{
		"profile":         s.profile,
		"uptime_ms":       time.Since(s.startedAt).Milliseconds(),
		"chat_id":         st.ChatID,
		"streaming":       st.Streaming,
		"loading":         st.Loading,
		"loading_history": st.LoadingHistory,
		"history_loaded":  st.HistoryLoaded,
		"has_more":        st.HasMore,
		"messages":        st.Messages,
		"queued":          st.Queued,
		"stream": map[string]any{
			"state":  string(s.stream.State()),
			"busy":   s.stream.State().Busy(),
			"stage":  s.stream.Stage(),
			"job_id": s.stream.JobID(),
		},
		"store": statsValue(s.store.GetStats(ctx)),
	}
	if st.LastError != nil {
		out["last_error"] = errorValue(st.LastError)
	}
	return reply(out)
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	queued, err := s.pipeline.Submit(ctx, pipeline.SendInput{
		Content:   str(in, "content"),
		ImagePath: str(in, "image_path"),
		ImageURL:  str(in, "image_url"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"queued": queued, "chat_id": s.pipeline.ChatID()})
}

func (s *Service) Messages(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{
		"chat_id":  s.pipeline.ChatID(),
		"messages": messagesValue(s.pipeline.Messages()),
	})
}

func (s *Service) Queue(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{"queue": queueValue(s.pipeline.Queue())})
}

func (s *Service) RemoveQueued(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	return reply(map[string]any{"removed": s.pipeline.RemoveQueued(id)})
}

func (s *Service) SendQueued(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	queued, err := s.pipeline.SendQueued(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"queued": queued})
}

func (s *Service) Regenerate(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	id := str(in, "id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	if err := s.pipeline.Regenerate(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) Stop(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.pipeline.Stop()
	return &emptypb.Empty{}, nil
}

func (s *Service) NewChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	summary, err := s.pipeline.NewChat(ctx, str(in, "title"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(summaryValue(*summary))
}

func (s *Service) OpenChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID := str(in, "chat_id")
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	if err := s.pipeline.SwitchChat(ctx, chatID); err != nil {
		return nil, toStatus(err)
	}
	st := s.pipeline.State()
	return reply(map[string]any{
		"chat_id":  st.ChatID,
		"messages": st.Messages,
		"has_more": st.HasMore,
	})
}

func (s *Service) LoadOlder(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	added, err := s.pipeline.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"added": added, "has_more": s.pipeline.State().HasMore})
}

func (s *Service) ListChats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	chats, err := s.chats.ListChats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, len(chats))
	for i, c := range chats {
		list[i] = summaryValue(c)
	}
	return reply(map[string]any{"chats": list})
}

func (s *Service) RenameChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, title := str(in, "chat_id"), str(in, "title")
	if chatID == "" || title == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id and title are required")
	}
	summary, err := s.chats.UpdateChatTitle(ctx, chatID, title)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(summaryValue(*summary))
}

// DeleteChat deletes a chat on the backend and its local records. The open
// chat cannot be deleted.
func (s *Service) DeleteChat(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	chatID := str(in, "chat_id")
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	if chatID == s.pipeline.ChatID() {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "chat is open")
	}
	if err := s.chats.DeleteChat(ctx, chatID); err != nil {
		return nil, toStatus(err)
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("chat deleted", zap.String("chat_id", chatID))
	return &emptypb.Empty{}, nil
}

// Cleanup evicts local records of one chat, or of all chats when chat_id is
// empty.
func (s *Service) Cleanup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.store.Cleanup(ctx, str(in, "chat_id"), s.cleanup)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"deleted": n})
}

// Clear wipes the local store.
func (s *Service) Clear(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.store.Clear(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("local store cleared")
	return &emptypb.Empty{}, nil
}

// Watch streams bus events whose kind starts with the requested namespace.
func (s *Service) Watch(in *structpb.Struct, stream WatchServer) error {
	ch, unsub := s.bus.Subscribe(str(in, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			v, err := eventValue(evt)
			if err != nil {
				s.logger.Warn("unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(v); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}
