package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/store"
	"github.com/matheus3301/wastechat/internal/stream"
)

// fakeBackend records calls. SendMessage blocks while gate is non-nil and open.
type fakeBackend struct {
	mu        sync.Mutex
	chats     int
	sent      []backend.SendRequest
	pages     map[string]*backend.ChatDetail
	gate      chan struct{}
	entered   chan struct{}
	sendErr   error
	uploadErr error
	noUserID  bool
}

func (f *fakeBackend) CreateChat(ctx context.Context, title string) (*chat.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats++
	return &chat.Summary{ID: fmt.Sprintf("chat-%d", f.chats), Title: title}, nil
}

func (f *fakeBackend) GetChat(ctx context.Context, chatID, cursor string, limit int) (*backend.ChatDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.pages[chatID+"|"+cursor]
	if !ok {
		return nil, &backend.HTTPError{Method: "GET", Path: "/api/chats/" + chatID, StatusCode: 404}
	}
	return d, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, chatID string, req backend.SendRequest) (*backend.SendResponse, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	n := len(f.sent)
	resp := &backend.SendResponse{JobID: fmt.Sprintf("job-%d", n)}
	if !f.noUserID {
		resp.UserMessageID = fmt.Sprintf("srv-user-%d", n)
	}
	return resp, nil
}

func (f *fakeBackend) UploadImage(ctx context.Context, path string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "https://cdn.test/" + filepath.Base(path), nil
}

func (f *fakeBackend) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, r := range f.sent {
		out[i] = r.Message
	}
	return out
}

// fakeStreamer behaves like stream.Manager from the pipeline's point of view:
// handlers run outside its lock, OnDone before OnStreamingChange(false).
type fakeStreamer struct {
	mu         sync.Mutex
	h          stream.Handlers
	streaming  bool
	jobs       []string
	connectErr error
}

func (f *fakeStreamer) SetHandlers(h stream.Handlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *fakeStreamer) Connect(jobID string) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.jobs = append(f.jobs, jobID)
	was := f.streaming
	f.streaming = true
	h := f.h
	f.mu.Unlock()
	if !was && h.OnStreamingChange != nil {
		h.OnStreamingChange(true)
	}
	return nil
}

func (f *fakeStreamer) Disconnect() {
	f.mu.Lock()
	was := f.streaming
	f.streaming = false
	h := f.h
	f.mu.Unlock()
	if was && h.OnStreamingChange != nil {
		h.OnStreamingChange(false)
	}
}

func (f *fakeStreamer) IsStreaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming
}

func (f *fakeStreamer) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeStreamer) lastJob() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return ""
	}
	return f.jobs[len(f.jobs)-1]
}

func (f *fakeStreamer) token(text string) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnToken(text)
}

// finish ends the current job the way the manager does.
func (f *fakeStreamer) finish(res stream.Result) {
	f.mu.Lock()
	res.JobID = f.jobs[len(f.jobs)-1]
	f.streaming = false
	h := f.h
	f.mu.Unlock()
	h.OnDone(res)
	h.OnStreamingChange(false)
}

func (f *fakeStreamer) complete(answer string) {
	f.finish(stream.Result{
		Status:  stream.StatusCompleted,
		Text:    answer,
		Payload: []byte(fmt.Sprintf(`{"answer":%q,"message_id":"srv-%s"}`, answer, f.lastJob())),
	})
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	p  *Pipeline
	be *fakeBackend
	st *fakeStreamer
	db *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{be: &fakeBackend{}, st: &fakeStreamer{}, db: testStore(t)}
	h.p = New(h.be, h.st, h.db, Options{PageSize: 2})
	t.Cleanup(func() { _ = h.p.Close() })
	return h
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
