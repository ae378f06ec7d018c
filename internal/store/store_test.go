package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wastechat/internal/chat"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// at pins the store clock.
func at(s *Store, ts time.Time) {
	s.now = func() time.Time { return ts }
}

func msg(clientID string, status chat.Status, created int64) chat.Message {
	return chat.Message{
		ClientID:  clientID,
		Role:      chat.RoleUser,
		Content:   "content " + clientID,
		Status:    status,
		CreatedAt: time.UnixMilli(created),
	}
}

func TestInitConcurrentCallersShareOneHandle(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "test.db"), nil)
	t.Cleanup(func() { _ = s.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	}
	first := s.handle()
	if first == nil {
		t.Fatal("handle is nil after Init")
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.handle() != first {
		t.Error("repeated Init replaced the handle")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testStore(t)

	result, err := migrateDB(s.handle())
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second migrate should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestSchemaHasIndexes(t *testing.T) {
	s := testStore(t)

	want := []string{
		"idx_messages_chat",
		"idx_messages_chat_created",
		"idx_messages_status",
		"idx_messages_synced",
		"idx_messages_local_timestamp",
	}
	for _, name := range want {
		var n int
		err := s.handle().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("index %s missing", name)
		}
	}
}

func TestGetMessagesOrderedByCreatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessages(ctx, "chat-1", []chat.Message{
		msg("c3", chat.StatusPending, 3000),
		msg("c1", chat.StatusPending, 1000),
		msg("c2", chat.StatusPending, 2000),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "chat-2", msg("other", chat.StatusPending, 500)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		if got[i].ClientID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ClientID, id)
		}
		if got[i].ChatID != "chat-1" {
			t.Errorf("got[%d].ChatID = %s", i, got[i].ChatID)
		}
	}
}

func TestSaveMessageUpsertsByClientID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	at(s, time.UnixMilli(10_000))
	m := msg("c1", chat.StatusStreaming, 1000)
	m.Role = chat.RoleAssistant
	if err := s.SaveMessage(ctx, "chat", m); err != nil {
		t.Fatal(err)
	}

	at(s, time.UnixMilli(20_000))
	m.Content = "final answer"
	m.Status = chat.StatusCommitted
	m.ServerID = "srv-1"
	m.CreatedAt = time.UnixMilli(9999)
	if err := s.SaveMessage(ctx, "chat", m); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (upsert)", len(msgs))
	}
	r := msgs[0]
	if r.Content != "final answer" || r.Status != chat.StatusCommitted {
		t.Errorf("record = %+v, want committed final answer", r)
	}
	if !r.Synced {
		t.Error("synced = false, want true for committed message with server id")
	}
	if r.ID() != "srv-1" {
		t.Errorf("ID() = %q, want srv-1", r.ID())
	}
	if r.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("created_at = %d, want 1000 (kept from first write)", r.CreatedAt.UnixMilli())
	}
	if r.LocalTimestamp.UnixMilli() != 20_000 {
		t.Errorf("local_timestamp = %d, want 20000", r.LocalTimestamp.UnixMilli())
	}
}

func TestCommittedWithoutServerIDIsNotSynced(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "chat", msg("c1", chat.StatusCommitted, 1)); err != nil {
		t.Fatal(err)
	}
	r, err := s.GetMessage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Synced {
		t.Errorf("record = %+v, want unsynced", r)
	}
}

func TestSaveRejectsEmptyIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "", msg("c1", chat.StatusPending, 1)); err == nil {
		t.Error("expected error for empty chat id")
	}
	if err := s.SaveMessage(ctx, "chat", msg("", chat.StatusPending, 1)); err == nil {
		t.Error("expected error for empty client id")
	}
}

func TestGetMessageMissing(t *testing.T) {
	s := testStore(t)

	r, err := s.GetMessage(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Errorf("got %+v, want nil", r)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1)); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateMessageStatus(ctx, "c1", chat.StatusStreaming, ""); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetMessage(ctx, "c1")
	if r.Status != chat.StatusStreaming || r.Synced || r.ServerID != "" {
		t.Errorf("after streaming: %+v", r)
	}

	if err := s.UpdateMessageStatus(ctx, "c1", chat.StatusCommitted, "srv-9"); err != nil {
		t.Fatal(err)
	}
	r, _ = s.GetMessage(ctx, "c1")
	if r.Status != chat.StatusCommitted || !r.Synced || r.ServerID != "srv-9" {
		t.Errorf("after commit: %+v", r)
	}
	if r.ID() != "srv-9" || r.ClientID != "c1" {
		t.Errorf("identity = %q/%q, want srv-9/c1", r.ID(), r.ClientID)
	}

	// Server id survives a later status change without one.
	if err := s.UpdateMessageStatus(ctx, "c1", chat.StatusCommitted, ""); err != nil {
		t.Fatal(err)
	}
	r, _ = s.GetMessage(ctx, "c1")
	if r.ServerID != "srv-9" || !r.Synced {
		t.Errorf("server id lost: %+v", r)
	}
}

func TestUpdateMessageStatusMissingIsSilent(t *testing.T) {
	s := testStore(t)

	if err := s.UpdateMessageStatus(context.Background(), "ghost", chat.StatusCommitted, "srv"); err != nil {
		t.Errorf("UpdateMessageStatus(missing) error = %v, want nil", err)
	}
	if err := s.UpdateMessageStatus(context.Background(), "ghost", chat.Status("weird"), ""); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestGetUnsyncedMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	committed := msg("done", chat.StatusCommitted, 1)
	committed.ServerID = "srv"
	if err := s.SaveMessages(ctx, "chat", []chat.Message{
		committed,
		msg("pending", chat.StatusPending, 2),
		msg("failed", chat.StatusFailed, 3),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUnsyncedMessages(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ClientID != "pending" || got[1].ClientID != "failed" {
		t.Errorf("unsynced = %+v, want [pending failed]", got)
	}
}

func TestCleanupEviction(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	opts := CleanupOptions{CommittedRetention: 30 * time.Second, TTL: time.Hour}
	now := time.UnixMilli(100_000_000)

	save := func(age time.Duration, m chat.Message) {
		t.Helper()
		at(s, now.Add(-age))
		if err := s.SaveMessage(ctx, "chat", m); err != nil {
			t.Fatal(err)
		}
	}
	synced := func(id string) chat.Message {
		m := msg(id, chat.StatusCommitted, 1)
		m.ServerID = "srv-" + id
		return m
	}

	save(opts.TTL+time.Millisecond, msg("expired-pending", chat.StatusPending, 1))
	save(opts.CommittedRetention+time.Millisecond, synced("old-synced"))
	save(opts.TTL-time.Minute, msg("young-pending", chat.StatusPending, 2))
	save(opts.CommittedRetention-time.Second, synced("fresh-synced"))
	save(opts.CommittedRetention+time.Minute, msg("old-unsynced-commit", chat.StatusCommitted, 3))

	at(s, now)
	deleted, err := s.Cleanup(ctx, "chat", opts)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	left, _ := s.GetMessages(ctx, "chat")
	kept := map[string]bool{}
	for _, r := range left {
		kept[r.ClientID] = true
	}
	for _, id := range []string{"young-pending", "fresh-synced", "old-unsynced-commit"} {
		if !kept[id] {
			t.Errorf("%s was evicted, want kept", id)
		}
	}
	for _, id := range []string{"expired-pending", "old-synced"} {
		if kept[id] {
			t.Errorf("%s was kept, want evicted", id)
		}
	}
}

func TestCleanupKeepsRecordsWrittenAtCutoff(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.UnixMilli(50_000_000)

	at(s, now)
	m := msg("c1", chat.StatusCommitted, 1)
	m.ServerID = "srv"
	if err := s.SaveMessage(ctx, "chat", m); err != nil {
		t.Fatal(err)
	}
	deleted, err := s.Cleanup(ctx, "chat", CleanupOptions{CommittedRetention: time.Millisecond, TTL: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0 for a record written at the cleanup instant", deleted)
	}
}

func TestCleanupScope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	at(s, time.UnixMilli(0))
	for _, c := range []string{"a", "b"} {
		if err := s.SaveMessage(ctx, c, msg("m-"+c, chat.StatusPending, 1)); err != nil {
			t.Fatal(err)
		}
	}
	at(s, time.UnixMilli(0).Add(48*time.Hour))

	n, err := s.Cleanup(ctx, "a", CleanupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("chat-scoped cleanup deleted %d, want 1", n)
	}
	n, err = s.Cleanup(ctx, "", CleanupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("global cleanup deleted %d, want 1", n)
	}
}

func TestCleanupConcurrentWithSaves(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m := msg(fmt.Sprintf("c%d", i), chat.StatusPending, int64(i))
			if err := s.SaveMessage(ctx, "chat", m); err != nil {
				t.Errorf("SaveMessage: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Cleanup(ctx, "chat", CleanupOptions{}); err != nil {
				t.Errorf("Cleanup: %v", err)
			}
		}()
	}
	wg.Wait()

	left, err := s.GetMessages(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 50 {
		t.Errorf("got %d messages, want 50 (fresh pending records must survive cleanup)", len(left))
	}
}

func TestDeleteChatCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "gone", msg("g1", chat.StatusPending, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "kept", msg("k1", chat.StatusPending, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSyncMetadata(ctx, chat.SyncMetadata{ChatID: "gone", Cursor: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteChat(ctx, "gone"); err != nil {
		t.Fatal(err)
	}

	if msgs, _ := s.GetMessages(ctx, "gone"); len(msgs) != 0 {
		t.Errorf("got %d messages for deleted chat", len(msgs))
	}
	if md, _ := s.GetSyncMetadata(ctx, "gone"); md != nil {
		t.Errorf("sync metadata survived: %+v", md)
	}
	if msgs, _ := s.GetMessages(ctx, "kept"); len(msgs) != 1 {
		t.Errorf("other chat lost messages: %d", len(msgs))
	}
}

func TestClear(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveMessage(ctx, "a", msg("a1", chat.StatusPending, 1))
	_ = s.PutSyncMetadata(ctx, chat.SyncMetadata{ChatID: "a"})

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	st := s.GetStats(ctx)
	if st.Messages != 0 || st.SyncMetadata != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
}

func TestGetStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	at(s, time.UnixMilli(5000))
	committed := msg("c", chat.StatusCommitted, 1)
	committed.ServerID = "srv"
	_ = s.SaveMessages(ctx, "a", []chat.Message{committed, msg("p", chat.StatusPending, 2)})
	at(s, time.UnixMilli(9000))
	_ = s.SaveMessage(ctx, "b", msg("f", chat.StatusFailed, 3))

	st := s.GetStats(ctx)
	if st.Messages != 3 || st.Chats != 2 || st.Unsynced != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByStatus[chat.StatusPending] != 1 || st.ByStatus[chat.StatusCommitted] != 1 {
		t.Errorf("by status = %v", st.ByStatus)
	}
	if st.OldestLocal.UnixMilli() != 5000 {
		t.Errorf("oldest = %d, want 5000", st.OldestLocal.UnixMilli())
	}
}

func TestSyncMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	md, err := s.GetSyncMetadata(ctx, "chat")
	if err != nil || md != nil {
		t.Fatalf("GetSyncMetadata(missing) = %+v, %v", md, err)
	}

	in := chat.SyncMetadata{ChatID: "chat", LastSyncAt: time.UnixMilli(1234), Cursor: "cur-2", HasMore: true, MessageCount: 40}
	if err := s.PutSyncMetadata(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.Cursor, in.HasMore = "", false
	if err := s.PutSyncMetadata(ctx, in); err != nil {
		t.Fatal(err)
	}

	md, err = s.GetSyncMetadata(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if md.Cursor != "" || md.HasMore || md.MessageCount != 40 || md.LastSyncAt.UnixMilli() != 1234 {
		t.Errorf("metadata = %+v", md)
	}
}

func TestStaleHandleIsReinitialized(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1)); err != nil {
		t.Fatal(err)
	}

	// Simulate another context pulling the handle out from under us.
	stale := s.handle()
	_ = stale.Close()

	msgs, err := s.GetMessages(ctx, "chat")
	if err != nil {
		t.Fatalf("GetMessages() after stale handle error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
	if s.handle() == stale {
		t.Error("stale handle was not replaced")
	}
}

func TestCloseThenLazyReopen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := s.GetMessage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Error("record missing after reopen")
	}
}

func TestCloseRacingEveryAttemptGivesUp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var closes int
	s.beforeUse = func() {
		closes++
		_ = s.Close()
	}
	done := make(chan error, 1)
	go func() { done <- s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1)) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrHandleLost) {
			t.Errorf("SaveMessage() error = %v, want ErrHandleLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SaveMessage() did not return while the handle kept closing")
	}
	if closes != 2 {
		t.Errorf("attempts = %d, want 2", closes)
	}

	s.beforeUse = nil
	if err := s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1)); err != nil {
		t.Errorf("SaveMessage() after the race error = %v", err)
	}
}

func TestServerIDWithoutCommitIsNotSynced(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_ = s.SaveMessage(ctx, "chat", msg("c1", chat.StatusPending, 1))

	if err := s.UpdateMessageStatus(ctx, "c1", chat.StatusStreaming, "srv-3"); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetMessage(ctx, "c1")
	if r.ServerID != "srv-3" || r.Synced {
		t.Errorf("streaming with server id: %+v, want server id kept and unsynced", r)
	}

	if err := s.UpdateMessageStatus(ctx, "c1", chat.StatusCommitted, ""); err != nil {
		t.Fatal(err)
	}
	if r, _ = s.GetMessage(ctx, "c1"); !r.Synced {
		t.Errorf("after commit: %+v, want synced", r)
	}
}
