package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/pipeline"
	"github.com/matheus3301/wastechat/internal/status"
	"github.com/matheus3301/wastechat/internal/store"
	"github.com/matheus3301/wastechat/internal/stream"
	"google.golang.org/protobuf/types/known/structpb"
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func messageValue(m chat.Message) map[string]any {
	return map[string]any{
		"id":            m.ID(),
		"client_id":     m.ClientID,
		"server_id":     m.ServerID,
		"role":          string(m.Role),
		"content":       m.Content,
		"image_url":     m.ImageURL,
		"status":        string(m.Status),
		"synced":        m.Synced(),
		"created_at_ms": millis(m.CreatedAt),
	}
}

func messagesValue(msgs []chat.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageValue(m)
	}
	return out
}

func queueValue(q []chat.QueuedMessage) []any {
	out := make([]any, len(q))
	for i, m := range q {
		out[i] = map[string]any{
			"id":             m.ID,
			"content":        m.Content,
			"image_path":     m.ImagePath,
			"image_url":      m.ImageURL,
			"enqueued_at_ms": millis(m.EnqueuedAt),
		}
	}
	return out
}

func summaryValue(s chat.Summary) map[string]any {
	return map[string]any{
		"id":                 s.ID,
		"title":              s.Title,
		"preview":            s.Preview,
		"message_count":      s.MessageCount,
		"last_message_at_ms": millis(s.LastMessageAt),
		"created_at_ms":      millis(s.CreatedAt),
	}
}

func errorValue(err error) map[string]any {
	v := map[string]any{"error": err.Error()}
	var se *pipeline.SendError
	if errors.As(err, &se) {
		v["op"] = se.Op
	}
	return v
}

func statsValue(s store.Stats) map[string]any {
	byStatus := make(map[string]any, len(s.ByStatus))
	for k, n := range s.ByStatus {
		byStatus[string(k)] = n
	}
	return map[string]any{
		"messages":        s.Messages,
		"chats":           s.Chats,
		"unsynced":        s.Unsynced,
		"by_status":       byStatus,
		"oldest_local_ms": millis(s.OldestLocal),
		"sync_metadata":   s.SyncMetadata,
	}
}

// payloadValue renders a bus payload. Unknown payloads go through their JSON
// encoding.
func payloadValue(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return map[string]any{}
	case pipeline.MessageEvent:
		return map[string]any{"chat_id": v.ChatID, "message": messageValue(v.Message)}
	case []chat.QueuedMessage:
		return map[string]any{"queue": queueValue(v)}
	case chat.Summary:
		return summaryValue(v)
	case error:
		return errorValue(v)
	case stream.TokenEvent:
		return map[string]any{"job_id": v.JobID, "text": v.Text}
	case stream.ProgressEvent:
		out := map[string]any{
			"job_id":  v.JobID,
			"stage":   v.Stage,
			"status":  v.Status,
			"message": v.Message,
		}
		if v.Progress.Progress != nil {
			out["progress"] = *v.Progress.Progress
		}
		return out
	case stream.Result:
		out := map[string]any{"job_id": v.JobID, "status": v.Status, "text": v.Text}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		return out
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case store.EvictionResult:
		return map[string]any{"deleted": v.Deleted, "took_ms": v.Took.Milliseconds()}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"value": string(data)}
	}
	return out
}

func eventValue(evt bus.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":         evt.Kind,
		"chat_id":      evt.ChatID,
		"timestamp_ms": millis(evt.Timestamp),
		"payload":      payloadValue(evt.Payload),
	})
}

func str(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}
