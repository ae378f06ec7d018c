package devserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/stream"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func doJSON(t *testing.T, method, url string, in, out any, header ...string) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func readFrames(t *testing.T, url string) []stream.Frame {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []stream.Frame
	r := stream.NewReader(resp.Body)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func names(frames []stream.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func startJob(t *testing.T, base, message string) (chatID, jobID string) {
	t.Helper()
	var c chat.Summary
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/chats", map[string]string{}, &c))
	var sr backend.SendResponse
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, base+"/api/chats/"+c.ID+"/messages",
		backend.SendRequest{Message: message, Model: "default"}, &sr))
	require.NotEmpty(t, sr.JobID)
	require.NotEmpty(t, sr.UserMessageID)
	return c.ID, sr.JobID
}

func TestChatCRUD(t *testing.T) {
	_, base := newTestServer(t, Options{})

	var c chat.Summary
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/chats", map[string]string{"title": "Batteries"}, &c))
	require.Equal(t, "Batteries", c.Title)

	var list struct {
		Chats []chat.Summary `json:"chats"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/chats", nil, &list))
	require.Len(t, list.Chats, 1)

	var updated chat.Summary
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPatch, base+"/api/chats/"+c.ID, map[string]string{"title": "Glass"}, &updated))
	require.Equal(t, "Glass", updated.Title)

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, base+"/api/chats/"+c.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/api/chats/"+c.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, base+"/api/chats/"+c.ID+"/messages",
		backend.SendRequest{Message: "hi"}, nil))
}

func TestStreamProtocol(t *testing.T) {
	s, base := newTestServer(t, Options{Responder: func(string, bool) Reply {
		return Reply{Stages: []string{"intent", "answer"}, Answer: "Hi there"}
	}})
	chatID, jobID := startJob(t, base, "hello")

	frames := readFrames(t, base+"/api/jobs/"+jobID+"/stream")
	require.Equal(t, []string{"intent", "answer", "token", "token", "done"}, names(frames))
	require.JSONEq(t, `{"content":"Hi "}`, frames[2].Data)

	var done struct {
		Status string `json:"status"`
		Result struct {
			Answer    string `json:"answer"`
			MessageID string `json:"message_id"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[4].Data), &done))
	require.Equal(t, "completed", done.Status)
	require.Equal(t, "Hi there", done.Result.Answer)

	msgs := s.Messages(chatID)
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, done.Result.MessageID, msgs[1].ID)
	require.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))
}

func TestDropAfterReplaysRecovery(t *testing.T) {
	s, base := newTestServer(t, Options{DropAfter: 2, Responder: func(string, bool) Reply {
		return Reply{Stages: []string{"answer"}, Answer: "one two three four"}
	}})
	_, jobID := startJob(t, base, "count")

	first := readFrames(t, base+"/api/jobs/"+jobID+"/stream")
	require.Equal(t, []string{"answer", "token", "token"}, names(first))

	second := readFrames(t, base+"/api/jobs/"+jobID+"/stream")
	require.Equal(t, []string{"token_recovery", "token", "token", "done"}, names(second))
	require.JSONEq(t, `{"accumulated":"one two ","completed":false}`, second[0].Data)

	third := readFrames(t, base+"/api/jobs/"+jobID+"/stream")
	require.Equal(t, []string{"token_recovery"}, names(third))
	require.JSONEq(t, `{"accumulated":"one two three four","completed":true}`, third[0].Data)
	require.Equal(t, 3, s.JobConnections(jobID))
}

func TestFailedReply(t *testing.T) {
	_, base := newTestServer(t, Options{Responder: func(string, bool) Reply {
		return Reply{Answer: "", Fail: "model overloaded"}
	}})
	_, jobID := startJob(t, base, "x")

	frames := readFrames(t, base+"/api/jobs/"+jobID+"/stream")
	last := frames[len(frames)-1]
	require.Equal(t, "done", last.Event)
	require.JSONEq(t, `{"status":"failed","message":"model overloaded"}`, last.Data)
}

func TestUnknownJob(t *testing.T) {
	_, base := newTestServer(t, Options{})
	resp, err := http.Get(base + "/api/jobs/nope/stream")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	_, base := newTestServer(t, Options{Token: "secret"})

	require.Equal(t, http.StatusUnauthorized, doJSON(t, http.MethodGet, base+"/api/chats", nil, nil))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/chats", nil, nil, "Authorization", "Bearer secret"))
}

func TestUploadFlow(t *testing.T) {
	_, base := newTestServer(t, Options{})

	var p backend.Presign
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/api/uploads/presign",
		backend.PresignRequest{Filename: "bottle.png", ContentType: "image/png"}, &p))
	require.True(t, strings.HasSuffix(p.Key, ".png"))
	require.NotEmpty(t, p.RequiredHeaders[uploadTokenHeader])

	put := func(token string) int {
		req, err := http.NewRequest(http.MethodPut, p.UploadURL, strings.NewReader("PNGDATA"))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set(uploadTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusForbidden, put(""))
	require.Equal(t, http.StatusOK, put(p.RequiredHeaders[uploadTokenHeader]))

	resp, err := http.Get(p.CDNURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, "PNGDATA", string(data))
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestHistoryPaging(t *testing.T) {
	s, base := newTestServer(t, Options{})
	var seed []chat.ServerMessage
	for _, c := range []string{"m0", "m1", "m2", "m3", "m4"} {
		seed = append(seed, chat.ServerMessage{ID: c, Role: chat.RoleUser, Content: c})
	}
	chatID := s.Seed("history", seed...)

	page := func(cursor string) backend.ChatDetail {
		var d backend.ChatDetail
		url := base + "/api/chats/" + chatID + "?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, url, nil, &d))
		return d
	}
	ids := func(d backend.ChatDetail) []string {
		var out []string
		for _, m := range d.Messages {
			out = append(out, m.ID)
		}
		return out
	}

	d := page("")
	require.Equal(t, []string{"m3", "m4"}, ids(d))
	require.True(t, d.HasMore)
	require.Equal(t, 5, d.Chat.MessageCount)

	d = page(d.NextCursor)
	require.Equal(t, []string{"m1", "m2"}, ids(d))

	d = page(d.NextCursor)
	require.Equal(t, []string{"m0"}, ids(d))
	require.False(t, d.HasMore)
	require.Empty(t, d.NextCursor)
}
