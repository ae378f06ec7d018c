package backend

import "github.com/matheus3301/wastechat/internal/chat"

// ChatDetail is one page of a chat's history, newest page first. Messages
// within a page are oldest first. NextCursor fetches the page before it.
type ChatDetail struct {
	Chat       chat.Summary         `json:"chat"`
	Messages   []chat.ServerMessage `json:"messages"`
	NextCursor string               `json:"next_cursor,omitempty"`
	HasMore    bool                 `json:"has_more"`
}

// SendRequest starts a generation job.
type SendRequest struct {
	Message      string    `json:"message"`
	ImageURL     string    `json:"image_url,omitempty"`
	UserLocation *Location `json:"user_location,omitempty"`
	Model        string    `json:"model"`
}

// SendResponse identifies the started job. UserMessageID is set when the
// backend commits the user message up front.
type SendResponse struct {
	JobID         string `json:"job_id"`
	UserMessageID string `json:"user_message_id,omitempty"`
}

// PresignRequest asks for an upload slot.
type PresignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Presign is an upload slot: PUT the bytes to UploadURL with RequiredHeaders,
// then reference the file by CDNURL.
type Presign struct {
	Key             string            `json:"key"`
	UploadURL       string            `json:"upload_url"`
	CDNURL          string            `json:"cdn_url"`
	ExpiresIn       int               `json:"expires_in"`
	RequiredHeaders map[string]string `json:"required_headers"`
}

type chatList struct {
	Chats []chat.Summary `json:"chats"`
}

type createChatRequest struct {
	Title string `json:"title,omitempty"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
