// Package backend is the client of the chat backend: chat REST, job start,
// the job event stream and the two-step image upload.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/matheus3301/wastechat/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Options configure a Client.
type Options struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	Model string
	// HTTPClient is the base client. Defaults to a client without timeout,
	// since job streams stay open for the whole generation.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the chat backend.
type Client struct {
	base   *url.URL
	model  string
	api    *http.Client
	raw    *http.Client
	logger *zap.Logger
}

// New returns a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}
	raw := opts.HTTPClient
	if raw == nil {
		raw = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := raw
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, raw)
		api = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.Token,
			TokenType:   "Bearer",
		}))
	}
	return &Client{base: u, model: opts.Model, api: api, raw: raw, logger: logger}, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), body)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readHTTPError(resp, method, path)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}

func readHTTPError(resp *http.Response, method, path string) error {
	he := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		he.Message = eb.Message
		if he.Message == "" {
			he.Message = eb.Error
		}
	}
	if he.Message == "" {
		he.Message = strings.TrimSpace(string(data))
	}
	return he
}

// ListChats returns the user's chats.
func (c *Client) ListChats(ctx context.Context) ([]chat.Summary, error) {
	var out chatList
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// CreateChat creates an empty chat.
func (c *Client) CreateChat(ctx context.Context, title string) (*chat.Summary, error) {
	var out chat.Summary
	if err := c.do(ctx, http.MethodPost, "/api/chats", nil, createChatRequest{Title: title}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("backend: create chat: empty chat id")
	}
	return &out, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil, nil)
}

func (c *Client) UpdateChatTitle(ctx context.Context, chatID, title string) (*chat.Summary, error) {
	var out chat.Summary
	if err := c.do(ctx, http.MethodPatch, "/api/chats/"+url.PathEscape(chatID), nil, titleRequest{Title: title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChat fetches a page of history. An empty cursor returns the most recent
// page; limit <= 0 lets the backend choose.
func (c *Client) GetChat(ctx context.Context, chatID, cursor string, limit int) (*ChatDetail, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ChatDetail
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage starts a job. The returned job id keys the event stream.
func (c *Client) SendMessage(ctx context.Context, chatID string, req SendRequest) (*SendResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	var out SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/messages", nil, req, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, fmt.Errorf("backend: send message: empty job id")
	}
	return &out, nil
}

// OpenStream opens the event stream of a job. The caller closes the body;
// cancelling ctx aborts the read.
func (c *Client) OpenStream(ctx context.Context, jobID string) (io.ReadCloser, error) {
	path := "/api/jobs/" + url.PathEscape(jobID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: open stream %s: %w", jobID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, readHTTPError(resp, http.MethodGet, path)
	}
	return resp.Body, nil
}

// Presign requests an upload slot.
func (c *Client) Presign(ctx context.Context, filename, contentType string) (*Presign, error) {
	var out Presign
	if err := c.do(ctx, http.MethodPost, "/api/uploads/presign", nil,
		PresignRequest{Filename: filename, ContentType: contentType}, &out); err != nil {
		return nil, err
	}
	if out.UploadURL == "" || out.CDNURL == "" {
		return nil, fmt.Errorf("backend: presign: incomplete upload slot")
	}
	return &out, nil
}

// PutObject uploads body to a presigned slot. The request carries no
// credentials, only the slot's required headers.
func (c *Client) PutObject(ctx context.Context, p *Presign, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.UploadURL, body)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	for k, v := range p.RequiredHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.raw.Do(req)
	if err != nil {
		return fmt.Errorf("backend: upload %s: %w", p.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readHTTPError(resp, http.MethodPut, "upload/"+p.Key)
	}
	return nil
}

// UploadImage uploads a local file and returns its CDN url.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("backend: open image: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("backend: stat image: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("backend: rewind image: %w", err)
		}
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("backend: %s is not an image (%s)", filepath.Base(path), contentType)
	}

	p, err := c.Presign(ctx, filepath.Base(path), contentType)
	if err != nil {
		return "", err
	}
	if err := c.PutObject(ctx, p, f, info.Size(), contentType); err != nil {
		return "", err
	}
	c.logger.Info("image uploaded", zap.String("key", p.Key), zap.Int64("bytes", info.Size()))
	return p.CDNURL, nil
}
