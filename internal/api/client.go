package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a control API client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a daemon's Unix socket. The connection is lazy; the first
// call fails if no daemon is listening.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	var req proto.Message = &emptypb.Empty{}
	if in != nil {
		s, err := structpb.NewStruct(in)
		if err != nil {
			return nil, err
		}
		req = s
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) callEmpty(ctx context.Context, method string, in map[string]any) error {
	var req proto.Message = &emptypb.Empty{}
	if in != nil {
		s, err := structpb.NewStruct(in)
		if err != nil {
			return err
		}
		req = s
	}
	return c.conn.Invoke(ctx, fullMethod(method), req, &emptypb.Empty{})
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Status", nil)
}

// Send submits a message; the result reports whether it was queued.
func (c *Client) Send(ctx context.Context, content, imagePath string) (map[string]any, error) {
	return c.call(ctx, "Send", map[string]any{"content": content, "image_path": imagePath})
}

func (c *Client) Messages(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Messages", nil)
}

func (c *Client) Queue(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Queue", nil)
}

func (c *Client) RemoveQueued(ctx context.Context, id string) (map[string]any, error) {
	return c.call(ctx, "RemoveQueued", map[string]any{"id": id})
}

func (c *Client) SendQueued(ctx context.Context, id string) (map[string]any, error) {
	return c.call(ctx, "SendQueued", map[string]any{"id": id})
}

func (c *Client) Regenerate(ctx context.Context, id string) error {
	return c.callEmpty(ctx, "Regenerate", map[string]any{"id": id})
}

func (c *Client) Stop(ctx context.Context) error {
	return c.callEmpty(ctx, "Stop", nil)
}

func (c *Client) NewChat(ctx context.Context, title string) (map[string]any, error) {
	return c.call(ctx, "NewChat", map[string]any{"title": title})
}

func (c *Client) OpenChat(ctx context.Context, chatID string) (map[string]any, error) {
	return c.call(ctx, "OpenChat", map[string]any{"chat_id": chatID})
}

func (c *Client) LoadOlder(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "LoadOlder", nil)
}

func (c *Client) ListChats(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "ListChats", nil)
}

func (c *Client) RenameChat(ctx context.Context, chatID, title string) (map[string]any, error) {
	return c.call(ctx, "RenameChat", map[string]any{"chat_id": chatID, "title": title})
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.callEmpty(ctx, "DeleteChat", map[string]any{"chat_id": chatID})
}

func (c *Client) Cleanup(ctx context.Context, chatID string) (map[string]any, error) {
	return c.call(ctx, "Cleanup", map[string]any{"chat_id": chatID})
}

func (c *Client) Clear(ctx context.Context) error {
	return c.callEmpty(ctx, "Clear", nil)
}

// Watcher receives daemon events.
type Watcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *Watcher) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch subscribes to events whose kind starts with namespace ("" for all).
// Cancel ctx to end the subscription.
func (c *Client) Watch(ctx context.Context, namespace string) (*Watcher, error) {
	stream, err := c.conn.NewStream(ctx, &controlDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}
