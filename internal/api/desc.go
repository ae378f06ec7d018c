package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the control API.
const ServiceName = "wastechat.v1.Control"

// ControlServer is the daemon's control API. Requests and responses are
// protobuf well-known types, so no generated code is involved.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Messages(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Queue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RemoveQueued(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendQueued(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Regenerate(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	NewChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlder(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListChats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RenameChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteChat(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of the Watch event stream.
type WatchServer interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(evt *structpb.Struct) error {
	return w.ServerStream.SendMsg(evt)
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

func unary[In, Out proto.Message](name string, newIn func() In, fn func(ControlServer, context.Context, In) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(srv.(ControlServer), ctx, req.(In))
				if err != nil {
					return nil, err
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, &watchServer{stream})
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", newEmpty, ControlServer.Status),
		unary("Send", newStruct, ControlServer.Send),
		unary("Messages", newEmpty, ControlServer.Messages),
		unary("Queue", newEmpty, ControlServer.Queue),
		unary("RemoveQueued", newStruct, ControlServer.RemoveQueued),
		unary("SendQueued", newStruct, ControlServer.SendQueued),
		unary("Regenerate", newStruct, ControlServer.Regenerate),
		unary("Stop", newEmpty, ControlServer.Stop),
		unary("NewChat", newStruct, ControlServer.NewChat),
		unary("OpenChat", newStruct, ControlServer.OpenChat),
		unary("LoadOlder", newEmpty, ControlServer.LoadOlder),
		unary("ListChats", newEmpty, ControlServer.ListChats),
		unary("RenameChat", newStruct, ControlServer.RenameChat),
		unary("DeleteChat", newStruct, ControlServer.DeleteChat),
		unary("Cleanup", newStruct, ControlServer.Cleanup),
		unary("Clear", newEmpty, ControlServer.Clear),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "wastechat/v1/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlDesc, srv)
}
