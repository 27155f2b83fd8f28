package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full gRPC service name.
const ServiceName = "emconv.RowService"

const streamRowsMethod = "/" + ServiceName + "/StreamRows"

// RowServiceServer streams set rows. Requests and rows are
// google.protobuf.Struct messages, so no generated code is needed.
type RowServiceServer interface {
	StreamRows(req *structpb.Struct, stream RowStream) error
}

// RowStream is the server side of a StreamRows call.
type RowStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type rowStream struct {
	grpc.ServerStream
}

func (x *rowStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func streamRowsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RowServiceServer).StreamRows(req, &rowStream{stream})
}

// RowServiceDesc describes the service for grpc.Server.RegisterService.
var RowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RowServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamRows",
			Handler:       streamRowsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "emconv/rows.proto",
}

// RegisterRowService registers srv on s.
func RegisterRowService(s grpc.ServiceRegistrar, srv RowServiceServer) {
	s.RegisterService(&RowServiceDesc, srv)
}

// RowClient calls the row service.
type RowClient struct {
	cc grpc.ClientConnInterface
}

func NewRowClient(cc grpc.ClientConnInterface) *RowClient {
	return &RowClient{cc: cc}
}

// RowReceiver is the client side of a StreamRows call.
type RowReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type rowReceiver struct {
	grpc.ClientStream
}

func (x *rowReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamRows sends req and returns the row stream. Recv returns io.EOF after
// the last row.
func (c *RowClient) StreamRows(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (RowReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &RowServiceDesc.Streams[0], streamRowsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &rowReceiver{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
