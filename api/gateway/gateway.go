// Package gateway describes the bidirectional session service spoken between
// invoice import clients and the server. Frames are JSON documents carried
// in BytesValue messages.
package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName      = "invoiceimport.v1.ImportGateway"
	ConnectMethod    = "/" + ServiceName + "/Connect"
	connectStreamKey = "Connect"
)

// ImportGatewayServer is the server side of the session service.
type ImportGatewayServer interface {
	Connect(ImportGateway_ConnectServer) error
}

type ImportGateway_ConnectServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type importGatewayConnectServer struct {
	grpc.ServerStream
}

func (x *importGatewayConnectServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *importGatewayConnectServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ImportGatewayServer).Connect(&importGatewayConnectServer{stream})
}

var ImportGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ImportGatewayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectStreamKey,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "invoiceimport/v1/gateway.proto",
}

func RegisterImportGatewayServer(s grpc.ServiceRegistrar, srv ImportGatewayServer) {
	s.RegisterService(&ImportGatewayServiceDesc, srv)
}

// ImportGatewayClient is the client side of the session service.
type ImportGatewayClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (ImportGateway_ConnectClient, error)
}

type ImportGateway_ConnectClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type importGatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewImportGatewayClient(cc grpc.ClientConnInterface) ImportGatewayClient {
	return &importGatewayClient{cc: cc}
}

func (c *importGatewayClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ImportGateway_ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ImportGatewayServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &importGatewayConnectClient{stream}, nil
}

type importGatewayConnectClient struct {
	grpc.ClientStream
}

func (x *importGatewayConnectClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *importGatewayConnectClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
