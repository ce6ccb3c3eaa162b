package protocol

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which frames travel as JSON.
const CodecName = "json"

const (
	RPCServiceName = "digsync.Exchange"
	RPCCallMethod  = "/digsync.Exchange/Call"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ExchangeServer serves request frames over gRPC.
type ExchangeServer interface {
	Call(ctx context.Context, in *Frame) (*Frame, error)
}

func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}

func exchangeCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RPCCallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).Call(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: RPCServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: exchangeCallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "digsync/exchange",
}
