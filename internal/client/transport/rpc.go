package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// RPCChannel sends frames through the unary Exchange/Call method, JSON
// encoded.
type RPCChannel struct {
	reachability
	addr     string
	creds    Credentials
	dialOpts []grpc.DialOption

	mu   sync.Mutex
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

func NewRPCChannel(addr string, creds Credentials) *RPCChannel {
	return &RPCChannel{addr: addr, creds: creds}
}

func (c *RPCChannel) Network() Network { return NetworkRPC }

func withCredentials(ctx context.Context, creds Credentials) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	if creds.AccessToken != "" {
		md.Set(common.AccessTokenHeaderName, creds.AccessToken)
	}
	if creds.DeviceID != "" {
		md.Set(common.DeviceHeaderName, creds.DeviceID)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *RPCChannel) credentialsInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withCredentials(ctx, c.creds), method, req, reply, cc, opts...)
}

// Start creates the client connection; gRPC dials lazily on first call.
func (c *RPCChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.credentialsInterceptor),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	}, c.dialOpts...)
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return err
	}
	c.cc = cc
	c.conn = cc
	return nil
}

func (c *RPCChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc, c.conn = nil, nil
	return err
}

func (c *RPCChannel) Do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, unavailable(NetworkRPC, fmt.Errorf("not started"))
	}

	reply := new(protocol.Frame)
	err := c.mapError(conn.Invoke(ctx, protocol.RPCCallMethod, req, reply))
	c.observe(err)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *RPCChannel) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", common.ErrorUnauthorized, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return unavailable(NetworkRPC, err)
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", common.ErrUnknownAction, st.Message())
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
