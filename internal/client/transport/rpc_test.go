package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type fakeExchange struct {
	token string
	err   error
}

func (f *fakeExchange) Call(ctx context.Context, in *protocol.Frame) (*protocol.Frame, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(common.AccessTokenHeaderName); len(v) > 0 {
			f.token = v[0]
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return protocol.NewReplyFrame(in, protocol.PingReply{Status: "OK"})
}

func startRPC(t *testing.T, srv protocol.ExchangeServer) *RPCChannel {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	protocol.RegisterExchangeServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c := NewRPCChannel("passthrough:///bufnet", Credentials{AccessToken: "tok", DeviceID: "dev"})
	c.dialOpts = []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})}
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestRPCChannel_CallCarriesCredentials(t *testing.T) {
	ex := &fakeExchange{}
	c := startRPC(t, ex)

	req, err := protocol.NewRequestFrame(protocol.ActionPing, nil)
	require.NoError(t, err)
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)

	var reply protocol.PingReply
	require.NoError(t, resp.Decode(&reply))
	assert.Equal(t, "OK", reply.Status)
	assert.Equal(t, "tok", ex.token)
	assert.True(t, c.Online())
}

func TestRPCChannel_MapsStatusCodes(t *testing.T) {
	ex := &fakeExchange{err: status.Error(codes.Unauthenticated, "bad token")}
	c := startRPC(t, ex)
	req, _ := protocol.NewRequestFrame(protocol.ActionPing, nil)

	_, err := c.Do(context.Background(), req)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	assert.True(t, c.Online())

	ex.err = status.Error(codes.Unavailable, "down")
	_, err = c.Do(context.Background(), req)
	require.ErrorIs(t, err, common.ErrNetworkUnavailable)
	assert.False(t, c.Online())
}

func TestRPCChannel_NotStarted(t *testing.T) {
	c := NewRPCChannel("127.0.0.1:1", Credentials{})
	req, _ := protocol.NewRequestFrame(protocol.ActionPing, nil)
	_, err := c.Do(context.Background(), req)
	require.ErrorIs(t, err, common.ErrNetworkUnavailable)
	require.NoError(t, c.Stop())
}
