// Package grpc serves the exchange protocol as a single unary gRPC method
// carrying JSON frames.
package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
)

// FrameHandler answers a request frame on behalf of caller.
type FrameHandler interface {
	Handle(ctx context.Context, caller exchange.Caller, req *protocol.Frame) *protocol.Frame
}

type Authenticator interface {
	Authenticate(token, deviceID string) (exchange.Caller, error)
}

type GRPCServer struct {
	address string
	handler FrameHandler
	auth    Authenticator
	logger  logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, handler FrameHandler, auth Authenticator) *GRPCServer {
	if l == nil {
		l = logging.Nop()
	}
	return &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		handler: handler,
		auth:    auth,
	}
}

// newServer builds the gRPC server with the exchange service registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	protocol.RegisterExchangeServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
