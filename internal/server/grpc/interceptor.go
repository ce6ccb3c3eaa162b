package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
)

type ctxKey string

const callerKey ctxKey = "caller"

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// accessTokenInterceptor authenticates every call from its metadata and
// stores the resulting caller in the context.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

	var token, device string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		token = firstValue(md, common.AccessTokenHeaderName)
		device = firstValue(md, common.DeviceHeaderName)
	}

	caller, err := s.auth.Authenticate(token, device)
	if err != nil {
		s.logger.Debug(ctx, "rpc refused", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	ctx = context.WithValue(ctx, callerKey, caller)

	return handler(ctx, req)
}

func callerFromContext(ctx context.Context) exchange.Caller {
	caller, _ := ctx.Value(callerKey).(exchange.Caller)
	return caller
}
