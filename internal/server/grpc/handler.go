package grpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Call answers one frame. Unknown actions are reported as Unimplemented so
// the client can tell a protocol gap from a refused request.
func (s *GRPCServer) Call(ctx context.Context, in *protocol.Frame) (*protocol.Frame, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "empty frame")
	}
	if !in.Action.Valid() {
		return nil, status.Errorf(codes.Unimplemented, "action %q", in.Action)
	}

	// rpc calls have no session, so JOIN_PROJET is refused by the handler
	return s.handler.Handle(ctx, callerFromContext(ctx), in), nil
}
