// Package transport carries protocol frames from the device to the server
// over three channels (socket, rest, rpc) and picks one per call.
//
// Every channel reports its own reachability. A channel that cannot carry
// a call fails with common.ErrNetworkUnavailable and the Selector moves on
// to the next one; only when every channel is offline does the caller see
// that error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type Network string

const (
	NetworkSocket Network = "socket"
	NetworkRest   Network = "rest"
	NetworkRPC    Network = "rpc"
)

// DefaultOrder is the fallback order when no preference is given.
var DefaultOrder = []Network{NetworkSocket, NetworkRest, NetworkRPC}

func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case NetworkSocket, NetworkRest, NetworkRPC:
		return n, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Channel is one way of reaching the server.
type Channel interface {
	Network() Network
	// Online reports whether the channel believes it can carry a call now.
	Online() bool
	// Do sends a request frame and returns the reply frame. Failures to
	// reach the server wrap common.ErrNetworkUnavailable; error replies
	// are returned as frames, not errors.
	Do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error)
	Start(ctx context.Context) error
	Stop() error
}

// PushSource is implemented by channels that deliver server pushes.
type PushSource interface {
	OnPush(fn func(protocol.ProjetPush))
}

// Credentials identify the device to the server on every channel.
type Credentials struct {
	AccessToken string
	DeviceID    string
}

func unavailable(n Network, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrNetworkUnavailable, n, err)
}

// reachability is the online flag shared by request/response channels:
// optimistic until a call fails, restored by the next successful call.
type reachability struct {
	offline atomic.Bool
}

func (r *reachability) Online() bool { return !r.offline.Load() }

func (r *reachability) observe(err error) {
	r.offline.Store(errors.Is(err, common.ErrNetworkUnavailable))
}
