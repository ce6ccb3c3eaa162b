package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Selector routes calls to the first usable channel: the preferred one,
// then the rest in fallback order.
type Selector struct {
	channels map[Network]Channel
	order    []Network
	prefered Network
	log      logging.Logger

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewSelector keeps channels in the order given; that order is the
// fallback order.
func NewSelector(prefered Network, log logging.Logger, channels ...Channel) *Selector {
	if log == nil {
		log = logging.Nop()
	}
	s := &Selector{
		channels: make(map[Network]Channel, len(channels)),
		prefered: prefered,
		log:      log.With("module", "transport"),
	}
	for _, ch := range channels {
		s.channels[ch.Network()] = ch
		s.order = append(s.order, ch.Network())
	}
	return s
}

type sendOptions struct {
	prefered Network
}

type SendOption func(*sendOptions)

// WithPreferedNetwork overrides the selector's preferred channel for one call.
func WithPreferedNetwork(n Network) SendOption {
	return func(o *sendOptions) { o.prefered = n }
}

func (s *Selector) route(prefered Network) []Channel {
	out := make([]Channel, 0, len(s.order))
	if ch, ok := s.channels[prefered]; ok {
		out = append(out, ch)
	}
	for _, n := range s.order {
		if n != prefered {
			out = append(out, s.channels[n])
		}
	}
	return out
}

// Send performs action with req as payload and decodes the reply payload
// into reply (which may be nil). An error reply from the server is
// returned as an error matching the sentinel of its kind.
func (s *Selector) Send(ctx context.Context, action protocol.Action, req any, reply any, opts ...SendOption) error {
	o := sendOptions{prefered: s.prefered}
	for _, opt := range opts {
		opt(&o)
	}

	frame, err := protocol.NewRequestFrame(action, req)
	if err != nil {
		return err
	}

	for _, ch := range s.route(o.prefered) {
		if _, ok := ch.(PushSource); action.NeedsSession() && !ok {
			continue
		}
		if !ch.Online() {
			continue
		}

		resp, err := ch.Do(ctx, frame)
		if errors.Is(err, common.ErrNetworkUnavailable) {
			s.log.Debug(ctx, "channel failed, falling back", "network", ch.Network(), "action", action, "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return resp.Decode(reply)
	}
	return fmt.Errorf("%w: %s", common.ErrNetworkUnavailable, action)
}

// Online reports whether any channel is usable.
func (s *Selector) Online() bool {
	for _, ch := range s.channels {
		if ch.Online() {
			return true
		}
	}
	return false
}

// OnStatus registers fn to be called on every online/offline transition.
func (s *Selector) OnStatus(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnPush forwards server pushes of every push-capable channel to fn.
func (s *Selector) OnPush(fn func(protocol.ProjetPush)) {
	for _, ch := range s.channels {
		if p, ok := ch.(PushSource); ok {
			p.OnPush(fn)
		}
	}
}

func (s *Selector) Start(ctx context.Context) error {
	for _, n := range s.order {
		if err := s.channels[n].Start(ctx); err != nil {
			return fmt.Errorf("start %s channel: %w", n, err)
		}
	}
	return nil
}

func (s *Selector) Stop() error {
	var errs []error
	for _, n := range s.order {
		if err := s.channels[n].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s channel: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// Probe pings every channel once and reports the aggregate status,
// notifying listeners when it changed.
func (s *Selector) Probe(ctx context.Context, timeout time.Duration) bool {
	for _, n := range s.order {
		ch := s.channels[n]
		pctx, cancel := context.WithTimeout(ctx, timeout)
		frame, err := protocol.NewRequestFrame(protocol.ActionPing, nil)
		if err == nil {
			_, err = ch.Do(pctx, frame)
		}
		cancel()
		if err != nil {
			s.log.Debug(ctx, "probe failed", "network", n, "error", err)
		}
	}

	online := s.Online()
	s.mu.Lock()
	changed := online != s.online
	s.online = online
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	if changed {
		s.log.Info(ctx, "network status changed", "online", online)
		for _, fn := range listeners {
			fn(online)
		}
	}
	return online
}

// Watch probes the channels every interval until ctx is done.
func (s *Selector) Watch(ctx context.Context, interval time.Duration) {
	s.Probe(ctx, 3*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Probe(ctx, 3*time.Second)
		case <-ctx.Done():
			return
		}
	}
}
