package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type redisBus struct {
	log     logging.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to redis at addr and publishes on channel.
func NewRedisBus(ctx context.Context, addr, channel string, log logging.Logger) (Bus, error) {
	if log == nil {
		log = logging.Nop()
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "digsync-push"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:     log.With("module", "redis_bus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, push protocol.ProjetPush) error {
	raw, err := json.Marshal(push)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(protocol.ProjetPush)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// the subscription must be confirmed before pushes can be relied upon
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				push, err := decodePush(m.Payload)
				if err != nil {
					b.log.Warn(ctx, "bad redis push payload", "error", err)
					continue
				}
				onMsg(push)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}

func decodePush(payload string) (protocol.ProjetPush, error) {
	var push protocol.ProjetPush
	if err := json.Unmarshal([]byte(payload), &push); err != nil {
		return protocol.ProjetPush{}, err
	}
	if push.ProjetUUID == "" {
		return protocol.ProjetPush{}, fmt.Errorf("push without projet")
	}
	return push, nil
}
