package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// Redis fans events out over Redis pub/sub so every host process sees them
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
	buffer int
}

// NewRedis creates a broker on an existing client
func NewRedis(client redis.UniversalClient, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: "module-events:", log: log, buffer: 64}
}

func (r *Redis) channel(siteID, eventName string) string {
	return r.prefix + topic(siteID, eventName)
}

func (r *Redis) Publish(ctx context.Context, ev store.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(ev.SiteID, ev.EventName), body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan store.Event
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan store.Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) Subscribe(ctx context.Context, siteID, eventName string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(siteID, eventName))
	// wait for the subscription confirmation so no publish is missed after return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSub{ps: ps, ch: make(chan store.Event, r.buffer), done: make(chan struct{})}
	go func() {
		defer close(sub.ch)
		in := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev store.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.Warn("Dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case sub.ch <- ev:
				default:
					r.log.Debug("Subscriber buffer full, dropping event", zap.String("event", ev.EventName))
				}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return nil
}
