package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "hrchat:stream:"
	logPrefix     = "hrchat:stream:log:"
	seqPrefix     = "hrchat:stream:seq:"

	defaultMaxEntries = 1000
	defaultTTL        = time.Hour
)

// Publisher broadcasts task events through Redis and keeps a bounded
// backlog per task so late subscribers can catch up.
type Publisher struct {
	client     redis.UniversalClient
	maxEntries int64
	ttl        time.Duration
	now        func() time.Time
}

func NewPublisher(client redis.UniversalClient) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("stream: redis client is required")
	}
	return &Publisher{
		client:     client,
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
		now:        time.Now,
	}, nil
}

func Channel(taskID string) string { return channelPrefix + taskID }

func logKey(taskID string) string { return logPrefix + taskID }

func seqKey(taskID string) string { return seqPrefix + taskID }

// Publish appends the event to the task backlog and broadcasts it.
func (p *Publisher) Publish(ctx context.Context, taskID string, typ EventType, data any) (Event, error) {
	id, err := p.client.Incr(ctx, seqKey(taskID)).Result()
	if err != nil {
		return Event{}, fmt.Errorf("stream: increment seq: %w", err)
	}
	ev, err := newEvent(id, taskID, typ, data, p.now())
	if err != nil {
		return Event{}, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("stream: marshal event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, logKey(taskID), payload)
	pipe.LTrim(ctx, logKey(taskID), 0, p.maxEntries-1)
	pipe.Expire(ctx, logKey(taskID), p.ttl)
	pipe.Expire(ctx, seqKey(taskID), p.ttl)
	pipe.Publish(ctx, Channel(taskID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return Event{}, fmt.Errorf("stream: publish event: %w", err)
	}
	return ev, nil
}

// Replay returns backlog events with an id above afterID, oldest first.
func (p *Publisher) Replay(ctx context.Context, taskID string, afterID int64) ([]Event, error) {
	values, err := p.client.LRange(ctx, logKey(taskID), 0, p.maxEntries-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("stream: fetch backlog: %w", err)
	}
	events := make([]Event, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal([]byte(values[i]), &ev); err != nil {
			continue
		}
		if ev.ID <= afterID {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscription delivers live events for one task.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	events <-chan Event
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published afterwards can be missed.
func (p *Publisher) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, Channel(taskID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("stream: subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 64)
	go func(messages <-chan *redis.Message) {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}(pubsub.Channel())

	return &Subscription{pubsub: pubsub, cancel: cancel, events: out}, nil
}
