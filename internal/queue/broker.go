package queue

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Broker fans out messages between processes: deployment cancellations from
// the API to workers and live build log lines from workers to the API.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages published on channel until ctx ends or the
	// returned cancel func is called; the channel is then closed.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Channel names.
const (
	CancelChannel = "peep:deployments:cancel"
	logChannelFmt = "peep:deployments:%s:logs"
)

// LogChannel names the channel carrying live build log lines for a deployment.
func LogChannel(deploymentID string) string {
	return fmt.Sprintf(logChannelFmt, deploymentID)
}

// RedisBroker implements Broker with redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps a connected client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewMemoryBroker returns a broker with no subscribers.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		select {
		case sub <- payload:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], sub)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		close(sub)
		b.mu.Unlock()
	}()
	return sub, cancel, nil
}

// Subscribers reports how many subscriptions are open on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
