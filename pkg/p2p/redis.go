package p2p

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport moves messages over redis pub/sub, which is enough for peers
// that share a broker. Delivery is at-most-once; swap steps that need a reply
// re-send on their own schedule.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

var _ Transport = (*RedisTransport)(nil)

func (t *RedisTransport) Send(topic string, data []byte) error {
	return t.client.Publish(context.Background(), topic, data).Err()
}

func (t *RedisTransport) Subscribe(topic string) (<-chan []byte, func(), error) {
	sub := t.client.Subscribe(context.Background(), topic)
	if _, err := sub.Receive(context.Background()); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Channel():
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

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel, nil
}
