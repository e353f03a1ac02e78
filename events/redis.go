package events

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const channelPrefix = "taskboard:changes:"

// RedisNotifier relays changes through Redis pub/sub so every replica can
// serve live streams.
type RedisNotifier struct {
	rc *redis.Client
}

func NewRedisNotifier(rc *redis.Client) *RedisNotifier {
	return &RedisNotifier{rc: rc}
}

func (n *RedisNotifier) Publish(ctx context.Context, ch domain.Change) error {
	data, err := sonic.Marshal(ch)
	if err != nil {
		return err
	}
	for _, uid := range recipients(ch) {
		if err := n.rc.Publish(ctx, userChannel(uid), data).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}
	return nil
}

// Subscribe forwards changes for userID until the release func is called or
// ctx ends. Undecodable payloads are logged and skipped.
func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) (<-chan domain.Change, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := n.rc.Subscribe(ctx, userChannel(userID))
	// wait for the subscription so changes published right after are not lost
	if _, err := sub.Receive(ctx); err != nil {
		log.WithError(err).WithField("user", userID).Warn("redis subscribe failed")
	}
	out := make(chan domain.Change, subscriberBuffer)

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
				var ch domain.Change
				if err := sonic.UnmarshalString(msg.Payload, &ch); err != nil {
					log.WithError(err).WithField("channel", msg.Channel).Error("unable to parse change")
					continue
				}
				select {
				case out <- ch:
				default:
				}
			}
		}
	}()
	return out, cancel
}

func userChannel(userID string) string {
	return channelPrefix + userID
}
