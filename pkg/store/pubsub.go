package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Subscription delivers the payloads published on one channel. Close it
// when done; the message channel is closed once the subscription ends.
type Subscription struct {
	ps     *redis.PubSub
	msgs   chan string
	cancel context.CancelFunc
}

// Subscribe opens a subscription on channel. Messages are fanned into a
// buffered channel; a subscriber that falls far enough behind loses the
// connection rather than blocking the publisher.
func (c *Client) Subscribe(ctx context.Context, channel string) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	ps := c.rdb.Subscribe(subCtx, channel)

	// Wait for the server to confirm the subscription so a publish issued
	// right after Subscribe returns cannot slip past it. On error the
	// reader goroutine below sees the closed channel and winds down.
	_, _ = ps.Receive(subCtx)

	sub := &Subscription{
		ps:     ps,
		msgs:   make(chan string, 64),
		cancel: cancel,
	}

	go func() {
		defer close(sub.msgs)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.msgs <- msg.Payload:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub
}

// Messages returns the payload channel.
func (s *Subscription) Messages() <-chan string {
	return s.msgs
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Publish sends msg to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel, msg string) error {
	return c.wrap("publish "+channel, c.rdb.Publish(ctx, channel, msg).Err())
}
