// Package events fans progress events out to live listeners over Redis pub/sub.
//
// A single Bridge owns one PubSub connection for the whole process; every logical
// subscription is multiplexed onto it. Each published message carries a per-channel
// sequence number so a listener can join mid-stream: it subscribes, reads the current
// sequence, takes a snapshot from durable storage, then accepts only newer events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// ErrClosed is returned by a subscription after it, or its bridge, has been closed.
var ErrClosed = errors.New("events: subscription closed")

const (
	seqPrefix = "events:seq:"
	seqTTL    = 24 * time.Hour
)

// Publisher publishes events. Implementations never block on listeners.
type Publisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// Message is one event received on a channel.
type Message struct {
	Channel string
	Seq     int64
	Data    json.RawMessage
}

type channelState struct {
	subs  map[*Subscription]struct{}
	ready chan struct{}
}

// Bridge publishes events and multiplexes subscriptions over one PubSub connection.
type Bridge struct {
	client *redis.Client
	log    logger.Logger
	ps     *redis.PubSub

	mu       sync.Mutex
	channels map[string]*channelState
	// pending counts SUBSCRIBE commands not yet confirmed, per channel.
	pending map[string]int
	closed  bool
	done    chan struct{}
}

// NewBridge opens the shared PubSub connection and starts dispatching.
func NewBridge(client *redis.Client, log logger.Logger) *Bridge {
	b := &Bridge{
		client:   client,
		log:      log,
		ps:       client.Subscribe(context.Background()),
		channels: make(map[string]*channelState),
		pending:  make(map[string]int),
		done:     make(chan struct{}),
	}
	go b.dispatch(b.ps.ChannelWithSubscriptions(redis.WithChannelSize(1024)))
	return b
}

// Publish assigns the next sequence number for channel and publishes event.
// Without listeners the event is dropped.
func (b *Bridge) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = publishScript.Run(ctx, b.client, []string{seqPrefix + channel}, channel, string(data), seqTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Seq returns the sequence number of the last event published on channel.
func (b *Bridge) Seq(ctx context.Context, channel string) (int64, error) {
	n, err := b.client.Get(ctx, seqPrefix+channel).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read seq %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe registers a listener on channel and returns once the broker has confirmed
// the subscription, so every event published afterwards is delivered.
func (b *Bridge) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := newSubscription(b, channel)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{subs: make(map[*Subscription]struct{}), ready: make(chan struct{})}
		b.channels[channel] = st
		b.pending[channel]++
		if err := b.ps.Subscribe(ctx, channel); err != nil {
			b.pending[channel]--
			delete(b.channels, channel)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	st.subs[sub] = struct{}{}
	ready := st.ready
	b.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	case <-b.done:
		sub.Close()
		return nil, ErrClosed
	}
	telemetry.StreamSubscribers.Inc()
	sub.counted = true
	return sub, nil
}

func (b *Bridge) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.channels[sub.channel]
	if !ok {
		return
	}
	delete(st.subs, sub)
	if len(st.subs) > 0 || b.closed {
		return
	}
	delete(b.channels, sub.channel)
	if err := b.ps.Unsubscribe(context.Background(), sub.channel); err != nil {
		b.log.Warn("unsubscribe failed", logger.String("channel", sub.channel), logger.Error(err))
	}
}

// Close tears down the shared connection and ends every subscription.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.ps.Close()
	<-b.done
	return err
}

func (b *Bridge) dispatch(ch <-chan any) {
	defer func() {
		b.mu.Lock()
		b.closed = true
		var subs []*Subscription
		for _, st := range b.channels {
			for s := range st.subs {
				subs = append(subs, s)
			}
		}
		b.mu.Unlock()
		for _, s := range subs {
			s.terminate()
		}
		close(b.done)
	}()

	for raw := range ch {
		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			msg, err := decode(m.Channel, m.Payload)
			if err != nil {
				b.log.Warn("dropping malformed event", logger.String("channel", m.Channel), logger.Error(err))
				continue
			}
			b.deliver(msg)
		}
	}
}

func (b *Bridge) confirm(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[channel] > 0 {
		b.pending[channel]--
	}
	if b.pending[channel] > 0 {
		return
	}
	delete(b.pending, channel)
	if st, ok := b.channels[channel]; ok {
		select {
		case <-st.ready:
		default:
			close(st.ready)
		}
	}
}

func (b *Bridge) deliver(msg Message) {
	b.mu.Lock()
	st, ok := b.channels[msg.Channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(msg)
	}
}

func decode(channel, payload string) (Message, error) {
	head, body, ok := strings.Cut(payload, "\n")
	if !ok {
		return Message{}, errors.New("missing sequence header")
	}
	seq, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("parse sequence: %w", err)
	}
	return Message{Channel: channel, Seq: seq, Data: json.RawMessage(body)}, nil
}

// KEYS: sequence counter
// ARGV: channel, payload, ttlMs
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PUBLISH', ARGV[1], seq .. '\n' .. ARGV[2])
return seq
`)
