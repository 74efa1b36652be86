package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Snapshot is the state handed to a listener before live events begin.
type Snapshot struct {
	// Value is sent to the listener as-is.
	Value any
	// Items are Value rendered as live events. A live event equal to one of them is
	// already reflected in Value and is not emitted again.
	Items []any
}

// SnapshotFunc reads current state from durable storage.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Stream is a subscription primed with a snapshot.
type Stream struct {
	Snapshot any

	sub      *Subscription
	after    int64
	suppress [][]byte
}

// Stream subscribes to channel, records the current sequence, then reads the snapshot.
// Events published before the sequence read are covered by the snapshot and skipped;
// events after it are emitted in order.
func (b *Bridge) Stream(ctx context.Context, channel string, snapshot SnapshotFunc) (*Stream, error) {
	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	after, err := b.Seq(ctx, channel)
	if err != nil {
		sub.Close()
		return nil, err
	}
	snap, err := snapshot(ctx)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("snapshot %s: %w", channel, err)
	}

	st := &Stream{Snapshot: snap.Value, sub: sub, after: after}
	for _, item := range snap.Items {
		data, err := json.Marshal(item)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("marshal snapshot item: %w", err)
		}
		st.suppress = append(st.suppress, data)
	}
	return st, nil
}

// Next returns the next live event.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if m.Seq <= s.after {
			continue
		}
		if s.suppressed(m.Data) {
			continue
		}
		return m.Data, nil
	}
}

func (s *Stream) suppressed(data []byte) bool {
	for i, item := range s.suppress {
		if bytes.Equal(item, data) {
			s.suppress = append(s.suppress[:i], s.suppress[i+1:]...)
			return true
		}
	}
	return false
}

// Close releases the underlying subscription.
func (s *Stream) Close() { s.sub.Close() }
