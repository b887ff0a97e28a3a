package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/txmap"
	"github.com/sharedcode/txmap/cowmap"
	"github.com/sharedcode/txmap/encoding"
)

// publisher is the part of *redis.Client a ChangePublisher uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ChangePublisher is a cowmap.Listener publishing each change set, encoded with a Marshaler,
// on the channel ChannelPrefix + map ID. Publishing is retried on transient errors.
type ChangePublisher[TK comparable, TV any] struct {
	client        publisher
	channelPrefix string
	marshaler     encoding.Marshaler
	maxRetries    int
	retryBackoff  time.Duration
}

// NewChangePublisher returns a publisher sending on conn, using the connection's ChannelPrefix.
func NewChangePublisher[TK comparable, TV any](conn *Connection) *ChangePublisher[TK, TV] {
	return newChangePublisher[TK, TV](conn.Client, conn.Options.ChannelPrefix)
}

func newChangePublisher[TK comparable, TV any](client publisher, channelPrefix string) *ChangePublisher[TK, TV] {
	return &ChangePublisher[TK, TV]{
		client:        client,
		channelPrefix: channelPrefix,
		marshaler:     encoding.DefaultMarshaler,
		maxRetries:    3,
		retryBackoff:  txmap.DefaultRetryBackoff,
	}
}

// WithRetry sets how often, and with which base backoff, a failed publish is retried.
func (p *ChangePublisher[TK, TV]) WithRetry(maxRetries int, backoff time.Duration) *ChangePublisher[TK, TV] {
	p.maxRetries = maxRetries
	p.retryBackoff = backoff
	return p
}

// WithMarshaler replaces the JSON encoding of change sets.
func (p *ChangePublisher[TK, TV]) WithMarshaler(m encoding.Marshaler) *ChangePublisher[TK, TV] {
	p.marshaler = m
	return p
}

// Channel returns the channel changes of map mapID are published on.
func (p *ChangePublisher[TK, TV]) Channel(mapID string) string {
	return p.channelPrefix + mapID
}

// OnCommit publishes changes. Empty change sets are not published.
func (p *ChangePublisher[TK, TV]) OnCommit(ctx context.Context, changes cowmap.ChangeSet[TK, TV]) error {
	if changes.IsEmpty() {
		return nil
	}
	ba, err := p.marshaler.Marshal(changes)
	if err != nil {
		return fmt.Errorf("can't encode change set of map %s, details: %w", changes.MapID, err)
	}
	channel := p.Channel(changes.MapID)
	return txmap.RetryWithBackoff(ctx, p.retryBackoff, p.maxRetries, func(ctx context.Context) error {
		return p.client.Publish(ctx, channel, ba).Err()
	}, nil)
}

// DecodeChangeSet decodes a published message payload back to a change set.
func DecodeChangeSet[TK comparable, TV any](payload string, m encoding.Marshaler) (cowmap.ChangeSet[TK, TV], error) {
	var cs cowmap.ChangeSet[TK, TV]
	if m == nil {
		m = encoding.DefaultMarshaler
	}
	if err := m.Unmarshal([]byte(payload), &cs); err != nil {
		return cs, fmt.Errorf("can't decode change set, details: %w", err)
	}
	return cs, nil
}
