package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBroker is an in-process Broker for single-node deployments and tests.
// Pattern support covers the trailing-star form the fabric subscribes with.
type MemoryBroker struct {
	mu   sync.Mutex
	subs []*memorySub
}

type memorySub struct {
	channels []string
	patterns []string
	out      chan Inbound
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.matches(channel) {
			// Copy: subscribers outlive the caller's buffer.
			dup := make([]byte, len(payload))
			copy(dup, payload)
			select {
			case sub.out <- Inbound{Channel: channel, Payload: dup}:
			default:
				// Slow subscriber, drop.
			}
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channels, patterns []string) (<-chan Inbound, error) {
	sub := &memorySub{
		channels: channels,
		patterns: patterns,
		out:      make(chan Inbound, 256),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.out, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub.out)
	}
	b.subs = nil
	return nil
}

func (s *memorySub) matches(channel string) bool {
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	for _, p := range s.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(channel, prefix) {
				return true
			}
		} else if p == channel {
			return true
		}
	}
	return false
}
