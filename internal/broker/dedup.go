package broker

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// dedupBroker wraps a Broker so that GetMessages drops any message whose id
// was already seen within ttl, matching the exclusive (dedup) mode spec for
// back-ends without native support for it.
type dedupBroker struct {
	Broker
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// WithDedup decorates inner with an id-seen filter good for ttl. Call
// Cleanup on the returned Broker to also clean up inner.
func WithDedup(inner Broker, ttl time.Duration) Broker {
	return &dedupBroker{Broker: inner, ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *dedupBroker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	upstream, err := d.Broker.GetMessages(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan queuemsg.QueueMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-upstream:
				if !ok {
					return
				}
				if d.markSeen(msg.ID) {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// markSeen returns true if id was already recorded within ttl (and thus
// should be dropped), recording it as seen otherwise. Expired entries are
// swept opportunistically.
func (d *dedupBroker) markSeen(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true
	}

	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}

	d.seen[id] = now.Add(d.ttl)
	return false
}
