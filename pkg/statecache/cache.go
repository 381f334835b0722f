package statecache

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/metrics"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// Cache holds the last-known-good state document per device. Authoritative
// updates (unsolicited push or query response) replace the whole document:
// the upstream system is the sole source of truth, and partial merges are
// the root cause of stale-session bugs.
type Cache struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[string]types.StateDocument

	broker *broker
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		logger: log.WithComponent("statecache"),
		states: make(map[string]types.StateDocument),
		broker: newBroker(),
	}
}

// Get returns the last-known state synchronously, no network call. The
// returned document is a copy; callers cannot mutate the cache through it.
func (c *Cache) Get(said string) (types.StateDocument, error) {
	c.mu.RLock()
	doc, ok := c.states[said]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "no cached state for device")
	}
	return doc.Clone(), nil
}

// Apply installs an authoritative update for one device. Subscribers are
// notified only when the new document differs structurally from the
// previous one, so unchanged heartbeats cause no notification storms.
// For a single device, callers must apply updates in transport order.
func (c *Cache) Apply(said string, doc types.StateDocument) {
	if doc == nil {
		return
	}
	stored := doc.Clone()

	c.mu.Lock()
	prev, had := c.states[said]
	c.states[said] = stored
	c.mu.Unlock()

	if had && reflect.DeepEqual(prev, stored) {
		metrics.StateUpdates.WithLabelValues("unchanged").Inc()
		return
	}
	metrics.StateUpdates.WithLabelValues("changed").Inc()

	c.logger.Debug().Str("device", log.DeviceField(said)).Msg("device state changed")
	c.broker.publish(Change{SAID: said, State: stored.Clone()})
}

// Forget drops the cached document for one device.
func (c *Cache) Forget(said string) {
	c.mu.Lock()
	delete(c.states, said)
	c.mu.Unlock()
}

// Subscribe registers for change notification on one device.
func (c *Cache) Subscribe(said string) *Subscription {
	return c.broker.subscribe(said)
}

// Devices lists the SAIDs with cached state.
func (c *Cache) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.states))
	for said := range c.states {
		out = append(out, said)
	}
	return out
}
