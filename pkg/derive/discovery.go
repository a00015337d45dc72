// Concurrency-safe discovery set of heartbeat keys
// Many span reporters insert; one periodic flusher drains
package derive

import "sync"

const defaultShardCount = 16

// Discovered is the set of heartbeat keys observed since the last flush.
// Keys are spread over shards by Hash so concurrent reporters rarely contend.
// The zero value is not usable; create one with NewDiscovered.
type Discovered struct {
	shards []discoveredShard
	mask   uint64
}

type discoveredShard struct {
	mu   sync.Mutex
	keys map[string]HeartbeatMetricKey
}

// NewDiscovered returns an empty discovery set.
func NewDiscovered() *Discovered {
	shards := make([]discoveredShard, defaultShardCount)
	for i := range shards {
		shards[i].keys = make(map[string]HeartbeatMetricKey)
	}
	return &Discovered{shards: shards, mask: defaultShardCount - 1}
}

func (d *Discovered) shard(key HeartbeatMetricKey) (*discoveredShard, string) {
	id := key.ID()
	return &d.shards[key.Hash()&d.mask], id
}

// Add inserts key if no equal key is present. It reports whether key was added.
func (d *Discovered) Add(key HeartbeatMetricKey) bool {
	s, id := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; ok {
		return false
	}
	s.keys[id] = key
	return true
}

// Contains reports whether a key equal to key is present.
func (d *Discovered) Contains(key HeartbeatMetricKey) bool {
	s, id := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[id]
	return ok
}

// Remove deletes key and reports whether it was present.
func (d *Discovered) Remove(key HeartbeatMetricKey) bool {
	s, id := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return false
	}
	delete(s.keys, id)
	return true
}

// Len returns the number of keys currently present.
func (d *Discovered) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}

// Keys returns a snapshot of the keys currently present, in no particular order.
func (d *Discovered) Keys() []HeartbeatMetricKey {
	var out []HeartbeatMetricKey
	for i := range d.shards {
		out = append(out, d.shards[i].snapshot()...)
	}
	return out
}

// Drain visits every key present when its shard is reached and removes it
// after fn returns, whether or not fn failed. Draining stops at the first
// error, leaving unvisited keys in place.
//
// Each shard is snapshotted under its lock, so a key is visited at most once
// per Drain. Keys inserted while Drain runs may or may not be visited; those
// that are not stay for the next Drain.
func (d *Discovered) Drain(fn func(HeartbeatMetricKey) error) error {
	for i := range d.shards {
		s := &d.shards[i]
		for _, key := range s.snapshot() {
			err := fn(key)
			s.remove(key.ID())
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *discoveredShard) snapshot() []HeartbeatMetricKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HeartbeatMetricKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out
}

func (s *discoveredShard) remove(id string) {
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
}
