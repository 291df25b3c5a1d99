package tunnel

import (
	"hash/crc32"
	"sync"

	"nhooyr.io/websocket"
)

// Registry tracks tunnel clients by id in slot insertion order. A
// disconnected client's slot is tombstoned, not deleted: deleting would
// re-key the surviving clients in the load-balancing ring and move sticky
// traffic, so a reconnecting client must land back in its old position.
type Registry struct {
	mu    sync.Mutex
	order []string
	slots map[string]*Client // nil value is a tombstone
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Client)}
}

// Connect binds a fresh record for clientID, reoccupying the client's slot
// if it already has one. Any record still live in the slot is closed first;
// its connection handler will observe the close and run its own cleanup,
// but the ConnID mismatch keeps it from tombstoning the new record.
func (r *Registry) Connect(clientID string, conn *websocket.Conn) *Client {
	c := newClient(clientID, conn)
	r.mu.Lock()
	old, seen := r.slots[clientID]
	if !seen {
		r.order = append(r.order, clientID)
	}
	r.slots[clientID] = c
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return c
}

// Disconnect tombstones the slot held by c, preserving its ring position.
// Reports false when the slot has already been reoccupied by a newer
// connection for the same client id.
func (r *Registry) Disconnect(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.slots[c.ID]; cur == nil || cur.ConnID != c.ConnID {
		return false
	}
	r.slots[c.ID] = nil
	return true
}

// Get returns the live record for a client id, if any.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.slots[clientID]
	return c, c != nil
}

// Live returns the live records in slot insertion order, tombstones
// skipped.
func (r *Registry) Live() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		if c := r.slots[id]; c != nil {
			live = append(live, c)
		}
	}
	return live
}

// Pick selects the client at CRC32(ip) mod N among the live records in
// insertion order: sticky routing per source IP with no per-client state,
// and an even spread for uniformly distributed IPs.
func (r *Registry) Pick(ip string) (*Client, bool) {
	live := r.Live()
	if len(live) == 0 {
		return nil, false
	}
	idx := crc32.ChecksumIEEE([]byte(ip)) % uint32(len(live))
	return live[idx], true
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	return len(r.Live())
}
