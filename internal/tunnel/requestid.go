package tunnel

import (
	"strconv"
	"sync/atomic"
)

// IDAllocator mints request ids unique for the lifetime of the server
// process: a base-32 rendering of a monotonically increasing counter. Ids
// are opaque to the client; only the server ever allocates them.
type IDAllocator struct {
	n atomic.Uint64
}

// Next returns a fresh request id. Safe for concurrent use.
func (a *IDAllocator) Next() string {
	return strconv.FormatUint(a.n.Add(1), 32)
}
