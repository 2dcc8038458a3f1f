package chat

import (
	"sort"
	"sync/atomic"
)

// channelSet is a copy-on-write set of monitored channel IDs. Readers get a
// consistent snapshot without locking.
type channelSet struct {
	p atomic.Pointer[map[string]struct{}]
}

func (c *channelSet) Replace(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	c.p.Store(&m)
}

func (c *channelSet) Contains(id string) bool {
	m := c.p.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[id]
	return ok
}

// Snapshot returns the IDs in ascending order.
func (c *channelSet) Snapshot() []string {
	m := c.p.Load()
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(*m))
	for id := range *m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i], out[j]) < 0 })
	return out
}

func (c *channelSet) Len() int {
	m := c.p.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}
