package history

import (
	"sync"
	"sync/atomic"
)

// postings is an append-only, ascending list of versions. Only the index
// writer appends; readers load the published slice without locking.
type postings struct {
	list atomic.Pointer[[]uint64]
}

func (p *postings) load() []uint64 {
	if l := p.list.Load(); l != nil {
		return *l
	}
	return nil
}

func (p *postings) add(v uint64) {
	next := append(p.load(), v)
	p.list.Store(&next)
}

// postingIndex maps a key to its postings
type postingIndex struct {
	m sync.Map
}

func (ix *postingIndex) get(key string) []uint64 {
	if p, ok := ix.m.Load(key); ok {
		return p.(*postings).load()
	}
	return nil
}

func (ix *postingIndex) add(key string, v uint64) {
	p, _ := ix.m.LoadOrStore(key, &postings{})
	p.(*postings).add(v)
}

// upTo returns the prefix of an ascending list with versions <= limit
func upTo(list []uint64, limit uint64) []uint64 {
	lo, hi := 0, len(list)
	for lo < hi {
		mid := (lo + hi) / 2
		if list[mid] <= limit {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return list[:lo]
}
