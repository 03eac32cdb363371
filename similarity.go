package imagequeue

import "container/list"

// Token identifies a reserved index entry.
type Token uint64

// Match is the result of a successful similarity lookup.
type Match struct {
	Token          Token
	Hash           Hash
	Distance       int
	Classification Classification
}

// Index stores perceptual hashes and answers approximate lookups.
// Implementations need not be safe for concurrent use; Queue serializes access.
type Index interface {
	// Lookup returns the closest entry within the similarity threshold and
	// refreshes its recency.
	Lookup(h Hash) (Match, bool)
	// Reserve inserts h with no classification, evicting the least recently
	// used entry when over capacity.
	Reserve(h Hash) Token
	// Update sets the classification of a reserved entry without touching its
	// recency. It returns false if the entry has been evicted.
	Update(tok Token, c Classification) bool
	Len() int
}

// LinearIndex is an LRU-bounded Index that scans every entry on lookup.
type LinearIndex struct {
	capacity  int
	threshold int

	order   *list.List // front = most recently used
	entries map[Token]*list.Element
	next    Token
}

type indexEntry struct {
	token Token
	hash  Hash
	class Classification
}

var _ Index = (*LinearIndex)(nil)

// NewLinearIndex returns an index holding at most capacity entries, treating
// hashes within threshold bits of each other as the same image.
func NewLinearIndex(capacity, threshold int) *LinearIndex {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &LinearIndex{
		capacity:  capacity,
		threshold: threshold,
		order:     list.New(),
		entries:   make(map[Token]*list.Element, capacity),
	}
}

// Lookup scans from most to least recently used, so among equally close
// candidates the most recent one wins.
func (ix *LinearIndex) Lookup(h Hash) (Match, bool) {
	var best *list.Element
	bestDist := 0
	for e := ix.order.Front(); e != nil; e = e.Next() {
		d := h.Distance(e.Value.(*indexEntry).hash)
		if d > ix.threshold {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = e, d
		}
	}
	if best == nil {
		return Match{}, false
	}

	ix.order.MoveToFront(best)
	ent := best.Value.(*indexEntry)
	return Match{
		Token:          ent.token,
		Hash:           ent.hash,
		Distance:       bestDist,
		Classification: ent.class,
	}, true
}

func (ix *LinearIndex) Reserve(h Hash) Token {
	ix.next++
	ent := &indexEntry{token: ix.next, hash: h}
	ix.entries[ent.token] = ix.order.PushFront(ent)

	for ix.order.Len() > ix.capacity {
		oldest := ix.order.Back()
		ix.order.Remove(oldest)
		delete(ix.entries, oldest.Value.(*indexEntry).token)
	}
	return ent.token
}

func (ix *LinearIndex) Update(tok Token, c Classification) bool {
	e, ok := ix.entries[tok]
	if !ok {
		return false
	}
	e.Value.(*indexEntry).class = c
	return true
}

func (ix *LinearIndex) Len() int { return ix.order.Len() }
