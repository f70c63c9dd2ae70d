package index

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sentinelai/sentinel/engine/domain"
)

// entry is one chunk resident in the ephemeral tier. Vectors are stored
// L2-normalized so similarity is a plain dot product.
type entry struct {
	chunk      domain.Chunk
	vector     []float32
	insertedAt time.Time
}

// memTier is the in-memory ephemeral tier: brute-force cosine over normalized
// vectors. Concurrent readers never block each other; writers serialize per
// map update, not per query.
type memTier struct {
	mu      sync.RWMutex
	entries map[string]*entry          // chunk ID → entry
	byDoc   map[string]map[string]bool // doc ID → chunk ID set
}

func newMemTier() *memTier {
	return &memTier{
		entries: make(map[string]*entry),
		byDoc:   make(map[string]map[string]bool),
	}
}

// upsert inserts or replaces a chunk vector. Last-writer-wins keyed by the
// document version: a stale write for a chunk id already held at a newer
// version is dropped, and the conflict is reported to the caller.
func (m *memTier) upsert(chunk domain.Chunk, vector []float32, insertedAt time.Time) (stale bool) {
	v := normalize(vector)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[chunk.ID]; ok && existing.chunk.DocVersion > chunk.DocVersion {
		return true
	}
	m.entries[chunk.ID] = &entry{chunk: chunk, vector: v, insertedAt: insertedAt}
	set := m.byDoc[chunk.DocID]
	if set == nil {
		set = make(map[string]bool)
		m.byDoc[chunk.DocID] = set
	}
	set[chunk.ID] = true
	return false
}

// tombstoneDoc removes every chunk of a document with a version older than
// keepVersion. Returns the removed chunk IDs.
func (m *memTier) tombstoneDoc(docID string, keepVersion int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id := range m.byDoc[docID] {
		if e, ok := m.entries[id]; ok && e.chunk.DocVersion < keepVersion {
			delete(m.entries, id)
			delete(m.byDoc[docID], id)
			removed = append(removed, id)
		}
	}
	return removed
}

// contains reports whether a chunk id is present.
func (m *memTier) contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// get returns the chunk for an id.
func (m *memTier) get(id string) (domain.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.Chunk{}, false
	}
	return e.chunk, true
}

// chunksSince returns all chunks inserted strictly after the cursor, ordered
// by insertion time then document and chunk index so scans are deterministic.
func (m *memTier) chunksSince(cursor time.Time) []Hit {
	m.mu.RLock()
	var out []Hit
	for _, e := range m.entries {
		if e.insertedAt.After(cursor) {
			out = append(out, Hit{Chunk: e.chunk, InsertedAt: e.insertedAt})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.Before(out[j].InsertedAt)
		}
		if out[i].Chunk.DocID != out[j].Chunk.DocID {
			return out[i].Chunk.DocID < out[j].Chunk.DocID
		}
		return out[i].Chunk.Index < out[j].Chunk.Index
	})
	return out
}

func (m *memTier) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// clear drops all entries. Used before a rebuild replay.
func (m *memTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.byDoc = make(map[string]map[string]bool)
}

// query ranks entries by cosine similarity against a normalized query vector,
// applying ticker and temporal filters. Ties break most-recent-first.
func (m *memTier) query(vector []float32, topK int, f Filter) []Hit {
	q := normalize(vector)
	tickers := make(map[string]bool, len(f.Tickers))
	for _, t := range f.Tickers {
		tickers[t] = true
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if len(tickers) > 0 && !tickers[e.chunk.Ticker] {
			continue
		}
		if !f.Since.IsZero() && e.insertedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.insertedAt.After(f.Until) {
			continue
		}
		hits = append(hits, Hit{
			Chunk:      e.chunk,
			Similarity: dot(q, e.vector),
			InsertedAt: e.insertedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].InsertedAt.After(hits[j].InsertedAt)
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
