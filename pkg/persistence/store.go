// Package persistence stores the diagram revisions saved through the
// reference server.
//
// A revision is the canonical graph document plus the canonical text
// regenerated from it. Revision ids are ULIDs, so they sort by creation time.
// Three stores are provided: MemoryStore, FileStore (an append-only log of
// checksummed msgpack frames, replayed on open) and RedisStore.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/btree"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sanonone/graphsync/pkg/metrics"
	"github.com/sanonone/graphsync/pkg/model"
)

// ErrNotFound is returned when a diagram or revision does not exist.
var ErrNotFound = errors.New("persistence: revision not found")

// Store keeps the revision history of named diagrams.
type Store interface {
	// Append stores a new revision and returns it with its id set.
	Append(ctx context.Context, diagram, text string, doc model.Document) (model.Revision, error)
	// Latest returns the newest revision of diagram.
	Latest(ctx context.Context, diagram string) (model.Revision, error)
	// Get returns one revision by id.
	Get(ctx context.Context, diagram, id string) (model.Revision, error)
	// History returns up to limit revisions, newest first. limit <= 0 means all.
	History(ctx context.Context, diagram string, limit int) ([]model.Revision, error)
	Close() error
}

// record is the stored form of a revision. The graph is kept as JSON so
// node and link keys keep their string/number kind.
type record struct {
	Diagram string `msgpack:"d"`
	ID      string `msgpack:"id"`
	Text    string `msgpack:"t"`
	Graph   []byte `msgpack:"g"`
}

func newRecord(diagram, text string, doc model.Document) (record, error) {
	graph, err := json.Marshal(doc)
	if err != nil {
		return record{}, fmt.Errorf("failed to encode graph: %w", err)
	}
	return record{Diagram: diagram, ID: ulid.Make().String(), Text: text, Graph: graph}, nil
}

func (r record) revision() (model.Revision, error) {
	rev := model.Revision{ID: r.ID, Text: r.Text}
	if err := json.Unmarshal(r.Graph, &rev.Graph); err != nil {
		return model.Revision{}, fmt.Errorf("revision %s: failed to decode graph: %w", r.ID, err)
	}
	return rev, nil
}

func encodeRecord(r record) ([]byte, error) {
	return msgpack.Marshal(&r)
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("failed to decode revision record: %w", err)
	}
	return r, nil
}

// --- MemoryStore ---

func recordLess(a, b record) bool { return a.ID < b.ID }

// MemoryStore keeps revisions in per-diagram B-trees ordered by id.
type MemoryStore struct {
	mu       sync.RWMutex
	diagrams map[string]*btree.BTreeG[record]
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{diagrams: make(map[string]*btree.BTreeG[record])}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, diagram, text string, doc model.Document) (model.Revision, error) {
	r, err := newRecord(diagram, text, doc)
	if err != nil {
		return model.Revision{}, err
	}
	s.put(r)
	return r.revision()
}

// put indexes r. FileStore uses it during replay.
func (s *MemoryStore) put(r record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.diagrams[r.Diagram]
	if !ok {
		tree = btree.NewBTreeG[record](recordLess)
		s.diagrams[r.Diagram] = tree
	}
	tree.Set(r)
	metrics.StoredRevisions.WithLabelValues(r.Diagram).Set(float64(tree.Len()))
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, diagram string) (model.Revision, error) {
	s.mu.RLock()
	tree, ok := s.diagrams[diagram]
	var r record
	if ok {
		r, ok = tree.Max()
	}
	s.mu.RUnlock()

	if !ok {
		return model.Revision{}, ErrNotFound
	}
	return r.revision()
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, diagram, id string) (model.Revision, error) {
	s.mu.RLock()
	tree, ok := s.diagrams[diagram]
	var r record
	if ok {
		r, ok = tree.Get(record{ID: id})
	}
	s.mu.RUnlock()

	if !ok {
		return model.Revision{}, ErrNotFound
	}
	return r.revision()
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, diagram string, limit int) ([]model.Revision, error) {
	s.mu.RLock()
	var records []record
	if tree, ok := s.diagrams[diagram]; ok {
		tree.Reverse(func(r record) bool {
			records = append(records, r)
			return limit <= 0 || len(records) < limit
		})
	}
	s.mu.RUnlock()

	revs := make([]model.Revision, 0, len(records))
	for _, r := range records {
		rev, err := r.revision()
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
