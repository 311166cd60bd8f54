package facts

import (
	"sort"
	"sync"
)

// Reader is a read-tracking view over a Store. The module runtime hands one
// to each ethical module so the per-node trace can record which facts the
// module actually consulted.
type Reader struct {
	store *Store

	mu   sync.Mutex
	read map[string]struct{}
}

// NewReader wraps a store in a fresh recording view.
func NewReader(s *Store) *Reader {
	return &Reader{store: s, read: make(map[string]struct{})}
}

func (r *Reader) record(name string) {
	r.mu.Lock()
	r.read[name] = struct{}{}
	r.mu.Unlock()
}

// Get returns the named fact and records the access.
func (r *Reader) Get(name string) (Fact, bool) {
	r.record(name)
	return r.store.Get(name)
}

// Bool returns the boolean value of the named fact and records the access.
func (r *Reader) Bool(name string) bool {
	r.record(name)
	return r.store.Bool(name)
}

// Number returns the numeric value of the named fact and records the access.
func (r *Reader) Number(name string) float64 {
	r.record(name)
	return r.store.Number(name)
}

// Names returns the sorted fact names without recording an access.
func (r *Reader) Names() []string { return r.store.Names() }

// Values returns the full fact map and records every fact as read.
// Expression-based modules receive the whole store as input, so all facts
// count as referenced.
func (r *Reader) Values() map[string]any {
	for _, name := range r.store.Names() {
		r.record(name)
	}
	return r.store.Values()
}

// ReadSet returns the sorted names of facts accessed through this reader.
func (r *Reader) ReadSet() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.read))
	for name := range r.read {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
