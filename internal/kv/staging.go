package kv

import (
	"bytes"

	"github.com/emirpasic/gods/maps/treemap"

	"treekv/internal/repo"
)

// pending is one staged entry: a value to write or a delete marker.
type pending struct {
	value   []byte
	deleted bool
}

// stagingArea holds uncommitted writes in key order. Later writes to a key
// replace earlier ones.
type stagingArea struct {
	entries *treemap.Map
}

func newStagingArea() *stagingArea {
	return &stagingArea{entries: treemap.NewWithStringComparator()}
}

func (s *stagingArea) set(key string, value []byte) {
	s.entries.Put(key, pending{value: bytes.Clone(value)})
}

func (s *stagingArea) delete(key string) {
	s.entries.Put(key, pending{deleted: true})
}

func (s *stagingArea) lookup(key string) (pending, bool) {
	v, ok := s.entries.Get(key)
	if !ok {
		return pending{}, false
	}
	return v.(pending), true
}

func (s *stagingArea) len() int {
	return s.entries.Size()
}

func (s *stagingArea) clear() {
	s.entries.Clear()
}

func (s *stagingArea) drop(keys []string) {
	for _, k := range keys {
		s.entries.Remove(k)
	}
}

func (s *stagingArea) keys() []string {
	out := make([]string, 0, s.entries.Size())
	it := s.entries.Iterator()
	for it.Next() {
		out = append(out, it.Key().(string))
	}
	return out
}

// changes renders the staged entries as tree changes, in key order.
func (s *stagingArea) changes() []repo.Change {
	out := make([]repo.Change, 0, s.entries.Size())
	it := s.entries.Iterator()
	for it.Next() {
		p := it.Value().(pending)
		out = append(out, repo.Change{
			Path:   splitKey(it.Key().(string)),
			Value:  p.value,
			Delete: p.deleted,
		})
	}
	return out
}

// each calls fn for every staged entry under prefix, in key order.
func (s *stagingArea) each(prefix string, fn func(key string, p pending)) {
	it := s.entries.Iterator()
	for it.Next() {
		key := it.Key().(string)
		if underPrefix(key, prefix) {
			fn(key, it.Value().(pending))
		}
	}
}
