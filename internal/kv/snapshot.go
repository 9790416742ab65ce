package kv

import (
	"fmt"

	"treekv/internal/objects"
	"treekv/internal/repo"
)

// readSnapshot resolves key against rev. A missing path segment is a plain
// miss, not an error.
func readSnapshot(r *repo.Repo, rev objects.Hash, key string) ([]byte, bool, error) {
	value, found, err := r.ReadTreeEntry(rev, splitKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("reading %s at %s: %w", key, rev.Short(), err)
	}
	return value, found, nil
}

// listSnapshot returns every key stored at rev under prefix.
func listSnapshot(r *repo.Repo, rev objects.Hash, prefix string) ([]string, error) {
	var path []string
	if prefix != "" {
		path = splitKey(prefix)
	}
	paths, err := r.ListPaths(rev, path)
	if err != nil {
		return nil, fmt.Errorf("listing %q at %s: %w", prefix, rev.Short(), err)
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = joinKey(p)
	}
	return keys, nil
}
