// Package registry provides concurrency-safe keyed stores for
// capabilities discovered across connections. Entries are keyed by
// server name plus capability name (or uri); re-registering a key
// replaces the prior value outright.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Key identifies one capability on one server.
type Key struct {
	Server string `json:"server"`
	Name   string `json:"name"`
}

func (k Key) String() string {
	return k.Server + "/" + k.Name
}

// Entry pairs a key with its stored value.
type Entry[T any] struct {
	Key   Key `json:"key"`
	Value T   `json:"value"`
}

// Store is a keyed store of capabilities of one type.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[Key]T
}

// New creates an empty store.
func New[T any]() *Store[T] {
	return &Store[T]{items: make(map[Key]T)}
}

// Register stores v under (server, name), replacing any previous value.
func (s *Store[T]) Register(server, name string, v T) {
	s.mu.Lock()
	s.items[Key{Server: server, Name: name}] = v
	s.mu.Unlock()
}

// Replace atomically swaps every entry of server for entries. Readers
// never observe a partially replaced server.
func (s *Store[T]) Replace(server string, entries map[string]T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.items {
		if k.Server == server {
			delete(s.items, k)
		}
	}
	for name, v := range entries {
		s.items[Key{Server: server, Name: name}] = v
	}
}

// Unregister removes a single entry. Reports whether it existed.
func (s *Store[T]) Unregister(server, name string) bool {
	k := Key{Server: server, Name: name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[k]; !ok {
		return false
	}
	delete(s.items, k)
	return true
}

// UnregisterServer removes every entry belonging to server and returns
// how many were removed.
func (s *Store[T]) UnregisterServer(server string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if k.Server == server {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Get looks up an exact key.
func (s *Store[T]) Get(server, name string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[Key{Server: server, Name: name}]
	return v, ok
}

// Len returns the total number of entries.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ListServer returns the entries of one server sorted by name.
func (s *Store[T]) ListServer(server string) []Entry[T] {
	return s.Filter(func(k Key, _ T) bool { return k.Server == server })
}

// All returns every entry sorted by server, then name.
func (s *Store[T]) All() []Entry[T] {
	return s.Filter(func(Key, T) bool { return true })
}

// Search returns entries whose name contains substr, case-insensitively.
func (s *Store[T]) Search(substr string) []Entry[T] {
	needle := strings.ToLower(substr)
	return s.Filter(func(k Key, _ T) bool {
		return strings.Contains(strings.ToLower(k.Name), needle)
	})
}

// Match returns entries whose "server/name" matches a glob pattern such
// as "github/*" or "*/read_*".
func (s *Store[T]) Match(pattern string) ([]Entry[T], error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return s.Filter(func(k Key, _ T) bool { return g.Match(k.String()) }), nil
}

// Filter returns entries accepted by keep, sorted by server, then name.
func (s *Store[T]) Filter(keep func(Key, T) bool) []Entry[T] {
	s.mu.RLock()
	out := make([]Entry[T], 0, len(s.items))
	for k, v := range s.items {
		if keep(k, v) {
			out = append(out, Entry[T]{Key: k, Value: v})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Server != out[j].Key.Server {
			return out[i].Key.Server < out[j].Key.Server
		}
		return out[i].Key.Name < out[j].Key.Name
	})
	return out
}

// Servers returns the distinct server names present, sorted.
func (s *Store[T]) Servers() []string {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for k := range s.items {
		seen[k.Server] = struct{}{}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
