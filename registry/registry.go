// Package registry maps agent type keys to executable implementations.
//
// Entries are registered once at process start; dispatch never changes at
// runtime, so adding an agent type is a registration, not an edit to worker
// logic.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loopcrew/agent-engine/agent"
)

var ErrNotFound = errors.New("registry: agent type not found")

// Entry binds an agent type key to a lazy loader. The registry holds only the
// mapping; implementations are built per resolve so unused agent types incur
// no load cost.
type Entry struct {
	Key  string
	Name string
	Load func() (agent.Agent, error)
}

var (
	mu      sync.RWMutex
	entries = map[string]Entry{}
)

func Register(e Entry) error {
	if e.Key == "" {
		return fmt.Errorf("agent type key is required")
	}
	if e.Load == nil {
		return fmt.Errorf("agent type %q has no loader", e.Key)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := entries[e.Key]; exists {
		return fmt.Errorf("agent type %q already registered", e.Key)
	}
	entries[e.Key] = e
	return nil
}

func MustRegister(e Entry) {
	if err := Register(e); err != nil {
		panic(err)
	}
}

// Resolve returns the implementation for key. An unknown key is a
// configuration error, distinguishable through ErrNotFound; it never comes
// back as a nil implementation with a nil error.
func Resolve(key string) (agent.Agent, error) {
	mu.RLock()
	e, ok := entries[key]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	impl, err := e.Load()
	if err != nil {
		return nil, fmt.Errorf("load agent type %q: %w", key, err)
	}
	if impl == nil {
		return nil, fmt.Errorf("agent type %q loader returned nil", key)
	}
	return impl, nil
}

func Keys() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(entries))
	for key := range entries {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Reset clears all entries. Test hook only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	entries = map[string]Entry{}
}
