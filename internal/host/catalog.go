package host

import (
	"fmt"
	"sync"
)

// Catalog records the host types known to the engine.
// It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewCatalog creates a catalog holding the given types.
// Duplicate names keep the last registration.
func NewCatalog(types ...*Type) *Catalog {
	c := &Catalog{types: make(map[string]*Type, len(types))}
	for _, t := range types {
		c.types[t.Name] = t
	}
	return c
}

// Register adds a type. Registering the same name twice is an error.
func (c *Catalog) Register(t *Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[t.Name]; ok {
		return fmt.Errorf("host type %q already registered", t.Name)
	}
	c.types[t.Name] = t
	return nil
}

// Lookup returns the type with the given name.
func (c *Catalog) Lookup(name string) (*Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

// Ancestors returns every transitive supertype of name, nearest first.
// Supertypes that are not registered are still reported but not expanded.
func (c *Catalog) Ancestors(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]bool{name: true}
	var out []string
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		t, ok := c.types[cur]
		if !ok {
			continue
		}
		for _, super := range t.Supertypes {
			if seen[super] {
				continue
			}
			seen[super] = true
			out = append(out, super)
			queue = append(queue, super)
		}
	}
	return out
}
