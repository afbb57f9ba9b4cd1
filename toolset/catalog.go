// Package toolset exposes registered tools over HTTP. A tool is either a
// native Go function or a capability of a connected external provider;
// both are invoked the same way, by POSTing JSON arguments to /{tool}.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Kind says where a catalog entry's implementation lives.
type Kind string

const (
	// KindFunction is a native Go function registered in-process.
	KindFunction Kind = "function"
	// KindProvider is a capability of a connected external provider.
	KindProvider Kind = "provider"
)

// reservedNames are path segments the HTTP surface claims for itself. A
// tool with one of these names could never be routed to.
var reservedNames = map[string]struct{}{
	"addMCP":      {},
	"health":      {},
	"close":       {},
	"schema":      {},
	"tools":       {},
	"interpreter": {},
	"upload":      {},
	"openapi":     {},
	"docs":        {},
	"redoc":       {},
}

// InvokeFunc executes a tool. Arguments arrive as the raw JSON request
// body; the returned value is serialized as the response body.
type InvokeFunc func(ctx context.Context, arguments json.RawMessage) (any, error)

// Entry is one invocable tool in the catalog.
type Entry struct {
	Name        string
	Kind        Kind
	Description string
	// Schema describes the tool's arguments as a JSON Schema object.
	Schema *jsonschema.Schema
	// Identifier and Capability are set on provider-backed entries: the
	// owning provider's identifier and the capability name it exposes.
	Identifier string
	Capability string
	Invoke     InvokeFunc
}

// Catalog is the set of registered tools, keyed by name. All methods are
// safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Entry)}
}

// Register adds a tool. Names become URL path segments, so they must be
// non-empty, free of slashes and spaces, and must not collide with the
// built-in routes or an already registered tool.
func (c *Catalog) Register(entry Entry) error {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return fmt.Errorf("toolset: tool name is required")
	}
	if strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("toolset: tool name %q must not contain slashes or spaces", name)
	}
	if _, ok := reservedNames[name]; ok {
		return fmt.Errorf("toolset: tool name %q is reserved", name)
	}
	if entry.Kind != KindFunction && entry.Kind != KindProvider {
		return fmt.Errorf("toolset: tool %q has unknown kind %q", name, entry.Kind)
	}
	if entry.Invoke == nil {
		return fmt.Errorf("toolset: tool %q has no invoke function", name)
	}
	entry.Name = name

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("toolset: tool %q is already registered", name)
	}
	c.entries[name] = entry
	return nil
}

// Deregister removes one tool by name and reports whether it existed.
func (c *Catalog) Deregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; !exists {
		return false
	}
	delete(c.entries, name)
	return true
}

// DeregisterProvider removes every entry owned by the given provider
// identifier and returns the removed names in sorted order.
func (c *Catalog) DeregisterProvider(identifier string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for name, entry := range c.entries {
		if entry.Kind == KindProvider && entry.Identifier == identifier {
			delete(c.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get looks up a tool by name.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	return entry, ok
}

// All returns every entry sorted by name.
func (c *Catalog) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Len reports the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
