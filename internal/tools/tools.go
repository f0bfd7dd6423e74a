// Package tools holds the tool registry: named handlers with a JSON Schema
// parameter description, an enabled subset, and the manifest sent to
// clients on connect.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/mcpserve/internal/config"
	"github.com/codefionn/mcpserve/internal/sandbox"
)

// Handler executes one tool call. args is the decoded "args" object of the
// request (never nil). The returned value is serialized into the
// tool_response envelope; a returned error is sent to the client verbatim
// in the error envelope.
type Handler func(ctx *Context, args map[string]interface{}) (interface{}, error)

// Definition describes a registered tool. Parameters is an opaque JSON
// Schema blob forwarded to clients as-is in the manifest.
type Definition struct {
	Description string
	Parameters  json.RawMessage
	Handler     Handler
}

// Context is the narrow view of server state a handler may touch:
// permission flags, the sandbox predicate and the log sink. The dispatcher
// constructs one per call; handlers never see the server itself.
type Context struct {
	Permissions *config.Permissions
	Sandbox     *sandbox.Set
	Log         func(msg string)
}

// Logf writes a formatted line to the server log.
func (c *Context) Logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log(fmt.Sprintf(format, args...))
	}
}

// Enforce applies the sandbox predicate to path.
func (c *Context) Enforce(path string) error {
	if c.Sandbox == nil {
		return nil
	}
	return c.Sandbox.Enforce(path)
}

// ManifestEntry is one tool's description in the manifest message.
type ManifestEntry struct {
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry maps tool names to definitions and tracks which are enabled.
// The enabled set is always a subset of the registered names. Safe for
// concurrent use.
type Registry struct {
	logf func(msg string)

	mu      sync.RWMutex
	defs    map[string]Definition
	enabled map[string]struct{}
}

// NewRegistry creates an empty registry logging through logf (may be nil).
func NewRegistry(logf func(msg string)) *Registry {
	return &Registry{
		logf:    logf,
		defs:    make(map[string]Definition),
		enabled: make(map[string]struct{}),
	}
}

func (r *Registry) log(msg string) {
	if r.logf != nil {
		r.logf(msg)
	}
}

// Register inserts or replaces a definition. Empty names are rejected with
// a warning.
func (r *Registry) Register(name string, def Definition) {
	if name == "" {
		r.log("Warning: Attempt to register tool with empty name.")
		return
	}
	r.mu.Lock()
	r.defs[name] = def
	r.mu.Unlock()
	r.log("Tool added: " + name)
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up a definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Enable adds a registered tool to the enabled set. Enabling an unknown
// name is a no-op warning, never an error.
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	_, known := r.defs[name]
	if known {
		r.enabled[name] = struct{}{}
	}
	r.mu.Unlock()
	if known {
		r.log("Tool enabled: " + name)
	} else {
		r.log("Warning: Attempt to enable non-existent tool: " + name)
	}
}

// Disable removes the name from the enabled set unconditionally.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	delete(r.enabled, name)
	r.mu.Unlock()
	r.log("Tool disabled: " + name)
}

// IsEnabled reports membership in the enabled set.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.enabled[name]
	return ok
}

// Enabled returns the enabled tool names, sorted.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest returns the payload of the manifest message: every enabled tool
// mapped to its description and parameter schema.
func (r *Registry) Manifest() map[string]ManifestEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest := make(map[string]ManifestEntry, len(r.enabled))
	for name := range r.enabled {
		def, ok := r.defs[name]
		if !ok {
			// Enable guards against this, but tolerate it the way the
			// rest of the pipeline does.
			r.log("Warning: Enabled tool '" + name + "' not found. Skipping from manifest.")
			continue
		}
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		manifest[name] = ManifestEntry{Description: def.Description, Parameters: params}
	}
	return manifest
}
