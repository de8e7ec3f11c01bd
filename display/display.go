// Package display maps raw node outputs to presentation metadata. Each node
// type may register a pure Formatter; the scheduler attaches the result to
// the node's outputs under the reserved "_display_metadata" key.
package display

import (
	"fmt"
	"sync"
)

type (
	// Type enumerates the supported presentation forms.
	Type string

	// Metadata is the canonical presentation record attached to node
	// outputs.
	Metadata struct {
		// DisplayType selects the rendering mode.
		DisplayType Type `json:"display_type"`
		// PrimaryContent is the main renderable value.
		PrimaryContent any `json:"primary_content"`
		// Attachments lists secondary artifacts (images, files, tables).
		Attachments []Attachment `json:"attachments,omitempty"`
		// Error records a formatter failure. When set the metadata was
		// downgraded to the json fallback.
		Error string `json:"error,omitempty"`
	}

	// Attachment is a secondary artifact referenced by display metadata.
	Attachment struct {
		Name        string `json:"name"`
		ContentType string `json:"content_type,omitempty"`
		URL         string `json:"url,omitempty"`
		Data        any    `json:"data,omitempty"`
	}

	// Formatter produces presentation metadata from a raw outputs map. It
	// must be pure: no I/O, no mutation of outputs.
	Formatter func(outputs map[string]any) (Metadata, error)

	// Registry maps node types to formatters. Mutable during engine
	// assembly, read-only once executions start.
	Registry struct {
		mu         sync.RWMutex
		formatters map[string]Formatter
	}
)

// Display types.
const (
	TypeHTML     Type = "html"
	TypeMarkdown Type = "markdown"
	TypeChart    Type = "chart"
	TypeTable    Type = "table"
	TypeImage    Type = "image"
	TypeJSON     Type = "json"
)

// NewRegistry returns an empty formatter registry.
func NewRegistry() *Registry {
	return &Registry{formatters: make(map[string]Formatter)}
}

// Register associates a formatter with a node type, replacing any previous
// registration.
func (r *Registry) Register(nodeType string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[nodeType] = f
}

// Format produces metadata for the given node type's outputs. Node types
// without a formatter, and formatter failures, fall back to display type
// json with the raw outputs as primary content. Format never returns an
// error; failures are recorded on the metadata.
func (r *Registry) Format(nodeType string, outputs map[string]any) Metadata {
	r.mu.RLock()
	f := r.formatters[nodeType]
	r.mu.RUnlock()
	if f == nil {
		return Metadata{DisplayType: TypeJSON, PrimaryContent: outputs}
	}
	md, err := func() (md Metadata, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("formatter panicked: %v", p)
			}
		}()
		return f(outputs)
	}()
	if err != nil {
		return Metadata{DisplayType: TypeJSON, PrimaryContent: outputs, Error: err.Error()}
	}
	if md.DisplayType == "" {
		md.DisplayType = TypeJSON
	}
	return md
}
