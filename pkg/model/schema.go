package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// SchemaKey identifies a config schema by name and namespace
type SchemaKey struct {
	Name      string
	Namespace string
}

// Schema is a registered config definition. The checksum is the
// content-addressed identity of the definition payload: same bytes, same
// checksum; distinct checksums are served as distinct configs.
type Schema struct {
	Name       string
	Namespace  string
	Checksum   string
	Definition []byte
}

// Checksum computes the content checksum for a definition payload
func Checksum(definition []byte) string {
	sum := sha256.Sum256(definition)
	return hex.EncodeToString(sum[:])
}

// Registry maps (name, namespace) to schemas. Lookups are plain map reads;
// the set is populated at startup from built-ins plus user definitions.
type Registry struct {
	mu      sync.RWMutex
	schemas map[SchemaKey]*Schema
}

// NewRegistry creates a registry seeded with the built-in schemas
func NewRegistry() *Registry {
	r := &Registry{
		schemas: make(map[SchemaKey]*Schema),
	}
	for _, s := range builtins() {
		r.schemas[SchemaKey{Name: s.Name, Namespace: s.Namespace}] = s
	}
	return r
}

// Register adds or replaces a schema. The checksum is computed from the
// definition if unset.
func (r *Registry) Register(s *Schema) error {
	if s.Name == "" || s.Namespace == "" {
		return errdefs.Validationf("schema name and namespace are required")
	}
	if s.Checksum == "" {
		s.Checksum = Checksum(s.Definition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[SchemaKey{Name: s.Name, Namespace: s.Namespace}] = s
	return nil
}

// Lookup returns the schema for a key
func (r *Registry) Lookup(key SchemaKey) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[key]
	if !ok {
		return nil, errdefs.NotFoundf("schema %s.%s not registered", key.Namespace, key.Name)
	}
	return s, nil
}

// Keys returns all registered keys in deterministic order
func (r *Registry) Keys() []SchemaKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]SchemaKey, 0, len(r.schemas))
	for key := range r.schemas {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

func builtins() []*Schema {
	defs := []struct {
		name, namespace string
		definition      string
	}{
		{"services", "burrow", "clusters:\n  documents: []\n  hosts: 0\n"},
		{"hosts", "burrow", "hosts: []\n"},
		{"deployment", "burrow", "tenant: \"\"\napplication: \"\"\ninstance: \"\"\n"},
	}

	schemas := make([]*Schema, 0, len(defs))
	for _, d := range defs {
		schemas = append(schemas, &Schema{
			Name:       d.name,
			Namespace:  d.namespace,
			Checksum:   Checksum([]byte(d.definition)),
			Definition: []byte(d.definition),
		})
	}
	return schemas
}
