// Package template holds the template store contract consumed by the
// dispatch gate, plus an in-memory implementation used by tests and
// local-mode deployments.
package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Info is the lookup result the gate cares about.
type Info struct {
	Exists bool
	Active bool
}

// Store is the external template collaborator.
type Store interface {
	FindByName(ctx context.Context, name string) (Info, error)
}

// MemoryStore keeps compiled templates in memory.
//
// Every template declares the context keys it reads; Render validates them at
// render time, so dispatch stays schema-less at the boundary.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*entry
}

type entry struct {
	tmpl   *template.Template
	raw    string
	keys   []string
	active bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: map[string]*entry{}}
}

// Register adds or replaces a template. keys are the context keys the body
// reads; they are required at render time.
func (s *MemoryStore) Register(name, body string, keys ...string) error {
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = &entry{tmpl: tmpl, raw: body, keys: append([]string(nil), keys...), active: true}
	return nil
}

// SetActive toggles a template without removing it.
func (s *MemoryStore) SetActive(name string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.templates[name]
	if !ok {
		return false
	}
	e.active = active
	return true
}

func (s *MemoryStore) FindByName(_ context.Context, name string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.templates[name]
	if !ok {
		return Info{}, nil
	}
	return Info{Exists: true, Active: e.active}, nil
}

// Render executes the named template after checking that every declared key
// is present in data.
func (s *MemoryStore) Render(name string, data map[string]any) (string, error) {
	s.mu.RLock()
	e, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}

	var missing []string
	for _, k := range e.keys {
		if _, ok := data[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("template %s: missing context keys: %s", name, strings.Join(missing, ", "))
	}

	var out strings.Builder
	if err := e.tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return out.String(), nil
}

// Raw returns the raw template text if present.
func (s *MemoryStore) Raw(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.templates[name]
	if !ok {
		return "", false
	}
	return e.raw, true
}
