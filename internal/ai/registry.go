package ai

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown ai provider")

// Registry is the process-wide provider table, keyed by normalized provider id.
// It is filled once at startup and only read afterwards.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		r.Register(d)
	}
	return r
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) Register(d Descriptor) {
	d.ID = normalizeID(d.ID)
	d.Models = append([]Model(nil), d.Models...)
	if d.Headers != nil {
		h := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			h[k] = v
		}
		d.Headers = h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.ID] = d
}

func (r *Registry) Get(id string) (Descriptor, error) {
	key := normalizeID(id)
	r.mu.RLock()
	d, ok := r.descriptors[key]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, key)
	}
	return d, nil
}

// List returns all descriptors ordered by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
