package providers

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoProviders is returned when nothing is registered
	ErrNoProviders = errors.New("no providers registered")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Matcher decides whether a model identifier belongs to a provider
type Matcher func(model string) bool

// Prefix matches models starting with p, ignoring case
func Prefix(p string) Matcher {
	p = strings.ToLower(p)
	return func(model string) bool {
		return strings.HasPrefix(strings.ToLower(model), p)
	}
}

// Contains matches models containing sub, ignoring case
func Contains(sub string) Matcher {
	sub = strings.ToLower(sub)
	return func(model string) bool {
		return strings.Contains(strings.ToLower(model), sub)
	}
}

// Pattern matches models against re
func Pattern(re *regexp.Regexp) Matcher {
	return re.MatchString
}

// Route maps matching models to a provider
type Route struct {
	Match      Matcher
	ProviderID string
}

// Registry holds the provider specs and the ordered model routing table.
// Routes are evaluated in the order they were added.
type Registry struct {
	mu        sync.RWMutex
	specs     map[string]*Spec
	seq       []string // registration order
	routes    []Route
	defaultID string
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]*Spec),
	}
}

// Register adds a provider spec. The first registered provider becomes the
// default until SetDefault is called.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil {
		return errors.New("provider spec cannot be nil")
	}
	if spec.ID == "" {
		return errors.New("provider id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, spec.ID)
	}
	r.specs[spec.ID] = spec
	r.seq = append(r.seq, spec.ID)
	if r.defaultID == "" {
		r.defaultID = spec.ID
	}
	return nil
}

// AddRoute appends a routing rule
func (r *Registry) AddRoute(match Matcher, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[providerID]; !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	r.routes = append(r.routes, Route{Match: match, ProviderID: providerID})
	return nil
}

// SetDefault selects the provider used when no route matches
func (r *Registry) SetDefault(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[providerID]; !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	r.defaultID = providerID
	return nil
}

// Get retrieves a provider by id
func (r *Registry) Get(id string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, exists := r.specs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return spec, nil
}

// Resolve returns the provider a model routes to, or the default provider
func (r *Registry) Resolve(model string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model != "" {
		for _, route := range r.routes {
			if route.Match(model) {
				return r.specs[route.ProviderID], nil
			}
		}
	}
	if r.defaultID == "" {
		return nil, ErrNoProviders
	}
	return r.specs[r.defaultID], nil
}

// Ordered returns every spec sorted by priority, then registration order
func (r *Registry) Ordered() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Spec, 0, len(r.seq))
	for _, id := range r.seq {
		out = append(out, r.specs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// IDs returns provider ids in priority order
func (r *Registry) IDs() []string {
	specs := r.Ordered()
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.specs)
}

// Default returns the default provider id
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaultID
}
