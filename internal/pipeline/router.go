package pipeline

import "fmt"

// Router dispatches by provider name to a registered backend, with a
// configurable fallback when the requested provider is unknown.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router over the given backends.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for provider, or the fallback backend.
func (r *Router[T]) Route(provider string) (T, error) {
	if backend, ok := r.backends[provider]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for provider %q", provider)
}

// Providers returns the names of all registered backends.
func (r *Router[T]) Providers() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	return names
}
