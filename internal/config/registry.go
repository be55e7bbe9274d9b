package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/flowone/pkg/media"
)

// ErrTransportNotRegistered is returned by [Registry.CreateJoiner] when no
// factory has been registered under the requested transport name.
var ErrTransportNotRegistered = errors.New("config: room transport not registered")

// JoinerFactory builds a room joiner from the avatar configuration.
type JoinerFactory func(AvatarConfig) (media.RoomJoiner, error)

// Registry maps room transport names to joiner constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	joiners map[string]JoinerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{joiners: make(map[string]JoinerFactory)}
}

// RegisterJoiner registers a room joiner factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterJoiner(name string, factory JoinerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joiners[name] = factory
}

// CreateJoiner instantiates the joiner registered under cfg.Transport.
// Returns [ErrTransportNotRegistered] if nothing is registered for that name.
func (r *Registry) CreateJoiner(cfg AvatarConfig) (media.RoomJoiner, error) {
	r.mu.RLock()
	factory, ok := r.joiners[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrTransportNotRegistered, cfg.Transport, r.Transports())
	}
	j, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create room joiner %q: %w", cfg.Transport, err)
	}
	return j, nil
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.joiners))
	for name := range r.joiners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
