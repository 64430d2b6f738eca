// Package voiceclass holds the static table of backend limits per voice class.
package voiceclass

import (
	"errors"
	"fmt"
	"sort"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

// ErrUnknownClass is returned for classes missing from the registry.
var ErrUnknownClass = errors.New("unknown voice class")

// Registry maps a voice class to its limits. It is immutable after New.
type Registry struct {
	limits map[string]narration.VoiceClassLimits
	names  []string
}

// New builds a registry from explicit limits.
func New(limits ...narration.VoiceClassLimits) (*Registry, error) {
	if len(limits) == 0 {
		return nil, errors.New("voice class registry requires at least one class")
	}
	r := &Registry{limits: make(map[string]narration.VoiceClassLimits, len(limits))}
	for _, l := range limits {
		if l.Class == "" {
			return nil, errors.New("voice class name must not be empty")
		}
		if l.MaxRequestsPerSecond <= 0 || l.MaxCharsPerRequest <= 0 {
			return nil, fmt.Errorf("voice class %s: limits must be positive", l.Class)
		}
		if _, dup := r.limits[l.Class]; dup {
			return nil, fmt.Errorf("voice class %s declared twice", l.Class)
		}
		r.limits[l.Class] = l
		r.names = append(r.names, l.Class)
	}
	sort.Strings(r.names)
	return r, nil
}

// FromConfig builds a registry from the voice_classes config section.
func FromConfig(classes []config.VoiceClassConfig) (*Registry, error) {
	limits := make([]narration.VoiceClassLimits, 0, len(classes))
	for _, c := range classes {
		limits = append(limits, narration.VoiceClassLimits{
			Class:                c.Name,
			MaxRequestsPerSecond: c.MaxRequestsPerSecond,
			MaxCharsPerRequest:   c.MaxCharsPerRequest,
		})
	}
	return New(limits...)
}

// Lookup returns the limits for class.
func (r *Registry) Lookup(class string) (narration.VoiceClassLimits, error) {
	l, ok := r.limits[class]
	if !ok {
		return narration.VoiceClassLimits{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return l, nil
}

// Has reports whether class is registered.
func (r *Registry) Has(class string) bool {
	_, ok := r.limits[class]
	return ok
}

// Classes returns registered class names in sorted order.
func (r *Registry) Classes() []string {
	return append([]string(nil), r.names...)
}

// All returns every class's limits in sorted class order.
func (r *Registry) All() []narration.VoiceClassLimits {
	out := make([]narration.VoiceClassLimits, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.limits[name])
	}
	return out
}
