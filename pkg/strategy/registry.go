package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

// Registry maps strategy ids to implementations.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Strategy
	log  logger.Logger
}

// NewRegistry creates an empty registry. A nil log silences replacement
// warnings.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = zerologger.Nop()
	}
	return &Registry{
		byID: make(map[string]Strategy),
		log:  log,
	}
}

// SetLogger swaps the registry logger. The default registry exists before
// the process logger does, so the runtime attaches one here at startup.
func (r *Registry) SetLogger(log logger.Logger) {
	if log == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
}

// Register adds a strategy, replacing any previous one with the same id.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[s.ID()]; exists {
		r.log.Warnf("strategy %q re-registered, previous registration replaced", s.ID())
	}
	r.byID[s.ID()] = s
}

// Lookup resolves an id. Unknown ids error with the full registered list so
// a config typo is diagnosable from the message alone.
func (r *Registry) Lookup(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		ids := r.idsLocked()
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: unknown strategy %q, none registered", core.ErrConfigInvalid, id)
		}
		return nil, fmt.Errorf("%w: unknown strategy %q, registered: %s",
			core.ErrConfigInvalid, id, strings.Join(ids, ", "))
	}
	return s, nil
}

// IDs lists registered strategy ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default is the process-global registry built-in strategies register into
// on import.
var Default = NewRegistry(nil)

// Register adds a strategy to the default registry.
func Register(s Strategy) { Default.Register(s) }

// Lookup resolves an id against the default registry.
func Lookup(id string) (Strategy, error) { return Default.Lookup(id) }

// IDs lists the default registry's strategy ids, sorted.
func IDs() []string { return Default.IDs() }
