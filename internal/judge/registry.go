package judge

import (
	"fmt"
	"sync"

	"github.com/msageha/taskgate/internal/quality"
)

// Registry holds the current judge set. Reloads swap the whole set so an
// evaluation always sees one consistent configuration.
type Registry struct {
	mu      sync.RWMutex
	judges  []Judge
	version int
	eval    *quality.Engine
}

func NewRegistry(eval *quality.Engine, judges ...Judge) *Registry {
	if eval == nil {
		eval = quality.NewEngine()
	}
	return &Registry{judges: judges, eval: eval}
}

// LoadRegistry builds a registry from a file.
func LoadRegistry(path string, eval *quality.Engine) (*Registry, error) {
	r := NewRegistry(eval)
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Judges returns the current set. The slice must not be modified.
func (r *Registry) Judges() []Judge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.judges
}

func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Replace installs a new judge set.
func (r *Registry) Replace(judges []Judge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.judges = judges
	r.version++
}

// Reload reads path and replaces the set. On error the set is unchanged.
func (r *Registry) Reload(path string) error {
	rf, err := LoadFile(path)
	if err != nil {
		return err
	}
	judges, err := rf.Build(r.eval)
	if err != nil {
		return fmt.Errorf("build judges: %w", err)
	}
	r.Replace(judges)
	return nil
}

// IDs lists the ids of the current set in order.
func (r *Registry) IDs() []string {
	judges := r.Judges()
	ids := make([]string, len(judges))
	for i, j := range judges {
		ids[i] = j.ID()
	}
	return ids
}
