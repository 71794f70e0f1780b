package plugin

import (
	"sync"

	"github.com/forgehook/forgehook/internal/errdefs"
)

// lockTable serializes lifecycle operations per plugin. A second
// operation on a plugin that is already mid-transition fails fast with
// CONFLICT instead of queueing.
type lockTable struct {
	mu   sync.Mutex
	held map[string]string // plugin instance id -> operation in flight
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]string)}
}

// acquire claims the plugin for op or reports the operation holding it.
func (l *lockTable) acquire(pluginID, op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[pluginID]; ok {
		return errdefs.New(errdefs.CodeConflict,
			"plugin %s is busy: %s in progress", pluginID, current).
			WithDetail("operation", current)
	}
	l.held[pluginID] = op
	return nil
}

func (l *lockTable) release(pluginID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, pluginID)
}
