// Package embedded runs plugins inside the control-plane process. A
// module is a table of named Go functions registered at build time and
// selected by the manifest's bundleUrl or moduleCode key; the module
// source text is retained on the record for display and export.
package embedded

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/store"
)

// Function is one callable export of an embedded module. input is the
// decoded request body; config is the instance's config map.
type Function func(ctx context.Context, input map[string]interface{}, config map[string]interface{}) (interface{}, error)

// Module is a named set of exported functions.
type Module struct {
	Name      string
	Functions map[string]Function
}

// Exports returns the sorted exported function names.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Module)
)

// Register adds a module to the builtin table under the given key.
// Called from init functions of module packages.
func Register(key string, m *Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[key] = m
}

// Resolve looks up a registered module by key.
func Resolve(key string) (*Module, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[key]
	return m, ok
}

// loadedModule is a module bound to one plugin instance.
type loadedModule struct {
	module          *Module
	key             string
	config          map[string]interface{}
	invocationCount int64
	lastInvoked     *time.Time

	// previous retains the replaced module across a hot update so a
	// rollback can restore it without a fresh resolve.
	previous *loadedModule
}

// Health is the embedded host's per-plugin health report.
type Health struct {
	Loaded          bool       `json:"loaded"`
	Functions       []string   `json:"functions"`
	InvocationCount int64      `json:"invocationCount"`
	LastInvoked     *time.Time `json:"lastInvoked,omitempty"`
}

// Host implements the embedded runtime driver.
type Host struct {
	log zerolog.Logger

	mu     sync.RWMutex
	loaded map[string]*loadedModule // plugin instance id -> module
}

// NewHost creates an empty host.
func NewHost(log zerolog.Logger) *Host {
	return &Host{
		log:    log.With().Str("component", "embedded-host").Logger(),
		loaded: make(map[string]*loadedModule),
	}
}

// moduleKey picks the registry key for a record: bundleUrl wins, then
// the manifest id.
func moduleKey(p *store.PluginInstance) string {
	if p.BundleURL != "" {
		return p.BundleURL
	}
	return p.ForgehookID
}

// Install loads the module and records its exports.
func (h *Host) Install(ctx context.Context, p *store.PluginInstance) error {
	return h.load(p)
}

// load binds the registered module to the instance.
func (h *Host) load(p *store.PluginInstance) error {
	key := moduleKey(p)
	module, ok := Resolve(key)
	if !ok {
		return errdefs.New(errdefs.CodeInstallFailed,
			"no embedded module registered for %q", key).
			WithDetail("availableModules", registeredKeys())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded[p.ID] = &loadedModule{
		module: module,
		key:    key,
		config: p.Config,
	}

	p.ModuleCode = p.Manifest.ModuleCode
	p.ModuleExports = module.Exports()
	p.ModuleLoaded = true
	return nil
}

// Start marks the module loaded, re-binding it if the host restarted.
func (h *Host) Start(ctx context.Context, p *store.PluginInstance) error {
	h.mu.RLock()
	_, ok := h.loaded[p.ID]
	h.mu.RUnlock()
	if !ok {
		if err := h.load(p); err != nil {
			return err
		}
	}
	p.ModuleLoaded = true
	return nil
}

// Stop unbinds the module but keeps the record intact.
func (h *Host) Stop(ctx context.Context, p *store.PluginInstance) error {
	h.mu.Lock()
	delete(h.loaded, p.ID)
	h.mu.Unlock()
	p.ModuleLoaded = false
	return nil
}

// Uninstall removes all trace of the module binding.
func (h *Host) Uninstall(ctx context.Context, p *store.PluginInstance) error {
	h.mu.Lock()
	delete(h.loaded, p.ID)
	h.mu.Unlock()
	p.ModuleLoaded = false
	p.ModuleExports = nil
	return nil
}

// CheckHealth reports healthy while the module is bound.
func (h *Host) CheckHealth(ctx context.Context, p *store.PluginInstance) (store.HealthStatus, error) {
	h.mu.RLock()
	_, ok := h.loaded[p.ID]
	h.mu.RUnlock()
	if ok {
		return store.HealthHealthy, nil
	}
	return store.HealthUnknown, nil
}

// Update swaps the module atomically: the replacement must resolve
// before the old binding is discarded. The replaced binding is retained
// for rollback.
func (h *Host) Update(ctx context.Context, p *store.PluginInstance) error {
	key := moduleKey(p)
	module, ok := Resolve(key)
	if !ok {
		return errdefs.New(errdefs.CodeUpdateFailed,
			"no embedded module registered for %q", key).
			WithDetail("availableModules", registeredKeys())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.loaded[p.ID]
	h.loaded[p.ID] = &loadedModule{
		module:   module,
		key:      key,
		config:   p.Config,
		previous: old,
	}

	p.ModuleCode = p.Manifest.ModuleCode
	p.ModuleExports = module.Exports()
	p.ModuleLoaded = true
	return nil
}

// Rollback restores the binding retained by the last Update. When no
// retained binding exists it falls back to a fresh load of the record's
// current key.
func (h *Host) Rollback(ctx context.Context, p *store.PluginInstance) error {
	h.mu.Lock()
	current := h.loaded[p.ID]
	if current != nil && current.previous != nil {
		h.loaded[p.ID] = current.previous
		p.ModuleExports = current.previous.module.Exports()
		p.ModuleLoaded = true
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.load(p)
}

// Invoke calls the named exported function. A panic inside the module
// is converted to EXECUTION_ERROR instead of crashing the host.
func (h *Host) Invoke(ctx context.Context, p *store.PluginInstance, function string, input map[string]interface{}) (result interface{}, err error) {
	h.mu.RLock()
	lm, ok := h.loaded[p.ID]
	h.mu.RUnlock()
	if !ok {
		return nil, errdefs.New(errdefs.CodePluginNotRunning,
			"embedded plugin %s is not loaded", p.ForgehookID)
	}

	name := strings.TrimPrefix(function, "/")
	fn, ok := lm.module.Functions[name]
	if !ok {
		return nil, errdefs.New(errdefs.CodeFunctionNotFound,
			"function %q not exported by %s", name, p.ForgehookID).
			WithDetail("availableFunctions", lm.module.Exports())
	}

	h.mu.Lock()
	lm.invocationCount++
	now := time.Now().UTC()
	lm.lastInvoked = &now
	h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("plugin", p.ForgehookID).
				Str("function", name).
				Interface("panic", r).
				Msg("embedded module panicked")
			result = nil
			err = errdefs.New(errdefs.CodeExecutionError,
				"function %q panicked: %v", name, r)
		}
	}()

	result, err = fn(ctx, input, lm.config)
	if err != nil {
		if _, isTyped := err.(*errdefs.Error); isTyped {
			return nil, err
		}
		return nil, errdefs.Wrap(errdefs.CodeExecutionError, err,
			"function %q failed", name)
	}
	return result, nil
}

// Functions lists the exported function names of a loaded plugin.
func (h *Host) Functions(p *store.PluginInstance) ([]string, error) {
	h.mu.RLock()
	lm, ok := h.loaded[p.ID]
	h.mu.RUnlock()
	if !ok {
		return nil, errdefs.New(errdefs.CodePluginNotRunning,
			"embedded plugin %s is not loaded", p.ForgehookID)
	}
	return lm.module.Exports(), nil
}

// Report returns the health payload for a plugin.
func (h *Host) Report(p *store.PluginInstance) Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lm, ok := h.loaded[p.ID]
	if !ok {
		return Health{Loaded: false}
	}
	return Health{
		Loaded:          true,
		Functions:       lm.module.Exports(),
		InvocationCount: lm.invocationCount,
		LastInvoked:     lm.lastInvoked,
	}
}

func registeredKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewModule is a convenience constructor for registering builtins.
func NewModule(name string, fns map[string]Function) *Module {
	if fns == nil {
		fns = make(map[string]Function)
	}
	return &Module{Name: name, Functions: fns}
}
