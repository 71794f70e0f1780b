// Package runtime defines the contract each execution substrate
// implements. The lifecycle manager coordinates multi-step operations;
// drivers own the substrate-specific mechanics.
package runtime

import (
	"context"

	"github.com/forgehook/forgehook/internal/store"
)

// Driver is the per-runtime lifecycle contract. Methods mutate the
// passed record in place (container ids, ports, resolved URLs); the
// lifecycle manager persists it afterwards.
type Driver interface {
	// Install provisions the substrate artifacts: pulls images, creates
	// containers and volumes, loads modules, resolves gateway URLs.
	Install(ctx context.Context, p *store.PluginInstance) error

	// Start brings the plugin to a running state. Idempotent.
	Start(ctx context.Context, p *store.PluginInstance) error

	// Stop halts the plugin. Idempotent.
	Stop(ctx context.Context, p *store.PluginInstance) error

	// Uninstall releases every substrate resource the plugin holds.
	Uninstall(ctx context.Context, p *store.PluginInstance) error

	// CheckHealth probes the plugin once.
	CheckHealth(ctx context.Context, p *store.PluginInstance) (store.HealthStatus, error)
}

// StateSink receives asynchronous state changes observed by a driver
// outside of a lifecycle call, e.g. a container crash or a gateway
// health flip. The lifecycle manager implements it.
type StateSink interface {
	OnRuntimeStateChange(pluginID string, status store.Status, health store.HealthStatus, errMsg string)
}
