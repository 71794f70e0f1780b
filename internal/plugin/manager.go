// Package plugin hosts the lifecycle manager and the invocation router:
// the single writer for plugin state transitions and the dispatch point
// for plugin function calls.
package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/events"
	"github.com/forgehook/forgehook/internal/fhk"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/metrics"
	"github.com/forgehook/forgehook/internal/ports"
	"github.com/forgehook/forgehook/internal/registry"
	"github.com/forgehook/forgehook/internal/runtime"
	"github.com/forgehook/forgehook/internal/runtime/container"
	"github.com/forgehook/forgehook/internal/runtime/embedded"
	"github.com/forgehook/forgehook/internal/runtime/gateway"
	"github.com/forgehook/forgehook/internal/store"
)

// Deps collects the collaborators the manager coordinates.
type Deps struct {
	Store     store.Store
	Container *container.Supervisor
	Embedded  *embedded.Host
	Gateway   *gateway.Driver
	Registry  *registry.Aggregator
	Codec     *fhk.Codec
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Ports     *ports.Allocator
	Log       zerolog.Logger
}

// Manager owns every plugin state transition. Multi-step operations
// hold a per-plugin lock; a concurrent operation on the same plugin
// fails fast with CONFLICT.
type Manager struct {
	store     store.Store
	container *container.Supervisor
	embedded  *embedded.Host
	gateway   *gateway.Driver
	registry  *registry.Aggregator
	codec     *fhk.Codec
	bus       *events.Bus
	metrics   *metrics.Metrics
	ports     *ports.Allocator
	log       zerolog.Logger

	locks *lockTable
}

// NewManager wires the manager and registers it as the state sink of
// the runtime drivers.
func NewManager(d Deps) *Manager {
	m := &Manager{
		store:     d.Store,
		container: d.Container,
		embedded:  d.Embedded,
		gateway:   d.Gateway,
		registry:  d.Registry,
		codec:     d.Codec,
		bus:       d.Bus,
		metrics:   d.Metrics,
		ports:     d.Ports,
		log:       d.Log.With().Str("component", "lifecycle-manager").Logger(),
		locks:     newLockTable(),
	}
	if d.Container != nil {
		d.Container.SetSink(m)
	}
	if d.Gateway != nil {
		d.Gateway.SetSink(m)
	}
	return m
}

// driverFor selects the runtime driver for a record.
func (m *Manager) driverFor(rt manifest.Runtime) (runtime.Driver, error) {
	switch rt {
	case manifest.RuntimeContainer:
		return m.container, nil
	case manifest.RuntimeEmbedded:
		return m.embedded, nil
	case manifest.RuntimeGateway:
		return m.gateway, nil
	}
	return nil, errdefs.New(errdefs.CodeValidation, "unknown runtime %q", rt)
}

// resolve loads a plugin by instance id or forgehook id.
func (m *Manager) resolve(ctx context.Context, id string) (*store.PluginInstance, error) {
	p, err := m.store.GetPlugin(ctx, id)
	if err == nil {
		return p, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	p, err = m.store.GetPluginByForgehookID(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodePluginNotFound, "plugin %s is not installed", id)
		}
		return nil, err
	}
	return p, nil
}

// List returns all installed plugin records.
func (m *Manager) List(ctx context.Context) ([]*store.PluginInstance, error) {
	return m.store.ListPlugins(ctx)
}

// Get returns one plugin record by id or forgehook id.
func (m *Manager) Get(ctx context.Context, id string) (*store.PluginInstance, error) {
	return m.resolve(ctx, id)
}

// History lists the update/rollback history of a plugin.
func (m *Manager) History(ctx context.Context, id string) ([]*store.UpdateHistoryEntry, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.store.ListHistory(ctx, p.ID)
}

// Logs returns recent container output. Embedded and gateway plugins
// have no captured stream, so they report synthetic status lines.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Runtime {
	case manifest.RuntimeContainer:
		return m.container.Logs(ctx, p, tail)
	case manifest.RuntimeEmbedded:
		report := m.embedded.Report(p)
		return []string{
			fmt.Sprintf("embedded module %s loaded=%t", p.ForgehookID, report.Loaded),
			fmt.Sprintf("invocations=%d", report.InvocationCount),
			fmt.Sprintf("status=%s health=%s", p.Status, p.HealthStatus),
		}, nil
	default:
		return []string{
			fmt.Sprintf("gateway plugin %s forwards to %s", p.ForgehookID, p.GatewayURL),
			"logs are managed by the external service",
			fmt.Sprintf("status=%s health=%s", p.Status, p.HealthStatus),
		}, nil
	}
}

// Functions lists the callable surface of a plugin: live exports for
// embedded modules, declared endpoints otherwise.
func (m *Manager) Functions(ctx context.Context, id string) ([]string, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Runtime == manifest.RuntimeEmbedded {
		return m.embedded.Functions(p)
	}
	return p.Manifest.EndpointPaths(), nil
}

// InstallRequest selects exactly one manifest source plus install
// options.
type InstallRequest struct {
	Manifest      json.RawMessage
	ManifestURL   string
	MarketplaceID string
	SourceID      string
	GithubRef     string

	Config      map[string]interface{}
	Environment map[string]string
	AutoStart   *bool
}

func (r *InstallRequest) autoStart() bool {
	return r.AutoStart == nil || *r.AutoStart
}

// resolveManifest turns the request into a validated manifest.
func (m *Manager) resolveManifest(ctx context.Context, req InstallRequest) (*manifest.Manifest, error) {
	sources := 0
	if len(req.Manifest) > 0 {
		sources++
	}
	if req.ManifestURL != "" {
		sources++
	}
	if req.MarketplaceID != "" {
		sources++
	}
	if req.GithubRef != "" {
		sources++
	}
	if sources != 1 {
		return nil, errdefs.New(errdefs.CodeValidation,
			"install requires exactly one of manifest, manifestUrl, marketplaceId or githubRef")
	}

	switch {
	case len(req.Manifest) > 0:
		mf, err := manifest.Parse(req.Manifest)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "invalid manifest")
		}
		return mf, nil
	case req.ManifestURL != "":
		return m.registry.FetchManifestURL(ctx, req.ManifestURL)
	case req.MarketplaceID != "":
		entry, err := m.registry.FindPlugin(ctx, req.MarketplaceID, req.SourceID)
		if err != nil {
			return nil, err
		}
		return entry.Manifest.Clone(), nil
	default:
		return m.registry.FetchGitHubManifest(ctx, req.GithubRef)
	}
}

// Install provisions a new plugin. A failed install leaves no partial
// record behind: substrate resources are torn down and nothing is
// persisted.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*store.PluginInstance, error) {
	mf, err := m.resolveManifest(ctx, req)
	if err != nil {
		m.countOp("install", err)
		return nil, err
	}

	// The install lock is keyed on the forgehook id so two concurrent
	// installs of the same plugin serialize before the duplicate check.
	if err := m.locks.acquire(mf.ID, "install"); err != nil {
		m.countOp("install", err)
		return nil, err
	}
	defer m.locks.release(mf.ID)

	if existing, err := m.store.GetPluginByForgehookID(ctx, mf.ID); err == nil {
		exErr := errdefs.New(errdefs.CodePluginExists,
			"plugin %s is already installed", mf.ID).
			WithDetail("pluginId", existing.ID)
		m.countOp("install", exErr)
		return nil, exErr
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	p := &store.PluginInstance{
		ID:               uuid.NewString(),
		ForgehookID:      mf.ID,
		Manifest:         mf,
		Runtime:          mf.Runtime,
		Status:           store.StatusInstalling,
		HealthStatus:     store.HealthUnknown,
		BundleURL:        mf.BundleURL,
		ModuleCode:       mf.ModuleCode,
		Config:           req.Config,
		Environment:      req.Environment,
		InstalledVersion: mf.Version,
		InstalledAt:      now,
	}

	if err := m.locks.acquire(p.ID, "install"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	driver, err := m.driverFor(p.Runtime)
	if err != nil {
		return nil, err
	}

	if err := driver.Install(ctx, p); err != nil {
		if terr := driver.Uninstall(context.Background(), p); terr != nil {
			m.log.Warn().Err(terr).Str("plugin", p.ForgehookID).
				Msg("failed to tear down partial install")
		}
		m.countOp("install", err)
		return nil, errdefs.AsError(err, errdefs.CodeInstallFailed)
	}

	p.Status = store.StatusInstalled
	if err := m.store.SavePlugin(ctx, p); err != nil {
		if terr := driver.Uninstall(context.Background(), p); terr != nil {
			m.log.Warn().Err(terr).Str("plugin", p.ForgehookID).
				Msg("failed to tear down install after persist failure")
		}
		m.countOp("install", err)
		return nil, err
	}

	m.countOp("install", nil)
	m.publish(events.KindInstalled, p, map[string]interface{}{"version": p.InstalledVersion})
	m.log.Info().
		Str("plugin", p.ForgehookID).
		Str("runtime", string(p.Runtime)).
		Str("version", p.InstalledVersion).
		Msg("plugin installed")

	if req.autoStart() {
		if err := m.startLocked(ctx, driver, p); err != nil {
			return p, err
		}
	}
	m.updateLiveGauge(ctx)
	return p, nil
}

// Start brings an installed plugin to running. Idempotent when the
// plugin is already running.
func (m *Manager) Start(ctx context.Context, id string) (*store.PluginInstance, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == store.StatusRunning {
		return p, nil
	}
	if err := m.locks.acquire(p.ID, "start"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	driver, err := m.driverFor(p.Runtime)
	if err != nil {
		return nil, err
	}
	if err := m.startLocked(ctx, driver, p); err != nil {
		return nil, err
	}
	m.updateLiveGauge(ctx)
	return p, nil
}

// startLocked runs the start transition under an already held lock.
func (m *Manager) startLocked(ctx context.Context, driver runtime.Driver, p *store.PluginInstance) error {
	if err := driver.Start(ctx, p); err != nil {
		p.Status = store.StatusError
		p.Error = errdefs.AsError(err, errdefs.CodeStartFailed).Message
		if serr := m.store.SavePlugin(ctx, p); serr != nil {
			m.log.Error().Err(serr).Str("plugin", p.ForgehookID).Msg("failed to persist start failure")
		}
		m.countOp("start", err)
		return errdefs.AsError(err, errdefs.CodeStartFailed)
	}

	now := time.Now().UTC()
	p.Status = store.StatusRunning
	p.HealthStatus = store.HealthUnknown
	p.Error = ""
	p.StartedAt = &now
	if err := m.store.SavePlugin(ctx, p); err != nil {
		return err
	}
	m.countOp("start", nil)
	m.publish(events.KindStarted, p, nil)
	return nil
}

// Stop halts a running plugin. Idempotent when already stopped.
func (m *Manager) Stop(ctx context.Context, id string) (*store.PluginInstance, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == store.StatusStopped {
		return p, nil
	}
	if err := m.locks.acquire(p.ID, "stop"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	driver, err := m.driverFor(p.Runtime)
	if err != nil {
		return nil, err
	}
	if err := driver.Stop(ctx, p); err != nil {
		m.countOp("stop", err)
		return nil, errdefs.AsError(err, errdefs.CodeStopFailed)
	}

	now := time.Now().UTC()
	p.Status = store.StatusStopped
	p.HealthStatus = store.HealthUnknown
	p.Error = ""
	p.StoppedAt = &now
	if err := m.store.SavePlugin(ctx, p); err != nil {
		return nil, err
	}
	m.countOp("stop", nil)
	m.publish(events.KindStopped, p, nil)
	m.updateLiveGauge(ctx)
	return p, nil
}

// Restart cycles the plugin without persisting an intermediate stopped
// state.
func (m *Manager) Restart(ctx context.Context, id string) (*store.PluginInstance, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.locks.acquire(p.ID, "restart"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	driver, err := m.driverFor(p.Runtime)
	if err != nil {
		return nil, err
	}

	if p.Runtime == manifest.RuntimeContainer {
		err = m.container.Restart(ctx, p)
	} else {
		if err = driver.Stop(ctx, p); err == nil {
			err = driver.Start(ctx, p)
		}
	}
	if err != nil {
		p.Status = store.StatusError
		p.Error = errdefs.AsError(err, errdefs.CodeStartFailed).Message
		if serr := m.store.SavePlugin(ctx, p); serr != nil {
			m.log.Error().Err(serr).Str("plugin", p.ForgehookID).Msg("failed to persist restart failure")
		}
		m.countOp("restart", err)
		return nil, errdefs.AsError(err, errdefs.CodeStartFailed)
	}

	now := time.Now().UTC()
	p.Status = store.StatusRunning
	p.HealthStatus = store.HealthUnknown
	p.Error = ""
	p.StartedAt = &now
	if err := m.store.SavePlugin(ctx, p); err != nil {
		return nil, err
	}
	m.countOp("restart", nil)
	m.publish(events.KindRestarted, p, nil)
	return p, nil
}

// UpdateRequest carries exactly one update artifact.
type UpdateRequest struct {
	ImageTag  string
	BundleURL string
	Manifest  json.RawMessage
}

// Update moves a plugin to a new version, snapshotting the current
// artifacts first. On failure the snapshot is restored automatically;
// history gains an entry only when the update sticks.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*store.PluginInstance, error) {
	sources := 0
	if req.ImageTag != "" {
		sources++
	}
	if req.BundleURL != "" {
		sources++
	}
	if len(req.Manifest) > 0 {
		sources++
	}
	if sources != 1 {
		return nil, errdefs.New(errdefs.CodeValidation,
			"update requires exactly one of imageTag, bundleUrl or manifest")
	}

	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.locks.acquire(p.ID, "update"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	snapshot := &store.Snapshot{
		Manifest:   p.Manifest.Clone(),
		Version:    p.InstalledVersion,
		ModuleCode: p.ModuleCode,
		BundleURL:  p.BundleURL,
		TakenAt:    time.Now().UTC(),
	}
	fromVersion := p.InstalledVersion
	wasRunning := p.Status == store.StatusRunning

	toVersion, err := m.applyUpdateTarget(p, req)
	if err != nil {
		m.countOp("update", err)
		return nil, err
	}

	if err := m.applyArtifacts(ctx, p, wasRunning); err != nil {
		m.revertUpdate(ctx, p, snapshot, wasRunning)
		m.countOp("update", err)
		return nil, errdefs.Wrap(errdefs.CodeUpdateFailed, err,
			"update of %s to %s failed, previous version restored", p.ForgehookID, toVersion)
	}

	now := time.Now().UTC()
	p.InstalledVersion = toVersion
	p.PreviousVersion = snapshot.Version
	p.PreviousSnapshot = snapshot
	p.LastUpdatedAt = &now
	p.Error = ""

	entry := &store.UpdateHistoryEntry{
		ID:          uuid.NewString(),
		PluginID:    p.ID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Action:      store.ActionUpdate,
		CreatedAt:   now,
	}
	if err := m.store.SavePluginWithHistory(ctx, p, entry); err != nil {
		return nil, err
	}
	m.countOp("update", nil)
	m.publish(events.KindUpdated, p, map[string]interface{}{
		"fromVersion": fromVersion,
		"toVersion":   toVersion,
	})
	m.log.Info().
		Str("plugin", p.ForgehookID).
		Str("from", fromVersion).
		Str("to", toVersion).
		Msg("plugin updated")
	return p, nil
}

// applyUpdateTarget mutates the record for the requested artifact and
// returns the version the update lands on.
func (m *Manager) applyUpdateTarget(p *store.PluginInstance, req UpdateRequest) (string, error) {
	switch {
	case req.ImageTag != "":
		if p.Runtime != manifest.RuntimeContainer {
			return "", errdefs.New(errdefs.CodeValidation,
				"imageTag updates only apply to container plugins")
		}
		p.Manifest.Image.Tag = req.ImageTag
		return req.ImageTag, nil

	case req.BundleURL != "":
		if p.Runtime != manifest.RuntimeEmbedded {
			return "", errdefs.New(errdefs.CodeValidation,
				"bundleUrl updates only apply to embedded plugins")
		}
		p.BundleURL = req.BundleURL
		p.Manifest.BundleURL = req.BundleURL
		return p.InstalledVersion, nil

	default:
		mf, err := manifest.Parse(req.Manifest)
		if err != nil {
			return "", errdefs.Wrap(errdefs.CodeValidation, err, "invalid manifest")
		}
		if mf.ID != p.ForgehookID {
			return "", errdefs.New(errdefs.CodeValidation,
				"manifest id %s does not match plugin %s", mf.ID, p.ForgehookID)
		}
		if mf.Runtime != p.Runtime {
			return "", errdefs.New(errdefs.CodeValidation,
				"updates cannot change the runtime (%s -> %s)", p.Runtime, mf.Runtime)
		}
		p.Manifest = mf
		p.BundleURL = mf.BundleURL
		p.ModuleCode = mf.ModuleCode
		return mf.Version, nil
	}
}

// applyArtifacts makes the substrate match the mutated record.
func (m *Manager) applyArtifacts(ctx context.Context, p *store.PluginInstance, wasRunning bool) error {
	switch p.Runtime {
	case manifest.RuntimeContainer:
		if err := m.container.Stop(ctx, p); err != nil {
			return err
		}
		if err := m.container.Recreate(ctx, p); err != nil {
			return err
		}
		if wasRunning {
			return m.container.Start(ctx, p)
		}
		return nil

	case manifest.RuntimeEmbedded:
		return m.embedded.Update(ctx, p)

	case manifest.RuntimeGateway:
		if err := m.gateway.Install(ctx, p); err != nil {
			return err
		}
		if wasRunning {
			return m.gateway.Start(ctx, p)
		}
		return nil
	}
	return errdefs.New(errdefs.CodeValidation, "unknown runtime %q", p.Runtime)
}

// revertUpdate restores the snapshot after a failed update, best effort.
func (m *Manager) revertUpdate(ctx context.Context, p *store.PluginInstance, snap *store.Snapshot, wasRunning bool) {
	p.Manifest = snap.Manifest
	p.ModuleCode = snap.ModuleCode
	p.BundleURL = snap.BundleURL

	var err error
	switch p.Runtime {
	case manifest.RuntimeContainer:
		if err = m.container.Recreate(ctx, p); err == nil && wasRunning {
			err = m.container.Start(ctx, p)
		}
	case manifest.RuntimeEmbedded:
		err = m.embedded.Rollback(ctx, p)
	case manifest.RuntimeGateway:
		if err = m.gateway.Install(ctx, p); err == nil && wasRunning {
			err = m.gateway.Start(ctx, p)
		}
	}

	if err != nil {
		p.Status = store.StatusError
		p.Error = "update failed and automatic restore did not recover: " + err.Error()
		m.log.Error().Err(err).Str("plugin", p.ForgehookID).
			Msg("failed to restore previous version after update failure")
	} else if wasRunning {
		p.Status = store.StatusRunning
	}
	if serr := m.store.SavePlugin(ctx, p); serr != nil {
		m.log.Error().Err(serr).Str("plugin", p.ForgehookID).Msg("failed to persist update revert")
	}
}

// UploadUpdate replaces an embedded plugin's module code directly.
// moduleCode may be base64 encoded; it is decoded when it round-trips
// cleanly.
func (m *Manager) UploadUpdate(ctx context.Context, id, moduleCode string, newManifest json.RawMessage) (*store.PluginInstance, error) {
	if moduleCode == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "upload update requires moduleCode")
	}

	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Runtime != manifest.RuntimeEmbedded {
		return nil, errdefs.New(errdefs.CodeValidation,
			"module uploads only apply to embedded plugins")
	}
	if err := m.locks.acquire(p.ID, "update"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	if decoded, err := base64.StdEncoding.DecodeString(moduleCode); err == nil {
		if base64.StdEncoding.EncodeToString(decoded) == moduleCode {
			moduleCode = string(decoded)
		}
	}

	snapshot := &store.Snapshot{
		Manifest:   p.Manifest.Clone(),
		Version:    p.InstalledVersion,
		ModuleCode: p.ModuleCode,
		BundleURL:  p.BundleURL,
		TakenAt:    time.Now().UTC(),
	}
	fromVersion := p.InstalledVersion
	toVersion := p.InstalledVersion

	if len(newManifest) > 0 {
		mf, err := manifest.Parse(newManifest)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "invalid manifest")
		}
		if mf.ID != p.ForgehookID {
			return nil, errdefs.New(errdefs.CodeValidation,
				"manifest id %s does not match plugin %s", mf.ID, p.ForgehookID)
		}
		p.Manifest = mf
		p.BundleURL = mf.BundleURL
		toVersion = mf.Version
	}
	p.ModuleCode = moduleCode
	p.Manifest.ModuleCode = moduleCode

	if err := m.embedded.Update(ctx, p); err != nil {
		m.revertUpdate(ctx, p, snapshot, p.Status == store.StatusRunning)
		m.countOp("update", err)
		return nil, errdefs.Wrap(errdefs.CodeUpdateFailed, err,
			"module upload for %s failed, previous version restored", p.ForgehookID)
	}

	now := time.Now().UTC()
	p.InstalledVersion = toVersion
	p.PreviousVersion = snapshot.Version
	p.PreviousSnapshot = snapshot
	p.LastUpdatedAt = &now
	p.Error = ""

	entry := &store.UpdateHistoryEntry{
		ID:          uuid.NewString(),
		PluginID:    p.ID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Action:      store.ActionUpdate,
		CreatedAt:   now,
	}
	if err := m.store.SavePluginWithHistory(ctx, p, entry); err != nil {
		return nil, err
	}
	m.countOp("update", nil)
	m.publish(events.KindUpdated, p, map[string]interface{}{
		"fromVersion": fromVersion,
		"toVersion":   toVersion,
		"upload":      true,
	})
	return p, nil
}

// Rollback restores the version snapshotted by the last update. One
// level deep: the snapshot is consumed.
func (m *Manager) Rollback(ctx context.Context, id string) (*store.PluginInstance, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanRollback() {
		return nil, errdefs.New(errdefs.CodeNothingToRollback,
			"plugin %s has no previous version to roll back to", p.ForgehookID)
	}
	if err := m.locks.acquire(p.ID, "rollback"); err != nil {
		return nil, err
	}
	defer m.locks.release(p.ID)

	snap := p.PreviousSnapshot
	fromVersion := p.InstalledVersion
	wasRunning := p.Status == store.StatusRunning

	p.Manifest = snap.Manifest
	p.InstalledVersion = snap.Version
	p.ModuleCode = snap.ModuleCode
	p.BundleURL = snap.BundleURL

	var applyErr error
	switch p.Runtime {
	case manifest.RuntimeContainer:
		if applyErr = m.container.Stop(ctx, p); applyErr == nil {
			applyErr = m.container.Recreate(ctx, p)
		}
		if applyErr == nil && wasRunning {
			applyErr = m.container.Start(ctx, p)
		}
	case manifest.RuntimeEmbedded:
		applyErr = m.embedded.Rollback(ctx, p)
	case manifest.RuntimeGateway:
		if applyErr = m.gateway.Install(ctx, p); applyErr == nil && wasRunning {
			applyErr = m.gateway.Start(ctx, p)
		}
	}
	if applyErr != nil {
		m.countOp("rollback", applyErr)
		return nil, errdefs.Wrap(errdefs.CodeRollbackFailed, applyErr,
			"rollback of %s to %s failed", p.ForgehookID, snap.Version)
	}

	now := time.Now().UTC()
	p.PreviousVersion = ""
	p.PreviousSnapshot = nil
	p.LastUpdatedAt = &now
	p.Error = ""

	entry := &store.UpdateHistoryEntry{
		ID:          uuid.NewString(),
		PluginID:    p.ID,
		FromVersion: fromVersion,
		ToVersion:   snap.Version,
		Action:      store.ActionRollback,
		CreatedAt:   now,
	}
	if err := m.store.SavePluginWithHistory(ctx, p, entry); err != nil {
		return nil, err
	}
	m.countOp("rollback", nil)
	m.publish(events.KindRolledBack, p, map[string]interface{}{
		"fromVersion": fromVersion,
		"toVersion":   snap.Version,
	})
	m.log.Info().
		Str("plugin", p.ForgehookID).
		Str("from", fromVersion).
		Str("to", snap.Version).
		Msg("plugin rolled back")
	return p, nil
}

// Uninstall releases every resource the plugin holds and removes the
// record.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := m.locks.acquire(p.ID, "uninstall"); err != nil {
		return err
	}
	defer m.locks.release(p.ID)

	driver, err := m.driverFor(p.Runtime)
	if err != nil {
		return err
	}

	p.Status = store.StatusUninstalling
	if err := m.store.SavePlugin(ctx, p); err != nil {
		return err
	}

	if err := driver.Stop(ctx, p); err != nil {
		m.log.Warn().Err(err).Str("plugin", p.ForgehookID).Msg("failed to stop plugin before uninstall")
	}
	if err := driver.Uninstall(ctx, p); err != nil {
		p.Status = store.StatusError
		p.Error = errdefs.AsError(err, errdefs.CodeUninstallFailed).Message
		if serr := m.store.SavePlugin(ctx, p); serr != nil {
			m.log.Error().Err(serr).Str("plugin", p.ForgehookID).Msg("failed to persist uninstall failure")
		}
		m.countOp("uninstall", err)
		return errdefs.AsError(err, errdefs.CodeUninstallFailed)
	}

	if err := m.store.DeletePlugin(ctx, p.ID); err != nil {
		return err
	}
	m.countOp("uninstall", nil)
	m.publish(events.KindUninstalled, p, nil)
	m.updateLiveGauge(ctx)
	m.log.Info().Str("plugin", p.ForgehookID).Msg("plugin uninstalled")
	return nil
}

// ExportPackage writes the plugin's .fhk archive to w and returns the
// manifest for naming the download.
func (m *Manager) ExportPackage(ctx context.Context, id string, w io.Writer) (*manifest.Manifest, error) {
	p, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	var image io.Reader
	if p.Runtime == manifest.RuntimeContainer {
		rc, err := m.container.ExportImage(ctx, p)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeExportFailed, err,
				"failed to export image for %s", p.ForgehookID)
		}
		defer rc.Close()
		image = rc
	}

	if err := m.codec.Export(w, p.Manifest, image); err != nil {
		return nil, err
	}
	return p.Manifest, nil
}

// InspectPackage summarizes an uploaded archive and reports whether the
// plugin it carries is already installed.
func (m *Manager) InspectPackage(ctx context.Context, r io.Reader) (*fhk.InspectResult, *store.PluginInstance, error) {
	info, err := m.codec.Inspect(r)
	if err != nil {
		return nil, nil, err
	}
	installed, err := m.store.GetPluginByForgehookID(ctx, info.Manifest.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return info, nil, nil
		}
		return nil, nil, err
	}
	return info, installed, nil
}

// ImportOptions carries the install parameters accompanying an
// uploaded archive.
type ImportOptions struct {
	Config      map[string]interface{}
	Environment map[string]string
	AutoStart   *bool
}

// ImportPackage installs a plugin from an uploaded .fhk archive. The
// bundled image is loaded into the engine before the regular install
// path runs.
func (m *Manager) ImportPackage(ctx context.Context, r io.Reader, opts ImportOptions) (*store.PluginInstance, error) {
	pkg, err := m.codec.Import(r)
	if err != nil {
		return nil, err
	}

	if existing, err := m.store.GetPluginByForgehookID(ctx, pkg.Manifest.ID); err == nil {
		return nil, errdefs.New(errdefs.CodePluginExists,
			"plugin %s is already installed", pkg.Manifest.ID).
			WithDetail("pluginId", existing.ID)
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	if pkg.Manifest.Runtime == manifest.RuntimeContainer {
		if err := m.container.ImportImage(ctx, bytes.NewReader(pkg.Image)); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeImportFailed, err,
				"failed to load image for %s", pkg.Manifest.ID)
		}
	}

	raw, err := json.Marshal(pkg.Manifest)
	if err != nil {
		return nil, err
	}
	return m.Install(ctx, InstallRequest{
		Manifest:    raw,
		Config:      opts.Config,
		Environment: opts.Environment,
		AutoStart:   opts.AutoStart,
	})
}

// OnRuntimeStateChange is the StateSink: drivers report crashes and
// health flips observed outside a lifecycle call.
func (m *Manager) OnRuntimeStateChange(pluginID string, status store.Status, health store.HealthStatus, errMsg string) {
	ctx := context.Background()
	p, err := m.store.GetPlugin(ctx, pluginID)
	if err != nil {
		m.log.Warn().Err(err).Str("plugin", pluginID).Msg("state change for unknown plugin")
		return
	}

	now := time.Now().UTC()
	p.Status = status
	p.HealthStatus = health
	p.Error = errMsg
	p.LastHealthCheck = &now
	if err := m.store.SavePlugin(ctx, p); err != nil {
		m.log.Error().Err(err).Str("plugin", p.ForgehookID).Msg("failed to persist runtime state change")
		return
	}

	m.publish(events.KindHealthChanged, p, map[string]interface{}{
		"status": string(status),
		"health": string(health),
		"error":  errMsg,
	})
	m.updateLiveGauge(ctx)
}

// Resync reconciles persisted records with the actual substrate after a
// restart: ports are re-reserved, surviving containers re-tracked,
// embedded modules re-bound and interrupted transitions surfaced as
// errors.
func (m *Manager) Resync(ctx context.Context) error {
	plugins, err := m.store.ListPlugins(ctx)
	if err != nil {
		return err
	}

	for _, p := range plugins {
		if p.HostPort > 0 && m.ports != nil {
			m.ports.Reserve(p.HostPort, p.ForgehookID)
		}

		switch p.Status {
		case store.StatusInstalling, store.StatusStarting, store.StatusStopping, store.StatusUninstalling:
			p.Status = store.StatusError
			p.Error = "operation interrupted by control plane restart"
			if err := m.store.SavePlugin(ctx, p); err != nil {
				m.log.Error().Err(err).Str("plugin", p.ForgehookID).Msg("failed to persist resync state")
			}
			continue
		case store.StatusRunning:
		default:
			continue
		}

		switch p.Runtime {
		case manifest.RuntimeContainer:
			m.resyncContainer(ctx, p)
		case manifest.RuntimeEmbedded:
			if err := m.embedded.Start(ctx, p); err != nil {
				m.markStopped(ctx, p, "embedded module no longer available: "+errdefs.AsError(err, errdefs.CodeStartFailed).Message)
			} else if err := m.store.SavePlugin(ctx, p); err != nil {
				m.log.Error().Err(err).Str("plugin", p.ForgehookID).Msg("failed to persist resync state")
			}
		case manifest.RuntimeGateway:
			if err := m.gateway.Start(ctx, p); err != nil {
				m.markStopped(ctx, p, "gateway service unreachable after restart")
			}
		}
	}

	m.updateLiveGauge(ctx)
	m.log.Info().Int("plugins", len(plugins)).Msg("plugin state resynced")
	return nil
}

// resyncContainer re-tracks a container that survived the restart or
// records that it is gone.
func (m *Manager) resyncContainer(ctx context.Context, p *store.PluginInstance) {
	health, err := m.container.CheckHealth(ctx, p)
	if err == nil && health == store.HealthHealthy {
		m.container.Track(p.ID, p.ContainerID)
		return
	}
	m.markStopped(ctx, p, "container not running after control plane restart")
}

func (m *Manager) markStopped(ctx context.Context, p *store.PluginInstance, reason string) {
	now := time.Now().UTC()
	p.Status = store.StatusStopped
	p.HealthStatus = store.HealthUnknown
	p.Error = reason
	p.StoppedAt = &now
	if err := m.store.SavePlugin(ctx, p); err != nil {
		m.log.Error().Err(err).Str("plugin", p.ForgehookID).Msg("failed to persist resync state")
	}
}

// publish emits a bus event for a plugin transition.
func (m *Manager) publish(kind string, p *store.PluginInstance, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Kind:        kind,
		PluginID:    p.ID,
		ForgehookID: p.ForgehookID,
		Data:        data,
	})
}

// countOp records a lifecycle operation outcome.
func (m *Manager) countOp(op string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.LifecycleOps.WithLabelValues(op, outcome).Inc()
}

// updateLiveGauge refreshes the per-status plugin gauge.
func (m *Manager) updateLiveGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	plugins, err := m.store.ListPlugins(ctx)
	if err != nil {
		return
	}
	counts := make(map[store.Status]int)
	for _, p := range plugins {
		counts[p.Status]++
	}
	for _, status := range []store.Status{
		store.StatusInstalled, store.StatusRunning, store.StatusStopped, store.StatusError,
	} {
		m.metrics.PluginsLive.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
