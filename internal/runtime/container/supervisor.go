// Package container runs plugins as Docker containers: it pulls images,
// provisions containers with ports and volumes, and watches them for
// crashes.
package container

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/docker"
	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/ports"
	"github.com/forgehook/forgehook/internal/runtime"
	"github.com/forgehook/forgehook/internal/store"
)

const (
	// LabelPlugin marks containers owned by the control plane.
	LabelPlugin = "forgehook.plugin"
	// LabelInstance carries the instance uuid for event routing.
	LabelInstance = "forgehook.plugin.instance"

	pullAttempts       = 3
	pullAttemptTimeout = 120 * time.Second
	stopGraceSeconds   = 10
	healthFailLimit    = 3
)

// Engine is the Docker surface the supervisor needs. *docker.Client
// implements it; tests substitute a fake.
type Engine interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, config *docker.CreateConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout int) error
	RestartContainer(ctx context.Context, containerID string, timeout int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) ([]string, error)
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	SaveImage(ctx context.Context, image string) (io.ReadCloser, error)
	LoadImage(ctx context.Context, tarStream io.Reader) error
	Events(ctx context.Context, label string) (<-chan docker.ContainerEvent, error)
}

// Supervisor implements the container runtime driver.
type Supervisor struct {
	engine  Engine
	ports   *ports.Allocator
	network string
	sink    runtime.StateSink
	log     zerolog.Logger

	// IssueToken mints the control-plane token injected as
	// FORGEHOOK_TOKEN. Optional.
	IssueToken func(forgehookID string) (string, error)

	mu         sync.Mutex
	byCtr      map[string]string // container id -> plugin instance id
	byPlugin   map[string]string // plugin instance id -> container id
	healthFail map[string]int    // plugin instance id -> consecutive failures
}

// NewSupervisor wires a supervisor to the engine. sink receives crash
// and health notifications; it may be set later via SetSink.
func NewSupervisor(engine Engine, alloc *ports.Allocator, network string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		engine:     engine,
		ports:      alloc,
		network:    network,
		log:        log.With().Str("component", "container-supervisor").Logger(),
		byCtr:      make(map[string]string),
		byPlugin:   make(map[string]string),
		healthFail: make(map[string]int),
	}
}

// SetSink attaches the lifecycle manager after construction.
func (s *Supervisor) SetSink(sink runtime.StateSink) {
	s.sink = sink
}

// Install pulls the image, creates the data volume and the container,
// and records ids and ports on the instance.
func (s *Supervisor) Install(ctx context.Context, p *store.PluginInstance) error {
	m := p.Manifest
	image := m.Image.Ref()

	if err := s.ensureImage(ctx, image); err != nil {
		return errdefs.Wrap(errdefs.CodeContainerError, err, "failed to pull image %s", image)
	}

	labels := map[string]string{
		LabelPlugin:   p.ForgehookID,
		LabelInstance: p.ID,
	}
	if err := s.engine.CreateVolume(ctx, m.VolumeName(), labels); err != nil {
		return errdefs.Wrap(errdefs.CodeContainerError, err, "failed to create volume for %s", p.ForgehookID)
	}

	hostPort, err := s.ports.Allocate(p.ForgehookID)
	if err != nil {
		return err
	}

	env, err := s.buildEnv(p, hostPort)
	if err != nil {
		s.ports.Release(hostPort)
		return err
	}

	resources, err := parseResources(m.Resources)
	if err != nil {
		s.ports.Release(hostPort)
		return errdefs.Wrap(errdefs.CodeValidation, err, "invalid resource limits for %s", p.ForgehookID)
	}

	containerID, err := s.engine.CreateContainer(ctx, &docker.CreateConfig{
		Name:     m.ContainerName(),
		Image:    image,
		Env:      env,
		Port:     m.Port,
		HostPort: hostPort,
		Network:  s.network,
		Volumes: []docker.VolumeMount{
			{Source: m.VolumeName(), Target: "/data"},
		},
		Restart:   "unless-stopped",
		Labels:    labels,
		Resources: resources,
	})
	if err != nil {
		s.ports.Release(hostPort)
		if docker.IsConflict(err) {
			return errdefs.Wrap(errdefs.CodePluginExists, err,
				"container %s already exists", m.ContainerName())
		}
		return errdefs.Wrap(errdefs.CodeContainerError, err, "failed to create container for %s", p.ForgehookID)
	}

	p.ContainerID = containerID
	p.ContainerName = m.ContainerName()
	p.HostPort = hostPort
	p.AssignedPort = hostPort
	return nil
}

// Start starts the container and begins tracking it for crash events.
func (s *Supervisor) Start(ctx context.Context, p *store.PluginInstance) error {
	if p.ContainerID == "" {
		return errdefs.New(errdefs.CodeInvalidOperation, "plugin %s has no container", p.ForgehookID)
	}
	if err := s.engine.StartContainer(ctx, p.ContainerID); err != nil {
		return errdefs.Wrap(errdefs.CodeStartFailed, err, "failed to start container for %s", p.ForgehookID)
	}
	s.Track(p.ID, p.ContainerID)
	return nil
}

// Stop stops the container gracefully and stops tracking it.
func (s *Supervisor) Stop(ctx context.Context, p *store.PluginInstance) error {
	if p.ContainerID == "" {
		return nil
	}
	if err := s.engine.StopContainer(ctx, p.ContainerID, stopGraceSeconds); err != nil {
		return errdefs.Wrap(errdefs.CodeStopFailed, err, "failed to stop container for %s", p.ForgehookID)
	}
	s.untrack(p.ID)
	return nil
}

// Restart restarts the container in place.
func (s *Supervisor) Restart(ctx context.Context, p *store.PluginInstance) error {
	if p.ContainerID == "" {
		return errdefs.New(errdefs.CodeInvalidOperation, "plugin %s has no container", p.ForgehookID)
	}
	if err := s.engine.RestartContainer(ctx, p.ContainerID, stopGraceSeconds); err != nil {
		return errdefs.Wrap(errdefs.CodeContainerError, err, "failed to restart container for %s", p.ForgehookID)
	}
	s.Track(p.ID, p.ContainerID)
	return nil
}

// Uninstall removes the container, its volume and its port. All steps
// are idempotent so a partial install can be torn down.
func (s *Supervisor) Uninstall(ctx context.Context, p *store.PluginInstance) error {
	s.untrack(p.ID)

	if p.ContainerID != "" {
		if err := s.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil {
			return errdefs.Wrap(errdefs.CodeUninstallFailed, err,
				"failed to remove container for %s", p.ForgehookID)
		}
	}
	if err := s.engine.RemoveVolume(ctx, p.Manifest.VolumeName(), true); err != nil {
		s.log.Warn().Err(err).Str("plugin", p.ForgehookID).Msg("failed to remove data volume")
	}
	if p.HostPort > 0 {
		s.ports.Release(p.HostPort)
	}
	p.ContainerID = ""
	p.HostPort = 0
	p.AssignedPort = 0
	return nil
}

// Recreate replaces the container with one built from the current
// manifest, keeping the data volume and the assigned host port. Used by
// update and rollback.
func (s *Supervisor) Recreate(ctx context.Context, p *store.PluginInstance) error {
	m := p.Manifest
	image := m.Image.Ref()

	if err := s.ensureImage(ctx, image); err != nil {
		return errdefs.Wrap(errdefs.CodeContainerError, err, "failed to pull image %s", image)
	}

	s.untrack(p.ID)
	if p.ContainerID != "" {
		if err := s.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil {
			return errdefs.Wrap(errdefs.CodeContainerError, err,
				"failed to remove old container for %s", p.ForgehookID)
		}
		p.ContainerID = ""
	}

	hostPort := p.AssignedPort
	if hostPort == 0 {
		var err error
		hostPort, err = s.ports.Allocate(p.ForgehookID)
		if err != nil {
			return err
		}
	}

	env, err := s.buildEnv(p, hostPort)
	if err != nil {
		return err
	}
	resources, err := parseResources(m.Resources)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, err, "invalid resource limits for %s", p.ForgehookID)
	}

	labels := map[string]string{
		LabelPlugin:   p.ForgehookID,
		LabelInstance: p.ID,
	}
	containerID, err := s.engine.CreateContainer(ctx, &docker.CreateConfig{
		Name:     m.ContainerName(),
		Image:    image,
		Env:      env,
		Port:     m.Port,
		HostPort: hostPort,
		Network:  s.network,
		Volumes: []docker.VolumeMount{
			{Source: m.VolumeName(), Target: "/data"},
		},
		Restart:   "unless-stopped",
		Labels:    labels,
		Resources: resources,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.CodeContainerError, err,
			"failed to recreate container for %s", p.ForgehookID)
	}

	p.ContainerID = containerID
	p.ContainerName = m.ContainerName()
	p.HostPort = hostPort
	p.AssignedPort = hostPort
	return nil
}

// CheckHealth inspects the container once.
func (s *Supervisor) CheckHealth(ctx context.Context, p *store.PluginInstance) (store.HealthStatus, error) {
	if p.ContainerID == "" {
		return store.HealthUnknown, nil
	}
	info, err := s.engine.InspectContainer(ctx, p.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			return store.HealthUnhealthy, nil
		}
		return store.HealthUnknown, err
	}
	if info.Running {
		return store.HealthHealthy, nil
	}
	return store.HealthUnhealthy, nil
}

// Logs returns the last tail lines of the container output.
func (s *Supervisor) Logs(ctx context.Context, p *store.PluginInstance, tail int) ([]string, error) {
	if p.ContainerID == "" {
		return nil, errdefs.New(errdefs.CodeInvalidOperation, "plugin %s has no container", p.ForgehookID)
	}
	lines, err := s.engine.ContainerLogs(ctx, p.ContainerID, tail)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeContainerError, err, "failed to read logs for %s", p.ForgehookID)
	}
	return lines, nil
}

// ExportImage streams the plugin's image as a tar archive.
func (s *Supervisor) ExportImage(ctx context.Context, p *store.PluginInstance) (io.ReadCloser, error) {
	return s.engine.SaveImage(ctx, p.Manifest.Image.Ref())
}

// ImportImage loads an image tar archive into the engine.
func (s *Supervisor) ImportImage(ctx context.Context, tarStream io.Reader) error {
	return s.engine.LoadImage(ctx, tarStream)
}

// Track registers a running container for event routing. Also used by
// the startup resync for containers that survived a restart.
func (s *Supervisor) Track(pluginID, containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCtr[containerID] = pluginID
	s.byPlugin[pluginID] = containerID
	delete(s.healthFail, pluginID)
}

func (s *Supervisor) untrack(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctr, ok := s.byPlugin[pluginID]; ok {
		delete(s.byCtr, ctr)
		delete(s.byPlugin, pluginID)
	}
	delete(s.healthFail, pluginID)
}

func (s *Supervisor) lookupByContainer(containerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCtr[containerID]
	return id, ok
}

func (s *Supervisor) trackedPlugins() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.byPlugin))
	for p, ctr := range s.byPlugin {
		out[p] = ctr
	}
	return out
}

// WatchEvents follows the engine event stream and reports crashes of
// tracked containers to the sink. Reconnects with backoff until ctx is
// cancelled.
func (s *Supervisor) WatchEvents(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		events, err := s.engine.Events(ctx, LabelPlugin)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to open docker event stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for ev := range events {
			if ev.Action != "die" && ev.Action != "oom" {
				continue
			}
			pluginID, ok := s.lookupByContainer(ev.ContainerID)
			if !ok {
				continue
			}
			reason := s.crashReason(ctx, ev)
			s.log.Warn().
				Str("plugin", pluginID).
				Str("action", ev.Action).
				Str("reason", reason).
				Msg("plugin container exited")
			s.untrack(pluginID)
			if s.sink != nil {
				s.sink.OnRuntimeStateChange(pluginID, store.StatusError, store.HealthUnhealthy, reason)
			}
		}
	}
}

// crashReason resolves the most useful message for a container exit:
// the last non-empty log line, or the exit code.
func (s *Supervisor) crashReason(ctx context.Context, ev docker.ContainerEvent) string {
	logCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	lines, err := s.engine.ContainerLogs(logCtx, ev.ContainerID, 20)
	if err == nil {
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}
	if ev.Action == "oom" {
		return "container killed: out of memory"
	}
	if ev.ExitCode != "" {
		return "container exited with code " + ev.ExitCode
	}
	return "container exited"
}

// RunHealthLoop polls tracked containers. A plugin is reported
// unhealthy after healthFailLimit consecutive failed inspections and
// healthy again on the first success.
func (s *Supervisor) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthTick(ctx)
		}
	}
}

// healthTick runs one poll round. Exposed to tests via HealthTick.
func (s *Supervisor) healthTick(ctx context.Context) {
	tracked := s.trackedPlugins()

	// Deterministic order keeps logs and tests stable.
	pluginIDs := make([]string, 0, len(tracked))
	for id := range tracked {
		pluginIDs = append(pluginIDs, id)
	}
	sort.Strings(pluginIDs)

	for _, pluginID := range pluginIDs {
		info, err := s.engine.InspectContainer(ctx, tracked[pluginID])
		healthy := err == nil && info.Running

		s.mu.Lock()
		if healthy {
			recovered := s.healthFail[pluginID] >= healthFailLimit
			s.healthFail[pluginID] = 0
			s.mu.Unlock()
			if recovered && s.sink != nil {
				s.sink.OnRuntimeStateChange(pluginID, store.StatusRunning, store.HealthHealthy, "")
			}
			continue
		}
		s.healthFail[pluginID]++
		crossed := s.healthFail[pluginID] == healthFailLimit
		s.mu.Unlock()

		if crossed && s.sink != nil {
			msg := "container health check failing"
			if err != nil {
				msg = err.Error()
			}
			s.sink.OnRuntimeStateChange(pluginID, store.StatusRunning, store.HealthUnhealthy, msg)
		}
	}
}

// HealthTick triggers one health poll round immediately.
func (s *Supervisor) HealthTick(ctx context.Context) {
	s.healthTick(ctx)
}

// ensureImage pulls the image unless it is already loaded, so images
// imported from a package install without a registry round-trip.
func (s *Supervisor) ensureImage(ctx context.Context, image string) error {
	if exists, err := s.engine.ImageExists(ctx, image); err == nil && exists {
		return nil
	}
	return s.pullWithRetry(ctx, image)
}

// pullWithRetry pulls the image with bounded attempts. Each attempt has
// its own timeout so a stalled registry cannot hang an install.
func (s *Supervisor) pullWithRetry(ctx context.Context, image string) error {
	var lastErr error
	delay := 2 * time.Second

	for attempt := 1; attempt <= pullAttempts; attempt++ {
		pullCtx, cancel := context.WithTimeout(ctx, pullAttemptTimeout)
		lastErr = s.engine.PullImage(pullCtx, image)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < pullAttempts {
			s.log.Warn().
				Str("image", image).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("image pull failed, retrying")
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

// buildEnv merges manifest env defaults with the instance overlay and
// adds the variables every plugin container receives.
func (s *Supervisor) buildEnv(p *store.PluginInstance, hostPort int) ([]string, error) {
	merged := p.Manifest.DefaultEnvironment()
	for k, v := range p.Environment {
		merged[k] = v
	}
	if missing := p.Manifest.MissingRequiredEnv(merged); len(missing) > 0 {
		return nil, errdefs.New(errdefs.CodeValidation,
			"missing required environment variables: %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}

	merged["PORT"] = strconv.Itoa(p.Manifest.Port)
	merged["FORGEHOOK_PLUGIN_ID"] = p.ForgehookID
	if s.IssueToken != nil {
		token, err := s.IssueToken(p.ForgehookID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue plugin token: %w", err)
		}
		merged["FORGEHOOK_TOKEN"] = token
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}

// parseResources converts manifest resource strings to engine limits.
func parseResources(r *manifest.Resources) (*docker.ResourceLimits, error) {
	if r == nil {
		return nil, nil
	}
	limits := &docker.ResourceLimits{}
	if r.Memory != "" {
		bytes, err := parseMemory(r.Memory)
		if err != nil {
			return nil, err
		}
		limits.Memory = bytes
	}
	if r.CPU != "" {
		cpus, err := strconv.ParseFloat(r.CPU, 64)
		if err != nil || cpus <= 0 {
			return nil, fmt.Errorf("invalid cpu limit %q", r.CPU)
		}
		limits.CPUs = cpus
	}
	return limits, nil
}

// parseMemory accepts docker-style size strings: "256m", "1g", "512k".
func parseMemory(v string) (int64, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0, nil
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k':
		mult = 1 << 10
		v = v[:len(v)-1]
	case 'm':
		mult = 1 << 20
		v = v[:len(v)-1]
	case 'g':
		mult = 1 << 30
		v = v[:len(v)-1]
	case 'b':
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory limit %q", v)
	}
	return n * mult, nil
}
