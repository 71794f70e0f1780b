// Package store owns durable persistence for the control plane: installed
// plugin instances, registry sources, update history, integrations, API
// keys and invocation metrics. Two implementations exist: a JSON file
// store for single-node deployments and a Postgres store selected by
// STORE_DSN. All state transitions funnel through the lifecycle manager;
// the store only persists and reads.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgehook/forgehook/internal/manifest"
)

// Status is the lifecycle state of a plugin instance.
type Status string

const (
	StatusInstalling   Status = "installing"
	StatusInstalled    Status = "installed"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusUninstalling Status = "uninstalling"
)

// HealthStatus is the probed health of a plugin instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// PluginInstance is the installed plugin record.
type PluginInstance struct {
	ID           string             `json:"id"`
	ForgehookID  string             `json:"forgehookId"`
	Manifest     *manifest.Manifest `json:"manifest"`
	Runtime      manifest.Runtime   `json:"runtime"`
	Status       Status             `json:"status"`
	HealthStatus HealthStatus       `json:"healthStatus"`
	Error        string             `json:"error,omitempty"`

	// Container runtime.
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
	HostPort      int    `json:"hostPort,omitempty"`
	AssignedPort  int    `json:"assignedPort,omitempty"`

	// Embedded runtime.
	ModuleCode    string   `json:"moduleCode,omitempty"`
	ModuleExports []string `json:"moduleExports,omitempty"`
	ModuleLoaded  bool     `json:"moduleLoaded,omitempty"`
	BundleURL     string   `json:"bundleUrl,omitempty"`

	// Gateway runtime.
	GatewayURL        string `json:"gatewayUrl,omitempty"`
	GatewayHealthPath string `json:"gatewayHealthPath,omitempty"`

	Config      map[string]interface{} `json:"config,omitempty"`
	Environment map[string]string      `json:"environment,omitempty"`

	InstalledVersion string     `json:"installedVersion"`
	PreviousVersion  string     `json:"previousVersion,omitempty"`
	PreviousSnapshot *Snapshot  `json:"previousSnapshot,omitempty"`
	InstalledAt      time.Time  `json:"installedAt"`
	LastUpdatedAt    *time.Time `json:"lastUpdatedAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	StoppedAt        *time.Time `json:"stoppedAt,omitempty"`
	LastHealthCheck  *time.Time `json:"lastHealthCheck,omitempty"`
}

// Snapshot freezes the artifact state needed to roll back one update.
type Snapshot struct {
	Manifest   *manifest.Manifest `json:"manifest"`
	Version    string             `json:"version"`
	ModuleCode string             `json:"moduleCode,omitempty"`
	BundleURL  string             `json:"bundleUrl,omitempty"`
	TakenAt    time.Time          `json:"takenAt"`
}

// CanRollback reports whether a rollback target exists.
func (p *PluginInstance) CanRollback() bool {
	return p.PreviousVersion != "" && p.PreviousSnapshot != nil
}

// Clone returns a deep copy of the record.
func (p *PluginInstance) Clone() *PluginInstance {
	data, _ := json.Marshal(p)
	var cp PluginInstance
	_ = json.Unmarshal(data, &cp)
	return &cp
}

// SourceType classifies how a registry source is fetched.
type SourceType string

const (
	SourceGitHub SourceType = "github"
	SourceHTTP   SourceType = "http"
	SourceLocal  SourceType = "local"
)

// RegistrySource is a configured remote plugin catalogue.
type RegistrySource struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	SourceType   SourceType      `json:"sourceType"`
	GithubOwner  string          `json:"githubOwner,omitempty"`
	GithubRepo   string          `json:"githubRepo,omitempty"`
	GithubBranch string          `json:"githubBranch,omitempty"`
	GithubPath   string          `json:"githubPath,omitempty"`
	Enabled      bool            `json:"enabled"`
	IsOfficial   bool            `json:"isOfficial"`
	Priority     int             `json:"priority"`
	CachedIndex  json.RawMessage `json:"cachedIndex,omitempty"`
	LastFetched  *time.Time      `json:"lastFetched,omitempty"`
	FetchError   string          `json:"fetchError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers and the store never alias the
// cached index or timestamps.
func (s *RegistrySource) Clone() *RegistrySource {
	cp := *s
	if s.CachedIndex != nil {
		cp.CachedIndex = append(json.RawMessage(nil), s.CachedIndex...)
	}
	if s.LastFetched != nil {
		t := *s.LastFetched
		cp.LastFetched = &t
	}
	return &cp
}

// HistoryAction discriminates update history entries.
type HistoryAction string

const (
	ActionUpdate   HistoryAction = "update"
	ActionRollback HistoryAction = "rollback"
)

// UpdateHistoryEntry is an append-only update/rollback record.
type UpdateHistoryEntry struct {
	ID          string        `json:"id"`
	PluginID    string        `json:"pluginId"`
	FromVersion string        `json:"fromVersion"`
	ToVersion   string        `json:"toVersion"`
	Action      HistoryAction `json:"action"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Integration is a named switchboard flag gating an external-system family.
type Integration struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	Icon             string                 `json:"icon,omitempty"`
	DocumentationURL string                 `json:"documentationUrl,omitempty"`
	IsEnabled        bool                   `json:"isEnabled"`
	IsBuiltin        bool                   `json:"isBuiltin"`
	Config           map[string]interface{} `json:"config,omitempty"`
}

// APIKey is the stored API key record; the plaintext is never persisted.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	KeyHash     string     `json:"keyHash"`
	Prefix      string     `json:"prefix"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// InvocationMetric aggregates per-plugin invocation accounting.
type InvocationMetric struct {
	PluginID        string     `json:"pluginId"`
	InvocationCount int64      `json:"invocationCount"`
	ErrorCount      int64      `json:"errorCount"`
	TotalLatencyMS  int64      `json:"totalLatencyMs"`
	LastInvoked     *time.Time `json:"lastInvoked,omitempty"`
}

// MeanLatencyMS returns the mean invocation latency in milliseconds.
func (m *InvocationMetric) MeanLatencyMS() float64 {
	if m.InvocationCount == 0 {
		return 0
	}
	return float64(m.TotalLatencyMS) / float64(m.InvocationCount)
}

// Store is the durable persistence contract.
type Store interface {
	// Plugins.
	SavePlugin(ctx context.Context, p *PluginInstance) error
	// SavePluginWithHistory persists the plugin and appends the history
	// entry in one transaction.
	SavePluginWithHistory(ctx context.Context, p *PluginInstance, entry *UpdateHistoryEntry) error
	GetPlugin(ctx context.Context, id string) (*PluginInstance, error)
	GetPluginByForgehookID(ctx context.Context, forgehookID string) (*PluginInstance, error)
	ListPlugins(ctx context.Context) ([]*PluginInstance, error)
	DeletePlugin(ctx context.Context, id string) error

	// Update history.
	ListHistory(ctx context.Context, pluginID string) ([]*UpdateHistoryEntry, error)

	// Registry sources.
	SaveSource(ctx context.Context, s *RegistrySource) error
	GetSource(ctx context.Context, id string) (*RegistrySource, error)
	ListSources(ctx context.Context) ([]*RegistrySource, error)
	DeleteSource(ctx context.Context, id string) error

	// Integrations.
	SaveIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context) ([]*Integration, error)
	DeleteIntegration(ctx context.Context, id string) error

	// API keys.
	SaveAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)

	// Invocation metrics.
	RecordInvocation(ctx context.Context, pluginID string, latencyMS int64, success bool) error
	GetInvocationMetric(ctx context.Context, pluginID string) (*InvocationMetric, error)

	Close() error
}

// ErrNotFound is returned by Get* methods when no record matches.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.ID
}

// IsNotFound reports whether err is a store NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
