// Package manifest defines the ForgeHook plugin manifest: the declarative
// identity and contract a plugin ships with. The manifest is the unit of
// exchange between registry sources, .fhk packages and the lifecycle
// manager; a snapshot of it is frozen into every installed instance.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Runtime selects the execution substrate for a plugin.
type Runtime string

const (
	RuntimeContainer Runtime = "container"
	RuntimeEmbedded  Runtime = "embedded"
	RuntimeGateway   Runtime = "gateway"
)

// Valid reports whether r is a known runtime.
func (r Runtime) Valid() bool {
	switch r {
	case RuntimeContainer, RuntimeEmbedded, RuntimeGateway:
		return true
	}
	return false
}

var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Manifest is the ForgeHook plugin manifest.
type Manifest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description string  `json:"description,omitempty"`
	Runtime     Runtime `json:"runtime,omitempty"`

	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Icon       string   `json:"icon,omitempty"`
	Repository string   `json:"repository,omitempty"`
	Author     string   `json:"author,omitempty"`
	License    string   `json:"license,omitempty"`

	// Container runtime.
	Image        *ImageConfig  `json:"image,omitempty"`
	Port         int           `json:"port,omitempty"`
	BasePath     string        `json:"basePath,omitempty"`
	Resources    *Resources    `json:"resources,omitempty"`
	Environment  []EnvVar      `json:"environment,omitempty"`
	Dependencies *Dependencies `json:"dependencies,omitempty"`

	// Embedded runtime.
	BundleURL  string   `json:"bundleUrl,omitempty"`
	ModuleCode string   `json:"moduleCode,omitempty"`
	Exports    []string `json:"exports,omitempty"`

	// Gateway runtime.
	Gateway *GatewayConfig `json:"gateway,omitempty"`

	Endpoints []Endpoint `json:"endpoints,omitempty"`
}

// ImageConfig identifies a container image.
type ImageConfig struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
}

// Ref returns the full repository:tag reference, defaulting the tag.
func (i *ImageConfig) Ref() string {
	tag := i.Tag
	if tag == "" {
		tag = "latest"
	}
	return i.Repository + ":" + tag
}

// Resources declares container resource limits.
type Resources struct {
	Memory string `json:"memory,omitempty"` // e.g. "256m"
	CPU    string `json:"cpu,omitempty"`    // e.g. "0.5"
}

// EnvVar declares an environment variable the plugin consumes.
type EnvVar struct {
	Name        string `json:"name"`
	Required    bool   `json:"required,omitempty"`
	Secret      bool   `json:"secret,omitempty"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Dependencies lists symbolic service names the plugin needs reachable.
type Dependencies struct {
	Services []string `json:"services,omitempty"`
}

// GatewayConfig configures the gateway runtime shim.
type GatewayConfig struct {
	BaseURL     string            `json:"baseUrl"`
	HealthCheck string            `json:"healthCheck,omitempty"`
	TimeoutMS   int               `json:"timeout,omitempty"`
	Discovery   string            `json:"discovery,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	StripPrefix bool              `json:"stripPrefix,omitempty"`
}

// Endpoint declares one callable plugin endpoint.
type Endpoint struct {
	Method         string `json:"method"`
	Path           string `json:"path"`
	Description    string `json:"description,omitempty"`
	Authentication string `json:"authentication,omitempty"`
}

// Parse decodes and validates a manifest from JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyDefaults fills the documented defaults in place.
func (m *Manifest) ApplyDefaults() {
	if m.Runtime == "" {
		m.Runtime = RuntimeContainer
	}
	if m.Runtime == RuntimeContainer {
		if m.BasePath == "" {
			m.BasePath = "/api/v1"
		}
		if m.Image != nil && m.Image.Tag == "" {
			m.Image.Tag = "latest"
		}
	}
	if m.Runtime == RuntimeGateway && m.Gateway != nil {
		if m.Gateway.HealthCheck == "" {
			m.Gateway.HealthCheck = "/health"
		}
		if m.Gateway.TimeoutMS <= 0 {
			m.Gateway.TimeoutMS = 30000
		}
	}
}

// Validate checks identity and runtime-appropriate fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest is missing required field: id")
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("manifest id %q is not a valid slug", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest is missing required field: name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest is missing required field: version")
	}
	if !m.Runtime.Valid() {
		return fmt.Errorf("unknown runtime %q (expected container, embedded or gateway)", m.Runtime)
	}

	switch m.Runtime {
	case RuntimeContainer:
		if m.Image == nil || m.Image.Repository == "" {
			return fmt.Errorf("container plugin %s requires image.repository", m.ID)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("container plugin %s requires a valid internal port", m.ID)
		}
		if !strings.HasPrefix(m.BasePath, "/") {
			return fmt.Errorf("container plugin %s basePath must start with /", m.ID)
		}
	case RuntimeEmbedded:
		if m.BundleURL == "" && m.ModuleCode == "" {
			return fmt.Errorf("embedded plugin %s requires bundleUrl or moduleCode", m.ID)
		}
	case RuntimeGateway:
		if m.Gateway == nil || m.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway plugin %s requires gateway.baseUrl", m.ID)
		}
	}

	for _, ep := range m.Endpoints {
		if ep.Method == "" || ep.Path == "" {
			return fmt.Errorf("plugin %s declares an endpoint without method or path", m.ID)
		}
	}
	return nil
}

// ContainerName returns the deterministic container name for this plugin.
func (m *Manifest) ContainerName() string {
	return "forgehook-" + m.ID
}

// VolumeName returns the named data volume for this plugin.
func (m *Manifest) VolumeName() string {
	return "forgehook-" + m.ID + "-data"
}

// FindEndpoint matches a function name against the declared endpoints.
// "calc" matches both "/calc" and "calc" declarations.
func (m *Manifest) FindEndpoint(function string) (*Endpoint, bool) {
	want := "/" + strings.TrimPrefix(function, "/")
	for i := range m.Endpoints {
		declared := m.Endpoints[i].Path
		if !strings.HasPrefix(declared, "/") {
			declared = "/" + declared
		}
		if declared == want {
			return &m.Endpoints[i], true
		}
	}
	return nil, false
}

// EndpointPaths lists the declared endpoint paths, for error reporting.
func (m *Manifest) EndpointPaths() []string {
	paths := make([]string, 0, len(m.Endpoints))
	for _, ep := range m.Endpoints {
		paths = append(paths, ep.Path)
	}
	return paths
}

// DefaultEnvironment returns the declared env defaults as a map.
func (m *Manifest) DefaultEnvironment() map[string]string {
	env := make(map[string]string)
	for _, v := range m.Environment {
		if v.Default != "" {
			env[v.Name] = v.Default
		}
	}
	return env
}

// MissingRequiredEnv reports required variables absent from the overlay.
func (m *Manifest) MissingRequiredEnv(overlay map[string]string) []string {
	var missing []string
	for _, v := range m.Environment {
		if !v.Required || v.Default != "" {
			continue
		}
		if _, ok := overlay[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	return missing
}

// Clone returns a deep copy via JSON round-trip. Manifests are small; this
// keeps the copy honest as fields evolve.
func (m *Manifest) Clone() *Manifest {
	data, _ := json.Marshal(m)
	var cp Manifest
	_ = json.Unmarshal(data, &cp)
	return &cp
}
