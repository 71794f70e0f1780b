// Package docker is a thin client for the Docker Engine REST API, used
// by the container supervisor to run plugin processes.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// ContainerState is the coarse container state the supervisor acts on.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateCreated ContainerState = "created"
	StateStopped ContainerState = "stopped"
	StateUnknown ContainerState = "unknown"
)

// VolumeMount maps a named volume or host path into the container.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceLimits carries the declared resource caps for a container.
type ResourceLimits struct {
	Memory    int64   // bytes
	CPUs      float64 // fractional cores
	PidsLimit int64
}

// CreateConfig describes the container to create for a plugin.
type CreateConfig struct {
	Name      string
	Image     string
	Env       []string
	Port      int // internal port the plugin listens on
	HostPort  int // published host port, bound to 127.0.0.1
	Network   string
	Volumes   []VolumeMount
	Restart   string // restart policy name, e.g. "unless-stopped"
	Labels    map[string]string
	Resources *ResourceLimits
}

// ContainerInfo is the subset of inspect output the supervisor needs.
type ContainerInfo struct {
	ID         string
	Name       string
	State      ContainerState
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Error      string
	Labels     map[string]string
	Ports      map[int]int // container port -> host port
}

// ContainerListItem is one row of a container listing.
type ContainerListItem struct {
	ID     string
	Names  []string
	Image  string
	State  string
	Status string
	Labels map[string]string
}

// ContainerEvent is a lifecycle message from the engine's event stream.
type ContainerEvent struct {
	ContainerID string
	Action      string // die, stop, start, oom, ...
	ExitCode    string
	Time        time.Time
}

// Client talks to the Docker Engine API over a unix socket or TCP.
type Client struct {
	http      *http.Client
	streaming *http.Client // no global timeout, for pulls/logs/events
	baseURL   string
	log       zerolog.Logger
}

// NewClient builds a client for the given DOCKER_HOST-style address.
// Empty host means the default unix socket.
func NewClient(host string, log zerolog.Logger) *Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       30 * time.Second,
	}
	streamTr := &http.Transport{
		MaxIdleConns:    20,
		IdleConnTimeout: 30 * time.Second,
	}

	baseURL := "http://docker"
	switch {
	case host == "" || strings.HasPrefix(host, "unix://"):
		sockPath := "/var/run/docker.sock"
		if strings.HasPrefix(host, "unix://") {
			sockPath = strings.TrimPrefix(host, "unix://")
		}
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 5 * time.Second}
			return dialer.DialContext(ctx, "unix", sockPath)
		}
		tr.DialContext = dial
		streamTr.DialContext = dial
	case strings.HasPrefix(host, "tcp://"):
		baseURL = "http://" + strings.TrimPrefix(host, "tcp://")
	case strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://"):
		baseURL = host
	}

	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second, Transport: tr},
		streaming: &http.Client{Transport: streamTr},
		baseURL:   baseURL,
		log:       log.With().Str("component", "docker").Logger(),
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) doStreaming(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.streaming.Do(req)
}

// retryableOp runs fn with exponential backoff on transient errors.
func (c *Client) retryableOp(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryDelay

	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTemporary(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < defaultMaxRetries {
			c.log.Warn().
				Str("operation", operation).
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("transient docker error, retrying")
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}
	return lastErr
}

// Ping checks that the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/_ping", nil)
	if err != nil {
		return newConnectionError("ping", "engine", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("ping", "engine", resp.StatusCode, string(body))
	}
	return nil
}

// CreateContainer creates a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, config *CreateConfig) (string, error) {
	body, err := json.Marshal(buildCreateRequest(config))
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/containers/create?name=%s", url.QueryEscape(config.Name))
	resp, err := c.doRequest(ctx, "POST", path, bytes.NewReader(body))
	if err != nil {
		return "", newConnectionError("create", config.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", newAPIError("create", config.Name, resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// StartContainer starts a container. 304 (already started) is success.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.retryableOp(ctx, "start "+containerID, func() error {
		path := fmt.Sprintf("/containers/%s/start", url.PathEscape(containerID))
		resp, err := c.doRequest(ctx, "POST", path, nil)
		if err != nil {
			return newConnectionError("start", containerID, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == 304 {
			return nil
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return newAPIError("start", containerID, resp.StatusCode, string(body))
		}
		return nil
	})
}

// StopContainer stops a container with a grace period in seconds.
// 304 (already stopped) and 404 (gone) are idempotent successes.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout int) error {
	path := fmt.Sprintf("/containers/%s/stop?t=%d", url.PathEscape(containerID), timeout)
	resp, err := c.doRequest(ctx, "POST", path, nil)
	if err != nil {
		return newConnectionError("stop", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 304 || resp.StatusCode == 404 {
		return nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("stop", containerID, resp.StatusCode, string(body))
	}
	return nil
}

// RestartContainer restarts a container with a grace period in seconds.
func (c *Client) RestartContainer(ctx context.Context, containerID string, timeout int) error {
	path := fmt.Sprintf("/containers/%s/restart?t=%d", url.PathEscape(containerID), timeout)
	resp, err := c.doRequest(ctx, "POST", path, nil)
	if err != nil {
		return newConnectionError("restart", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("restart", containerID, resp.StatusCode, string(body))
	}
	return nil
}

// RemoveContainer removes a container. 404 is idempotent success.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	forceParam := "0"
	if force {
		forceParam = "1"
	}
	path := fmt.Sprintf("/containers/%s?force=%s&v=1", url.PathEscape(containerID), forceParam)
	resp, err := c.doRequest(ctx, "DELETE", path, nil)
	if err != nil {
		return newConnectionError("remove", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("remove", containerID, resp.StatusCode, string(body))
	}
	return nil
}

// InspectContainer returns the current container state.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	path := fmt.Sprintf("/containers/%s/json", url.PathEscape(containerID))
	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, newConnectionError("inspect", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, newAPIError("inspect", containerID, resp.StatusCode, string(body))
	}

	var raw struct {
		ID    string `json:"Id"`
		Name  string `json:"Name"`
		State struct {
			Status     string    `json:"Status"`
			Running    bool      `json:"Running"`
			StartedAt  time.Time `json:"StartedAt"`
			FinishedAt time.Time `json:"FinishedAt"`
			ExitCode   int       `json:"ExitCode"`
			Error      string    `json:"Error"`
		} `json:"State"`
		NetworkSettings struct {
			Ports map[string][]struct {
				HostIP   string `json:"HostIp"`
				HostPort string `json:"HostPort"`
			} `json:"Ports"`
		} `json:"NetworkSettings"`
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	state := StateUnknown
	switch strings.ToLower(raw.State.Status) {
	case "running":
		state = StateRunning
	case "created", "paused", "restarting":
		state = StateCreated
	case "exited", "dead", "removing":
		state = StateStopped
	}

	info := &ContainerInfo{
		ID:         raw.ID,
		Name:       strings.TrimPrefix(raw.Name, "/"),
		State:      state,
		Running:    raw.State.Running,
		StartedAt:  raw.State.StartedAt,
		FinishedAt: raw.State.FinishedAt,
		ExitCode:   raw.State.ExitCode,
		Error:      raw.State.Error,
		Labels:     raw.Config.Labels,
		Ports:      make(map[int]int),
	}
	for portProto, bindings := range raw.NetworkSettings.Ports {
		parts := strings.Split(portProto, "/")
		if len(parts) == 0 {
			continue
		}
		var containerPort int
		fmt.Sscanf(parts[0], "%d", &containerPort)
		for _, b := range bindings {
			var hostPort int
			fmt.Sscanf(b.HostPort, "%d", &hostPort)
			if hostPort > 0 {
				info.Ports[containerPort] = hostPort
				break
			}
		}
	}
	return info, nil
}

// ListContainers lists containers, optionally filtered by label.
func (c *Client) ListContainers(ctx context.Context, all bool, label string) ([]ContainerListItem, error) {
	q := url.Values{}
	if all {
		q.Set("all", "1")
	}
	if label != "" {
		filters, _ := json.Marshal(map[string][]string{"label": {label}})
		q.Set("filters", string(filters))
	}
	path := "/containers/json"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, newConnectionError("list", "containers", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, newAPIError("list", "containers", resp.StatusCode, string(body))
	}

	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		Image  string            `json:"Image"`
		State  string            `json:"State"`
		Status string            `json:"Status"`
		Labels map[string]string `json:"Labels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	items := make([]ContainerListItem, len(raw))
	for i, ct := range raw {
		items[i] = ContainerListItem{
			ID:     ct.ID,
			Names:  ct.Names,
			Image:  ct.Image,
			State:  ct.State,
			Status: ct.Status,
			Labels: ct.Labels,
		}
	}
	return items, nil
}

// ContainerLogs returns the last tail lines of combined stdout/stderr.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	path := fmt.Sprintf("/containers/%s/logs?stdout=1&stderr=1&tail=%d",
		url.PathEscape(containerID), tail)
	resp, err := c.doStreaming(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, newConnectionError("logs", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, newAPIError("logs", containerID, resp.StatusCode, string(body))
	}

	// Non-TTY containers multiplex streams with an 8-byte frame header.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/vnd.docker.multiplexed-stream") ||
		resp.Header.Get("Content-Type") == "application/octet-stream" {
		return demuxLogStream(resp.Body)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// demuxLogStream strips the stream multiplexing headers and splits into
// lines.
func demuxLogStream(r io.Reader) ([]string, error) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if _, err := io.CopyN(&buf, r, int64(size)); err != nil {
			break
		}
	}
	var lines []string
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// ImageExists checks whether the image is present locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	path := fmt.Sprintf("/images/%s/json", url.PathEscape(image))
	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return false, newConnectionError("image inspect", image, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return false, newAPIError("image inspect", image, resp.StatusCode, string(body))
	}
	return true, nil
}

// PullImage pulls an image from a registry. Blocks until the pull
// stream completes.
func (c *Client) PullImage(ctx context.Context, image string) error {
	path := fmt.Sprintf("/images/create?fromImage=%s", url.QueryEscape(image))
	resp, err := c.doStreaming(ctx, "POST", path, nil, "")
	if err != nil {
		return newConnectionError("pull", image, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("pull", image, resp.StatusCode, string(body))
	}

	// The pull endpoint streams progress JSON; errors surface as
	// {"error": ...} objects mid-stream with a 200 status.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read pull stream for %s: %w", image, err)
		}
		if msg.Error != "" {
			return newAPIError("pull", image, 500, msg.Error)
		}
	}
}

// SaveImage streams the image as a tar archive.
func (c *Client) SaveImage(ctx context.Context, image string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/images/%s/get", url.PathEscape(image))
	resp, err := c.doStreaming(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, newConnectionError("save", image, err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, newAPIError("save", image, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// LoadImage uploads an image tar archive into the engine.
func (c *Client) LoadImage(ctx context.Context, tarStream io.Reader) error {
	resp, err := c.doStreaming(ctx, "POST", "/images/load?quiet=1", tarStream, "application/x-tar")
	if err != nil {
		return newConnectionError("load", "image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("load", "image", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// RemoveImage deletes a local image. 404 is idempotent success.
func (c *Client) RemoveImage(ctx context.Context, image string) error {
	path := fmt.Sprintf("/images/%s", url.PathEscape(image))
	resp, err := c.doRequest(ctx, "DELETE", path, nil)
	if err != nil {
		return newConnectionError("image remove", image, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("image remove", image, resp.StatusCode, string(body))
	}
	return nil
}

// CreateVolume creates a named volume. Creating an existing volume is a
// no-op on the engine side.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	body, err := json.Marshal(map[string]interface{}{
		"Name":   name,
		"Labels": labels,
	})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, "POST", "/volumes/create", bytes.NewReader(body))
	if err != nil {
		return newConnectionError("volume create", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError("volume create", name, resp.StatusCode, string(respBody))
	}
	return nil
}

// RemoveVolume deletes a named volume. 404 is idempotent success.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	forceParam := "0"
	if force {
		forceParam = "1"
	}
	path := fmt.Sprintf("/volumes/%s?force=%s", url.PathEscape(name), forceParam)
	resp, err := c.doRequest(ctx, "DELETE", path, nil)
	if err != nil {
		return newConnectionError("volume remove", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError("volume remove", name, resp.StatusCode, string(body))
	}
	return nil
}

// Events streams container lifecycle events matching the label filter
// until ctx is cancelled. Events are delivered on the returned channel,
// which closes when the stream ends.
func (c *Client) Events(ctx context.Context, label string) (<-chan ContainerEvent, error) {
	filters := map[string][]string{"type": {"container"}}
	if label != "" {
		filters["label"] = []string{label}
	}
	filterJSON, _ := json.Marshal(filters)
	path := "/events?filters=" + url.QueryEscape(string(filterJSON))

	resp, err := c.doStreaming(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, newConnectionError("events", "engine", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, newAPIError("events", "engine", resp.StatusCode, string(body))
	}

	ch := make(chan ContainerEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var msg struct {
				Action string `json:"Action"`
				Actor  struct {
					ID         string            `json:"ID"`
					Attributes map[string]string `json:"Attributes"`
				} `json:"Actor"`
				Time int64 `json:"time"`
			}
			if err := dec.Decode(&msg); err != nil {
				if ctx.Err() == nil && err != io.EOF {
					c.log.Warn().Err(err).Msg("docker event stream ended")
				}
				return
			}
			ev := ContainerEvent{
				ContainerID: msg.Actor.ID,
				Action:      msg.Action,
				ExitCode:    msg.Actor.Attributes["exitCode"],
				Time:        time.Unix(msg.Time, 0),
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func buildCreateRequest(config *CreateConfig) map[string]interface{} {
	req := map[string]interface{}{
		"Image":  config.Image,
		"Labels": config.Labels,
	}
	if len(config.Env) > 0 {
		req["Env"] = config.Env
	}
	if config.Port > 0 {
		req["ExposedPorts"] = map[string]interface{}{
			fmt.Sprintf("%d/tcp", config.Port): struct{}{},
		}
	}

	hostConfig := map[string]interface{}{}

	// Published ports bind to loopback only; external access goes
	// through the control plane's proxy.
	if config.HostPort > 0 && config.Port > 0 {
		hostConfig["PortBindings"] = map[string]interface{}{
			fmt.Sprintf("%d/tcp", config.Port): []map[string]string{
				{"HostIp": "127.0.0.1", "HostPort": fmt.Sprintf("%d", config.HostPort)},
			},
		}
	}
	if config.Network != "" {
		hostConfig["NetworkMode"] = config.Network
	}

	var binds []string
	for _, v := range config.Volumes {
		bind := fmt.Sprintf("%s:%s", v.Source, v.Target)
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	if len(binds) > 0 {
		hostConfig["Binds"] = binds
	}

	if config.Restart != "" {
		hostConfig["RestartPolicy"] = map[string]interface{}{"Name": config.Restart}
	}
	if config.Resources != nil {
		if config.Resources.Memory > 0 {
			hostConfig["Memory"] = config.Resources.Memory
		}
		if config.Resources.CPUs > 0 {
			hostConfig["NanoCpus"] = int64(config.Resources.CPUs * 1e9)
		}
		if config.Resources.PidsLimit > 0 {
			hostConfig["PidsLimit"] = config.Resources.PidsLimit
		}
	}

	req["HostConfig"] = hostConfig
	return req
}
