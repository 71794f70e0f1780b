package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileState is the on-disk document of the file store.
type fileState struct {
	Plugins      map[string]*PluginInstance     `json:"plugins"`
	History      map[string][]*UpdateHistoryEntry `json:"history"`
	Sources      map[string]*RegistrySource     `json:"sources"`
	Integrations map[string]*Integration        `json:"integrations"`
	APIKeys      map[string]*APIKey             `json:"apiKeys"`
	Metrics      map[string]*InvocationMetric   `json:"metrics"`
}

// FileStore persists all state as a single pretty-printed JSON document.
// Every mutation rewrites the file; reads serve from memory.
type FileStore struct {
	path  string
	state fileState
	mu    sync.RWMutex
}

// NewFileStore opens (or initializes) the state file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	s.state = fileState{
		Plugins:      make(map[string]*PluginInstance),
		History:      make(map[string][]*UpdateHistoryEntry),
		Sources:      make(map[string]*RegistrySource),
		Integrations: make(map[string]*Integration),
		APIKeys:      make(map[string]*APIKey),
		Metrics:      make(map[string]*InvocationMetric),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	// Maps may be nil after unmarshal of a partial document.
	if s.state.Plugins == nil {
		s.state.Plugins = make(map[string]*PluginInstance)
	}
	if s.state.History == nil {
		s.state.History = make(map[string][]*UpdateHistoryEntry)
	}
	if s.state.Sources == nil {
		s.state.Sources = make(map[string]*RegistrySource)
	}
	if s.state.Integrations == nil {
		s.state.Integrations = make(map[string]*Integration)
	}
	if s.state.APIKeys == nil {
		s.state.APIKeys = make(map[string]*APIKey)
	}
	if s.state.Metrics == nil {
		s.state.Metrics = make(map[string]*InvocationMetric)
	}
	return s, nil
}

// saveLocked writes the document to disk. Callers hold the write lock.
func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) SavePlugin(_ context.Context, p *PluginInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Plugins[p.ID] = p.Clone()
	return s.saveLocked()
}

func (s *FileStore) SavePluginWithHistory(_ context.Context, p *PluginInstance, entry *UpdateHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Plugins[p.ID] = p.Clone()
	s.state.History[entry.PluginID] = append(s.state.History[entry.PluginID], entry)
	return s.saveLocked()
}

func (s *FileStore) GetPlugin(_ context.Context, id string) (*PluginInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.state.Plugins[id]; ok {
		return p.Clone(), nil
	}
	return nil, &NotFoundError{Kind: "plugin", ID: id}
}

func (s *FileStore) GetPluginByForgehookID(_ context.Context, forgehookID string) (*PluginInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.state.Plugins {
		if p.ForgehookID == forgehookID {
			return p.Clone(), nil
		}
	}
	return nil, &NotFoundError{Kind: "plugin", ID: forgehookID}
}

func (s *FileStore) ListPlugins(_ context.Context) ([]*PluginInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*PluginInstance, 0, len(s.state.Plugins))
	for _, p := range s.state.Plugins {
		list = append(list, p.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ForgehookID < list[j].ForgehookID })
	return list, nil
}

func (s *FileStore) DeletePlugin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Plugins[id]; !ok {
		return &NotFoundError{Kind: "plugin", ID: id}
	}
	delete(s.state.Plugins, id)
	return s.saveLocked()
}

func (s *FileStore) ListHistory(_ context.Context, pluginID string) ([]*UpdateHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.state.History[pluginID]
	out := make([]*UpdateHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *FileStore) SaveSource(_ context.Context, src *RegistrySource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Sources[src.ID] = src.Clone()
	return s.saveLocked()
}

func (s *FileStore) GetSource(_ context.Context, id string) (*RegistrySource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src, ok := s.state.Sources[id]; ok {
		return src.Clone(), nil
	}
	return nil, &NotFoundError{Kind: "source", ID: id}
}

func (s *FileStore) ListSources(_ context.Context) ([]*RegistrySource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*RegistrySource, 0, len(s.state.Sources))
	for _, src := range s.state.Sources {
		list = append(list, src.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	return list, nil
}

func (s *FileStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Sources[id]; !ok {
		return &NotFoundError{Kind: "source", ID: id}
	}
	delete(s.state.Sources, id)
	return s.saveLocked()
}

func (s *FileStore) SaveIntegration(_ context.Context, in *Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Integrations[in.ID] = in
	return s.saveLocked()
}

func (s *FileStore) GetIntegration(_ context.Context, id string) (*Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if in, ok := s.state.Integrations[id]; ok {
		cp := *in
		return &cp, nil
	}
	return nil, &NotFoundError{Kind: "integration", ID: id}
}

func (s *FileStore) ListIntegrations(_ context.Context) ([]*Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Integration, 0, len(s.state.Integrations))
	for _, in := range s.state.Integrations {
		cp := *in
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *FileStore) DeleteIntegration(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Integrations[id]; !ok {
		return &NotFoundError{Kind: "integration", ID: id}
	}
	delete(s.state.Integrations, id)
	return s.saveLocked()
}

func (s *FileStore) SaveAPIKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.APIKeys[k.ID] = k
	return s.saveLocked()
}

func (s *FileStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.state.APIKeys {
		if k.Prefix == prefix {
			cp := *k
			return &cp, nil
		}
	}
	return nil, &NotFoundError{Kind: "api key", ID: prefix}
}

func (s *FileStore) ListAPIKeys(_ context.Context) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*APIKey, 0, len(s.state.APIKeys))
	for _, k := range s.state.APIKeys {
		cp := *k
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *FileStore) RecordInvocation(_ context.Context, pluginID string, latencyMS int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.Metrics[pluginID]
	if !ok {
		m = &InvocationMetric{PluginID: pluginID}
		s.state.Metrics[pluginID] = m
	}
	m.InvocationCount++
	if !success {
		m.ErrorCount++
	}
	m.TotalLatencyMS += latencyMS
	now := time.Now().UTC()
	m.LastInvoked = &now
	return s.saveLocked()
}

func (s *FileStore) GetInvocationMetric(_ context.Context, pluginID string) (*InvocationMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.state.Metrics[pluginID]; ok {
		cp := *m
		return &cp, nil
	}
	return &InvocationMetric{PluginID: pluginID}, nil
}

func (s *FileStore) Close() error { return nil }
