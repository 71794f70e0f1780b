package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgehook/forgehook/internal/manifest"
)

func testPlugin(id, forgehookID string) *PluginInstance {
	return &PluginInstance{
		ID:          id,
		ForgehookID: forgehookID,
		Runtime:     manifest.RuntimeContainer,
		Status:      StatusInstalled,
		Manifest: &manifest.Manifest{
			ID:      forgehookID,
			Name:    "Test",
			Version: "1.0.0",
			Runtime: manifest.RuntimeContainer,
			Image:   &manifest.ImageConfig{Repository: "ex/test", Tag: "1"},
			Port:    3000,
		},
		InstalledVersion: "1.0.0",
		InstalledAt:      time.Now().UTC(),
	}
}

func TestFileStorePluginRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	p := testPlugin("uuid-1", "math")
	if err := s.SavePlugin(ctx, p); err != nil {
		t.Fatalf("SavePlugin failed: %v", err)
	}

	// Reload from disk to prove persistence.
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := s2.GetPlugin(ctx, "uuid-1")
	if err != nil {
		t.Fatalf("GetPlugin failed: %v", err)
	}
	if got.ForgehookID != "math" || got.Manifest.Version != "1.0.0" {
		t.Errorf("unexpected record: %+v", got)
	}

	byFID, err := s2.GetPluginByForgehookID(ctx, "math")
	if err != nil {
		t.Fatalf("GetPluginByForgehookID failed: %v", err)
	}
	if byFID.ID != "uuid-1" {
		t.Errorf("lookup by forgehook id returned %s", byFID.ID)
	}

	if err := s2.DeletePlugin(ctx, "uuid-1"); err != nil {
		t.Fatalf("DeletePlugin failed: %v", err)
	}
	if _, err := s2.GetPlugin(ctx, "uuid-1"); !IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := s2.DeletePlugin(ctx, "uuid-1"); !IsNotFound(err) {
		t.Errorf("second delete should be not found, got %v", err)
	}
}

func TestFileStoreHistoryTransaction(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	p := testPlugin("uuid-1", "math")
	p.InstalledVersion = "2.0.0"
	p.PreviousVersion = "1.0.0"
	entry := &UpdateHistoryEntry{
		ID:          "h1",
		PluginID:    "uuid-1",
		FromVersion: "1.0.0",
		ToVersion:   "2.0.0",
		Action:      ActionUpdate,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SavePluginWithHistory(ctx, p, entry); err != nil {
		t.Fatalf("SavePluginWithHistory failed: %v", err)
	}

	history, err := s.ListHistory(ctx, "uuid-1")
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Action != ActionUpdate {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestFileStoreSourcesOrderedByPriority(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	for _, src := range []*RegistrySource{
		{ID: "b", Name: "B", URL: "http://b", SourceType: SourceHTTP, Enabled: true, Priority: 20},
		{ID: "a", Name: "A", URL: "http://a", SourceType: SourceHTTP, Enabled: true, Priority: 10},
	} {
		if err := s.SaveSource(ctx, src); err != nil {
			t.Fatalf("SaveSource failed: %v", err)
		}
	}

	list, err := s.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("sources not ordered by priority: %+v", list)
	}
}

func TestFileStoreSaveSourceCopiesRecord(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	src := &RegistrySource{
		ID:          "s1",
		Name:        "One",
		URL:         "http://one",
		SourceType:  SourceHTTP,
		Enabled:     true,
		CachedIndex: json.RawMessage(`{"plugins":[]}`),
	}
	if err := s.SaveSource(ctx, src); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}

	// Mutations after save must not reach the stored record.
	src.Name = "mutated"
	src.CachedIndex[0] = 'X'

	got, err := s.GetSource(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if got.Name != "One" {
		t.Errorf("Name = %q, caller mutation leaked into store", got.Name)
	}
	if string(got.CachedIndex) != `{"plugins":[]}` {
		t.Errorf("CachedIndex = %s, caller mutation leaked into store", got.CachedIndex)
	}
}

func TestFileStoreInvocationMetrics(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := s.RecordInvocation(ctx, "uuid-1", 20, true); err != nil {
		t.Fatalf("RecordInvocation failed: %v", err)
	}
	if err := s.RecordInvocation(ctx, "uuid-1", 40, false); err != nil {
		t.Fatalf("RecordInvocation failed: %v", err)
	}

	m, err := s.GetInvocationMetric(ctx, "uuid-1")
	if err != nil {
		t.Fatalf("GetInvocationMetric failed: %v", err)
	}
	if m.InvocationCount != 2 || m.ErrorCount != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
	if m.MeanLatencyMS() != 30 {
		t.Errorf("MeanLatencyMS() = %v, want 30", m.MeanLatencyMS())
	}

	// Unknown plugin returns zero-valued metric, not an error.
	zero, err := s.GetInvocationMetric(ctx, "nope")
	if err != nil || zero.InvocationCount != 0 {
		t.Errorf("expected zero metric, got %+v err %v", zero, err)
	}
}
