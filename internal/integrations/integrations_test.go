package integrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s, err := NewService(context.Background(), st)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestBuiltinsSeeded(t *testing.T) {
	s := newService(t)
	items, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != len(builtins) {
		t.Fatalf("got %d integrations, want %d", len(items), len(builtins))
	}
	in, err := s.Get(context.Background(), "zapier")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !in.IsBuiltin || !in.IsEnabled {
		t.Errorf("zapier = builtin:%v enabled:%v", in.IsBuiltin, in.IsEnabled)
	}
}

func TestIDNormalization(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if err := s.Save(ctx, &store.Integration{ID: "  MyHub ", Name: "My Hub"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	in, err := s.Get(ctx, "MYHUB")
	if err != nil {
		t.Fatalf("Get with different casing: %v", err)
	}
	if in.ID != "myhub" {
		t.Errorf("stored id = %q, want myhub", in.ID)
	}
}

func TestRequireGatesDisabled(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if err := s.Require(ctx, "n8n"); err != nil {
		t.Fatalf("enabled integration rejected: %v", err)
	}
	if _, err := s.SetEnabled(ctx, "n8n", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	err := s.Require(ctx, "n8n")
	if !errdefs.IsCode(err, errdefs.CodeIntegrationOff) {
		t.Fatalf("disabled integration error = %v", err)
	}
	// Unknown ids are not gated.
	if err := s.Require(ctx, "no-such-platform"); err != nil {
		t.Fatalf("unknown integration rejected: %v", err)
	}
}

func TestBuiltinCannotBeDeleted(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	err := s.Delete(ctx, "make")
	if !errdefs.IsCode(err, errdefs.CodeForbidden) {
		t.Fatalf("Delete builtin error = %v", err)
	}

	if err := s.Save(ctx, &store.Integration{ID: "custom", Name: "Custom"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "custom"); err != nil {
		t.Fatalf("Delete custom: %v", err)
	}
}

func TestSavePreservesBuiltinFlag(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if err := s.Save(ctx, &store.Integration{ID: "zapier", Name: "Zapier", Description: "updated"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	in, err := s.Get(ctx, "zapier")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !in.IsBuiltin {
		t.Error("builtin flag lost on update")
	}
	if in.Description != "updated" {
		t.Errorf("Description = %q", in.Description)
	}
}
