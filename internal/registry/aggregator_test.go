package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return NewAggregator(st, zerolog.Nop()), st
}

func indexJSON(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	raw, err := json.Marshal(Index{Plugins: entries})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func entry(id, version string) Entry {
	return Entry{
		ID: id,
		Manifest: &manifest.Manifest{
			ID:      id,
			Name:    id,
			Version: version,
			Runtime: manifest.RuntimeGateway,
			Gateway: &manifest.GatewayConfig{BaseURL: "http://localhost"},
		},
	}
}

func TestRefreshSourceCachesIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing Accept header")
		}
		w.Write(indexJSON(t, entry("math", "1.0.0")))
	}))
	defer srv.Close()

	a, st := newTestAggregator(t)
	ctx := context.Background()
	src := &store.RegistrySource{Name: "test", URL: srv.URL, Enabled: true}
	if err := a.AddSource(ctx, src); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}

	if err := a.RefreshSource(ctx, src.ID); err != nil {
		t.Fatalf("RefreshSource failed: %v", err)
	}
	got, err := st.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastFetched == nil || got.FetchError != "" || len(got.CachedIndex) == 0 {
		t.Errorf("cache not updated: %+v", got)
	}
}

func TestRefreshFailureKeepsPreviousCache(t *testing.T) {
	failing := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(indexJSON(t, entry("math", "1.0.0")))
	}))
	defer srv.Close()

	a, st := newTestAggregator(t)
	ctx := context.Background()
	src := &store.RegistrySource{Name: "test", URL: srv.URL, Enabled: true}
	if err := a.AddSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if err := a.RefreshSource(ctx, src.ID); err != nil {
		t.Fatal(err)
	}

	failing = true
	if err := a.RefreshSource(ctx, src.ID); err == nil {
		t.Fatal("expected refresh error")
	}
	got, _ := st.GetSource(ctx, src.ID)
	if got.FetchError == "" {
		t.Error("fetchError not recorded")
	}
	if len(got.CachedIndex) == 0 {
		t.Error("previous cache discarded on failure")
	}
}

func TestMarketplaceDedupByPriority(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	low := &store.RegistrySource{
		ID: "low", Name: "Low", URL: "http://low", SourceType: store.SourceHTTP,
		Enabled: true, Priority: 10,
		CachedIndex: indexJSON(t, entry("x", "1.0.0"), entry("only-low", "1.0.0")),
	}
	high := &store.RegistrySource{
		ID: "high", Name: "High", URL: "http://high", SourceType: store.SourceHTTP,
		Enabled: true, Priority: 20,
		CachedIndex: indexJSON(t, entry("x", "2.0.0"), entry("only-high", "1.0.0")),
	}
	for _, s := range []*store.RegistrySource{high, low} {
		if err := st.SaveSource(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	entries, summaries, err := a.Marketplace(ctx, Filters{})
	if err != nil {
		t.Fatalf("Marketplace failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.ID == "x" {
			if e.SourceID != "low" || e.Manifest.Version != "1.0.0" {
				t.Errorf("dedup kept wrong source: %+v", e)
			}
		}
	}
	if len(summaries) != 2 {
		t.Errorf("got %d summaries, want 2", len(summaries))
	}
}

func TestMarketplaceFiltersAndSort(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	plain := entry("plain", "1.0.0")
	plain.Downloads = 50
	popular := entry("popular", "1.0.0")
	popular.Downloads = 500
	top := entry("top", "1.0.0")
	top.Featured = true
	rated := entry("rated", "1.0.0")
	rated.Rating = 4.5
	tagged := entry("tagged", "1.0.0")
	tagged.Manifest.Tags = []string{"llm", "chat"}

	src := &store.RegistrySource{
		ID: "s", Name: "S", URL: "http://s", SourceType: store.SourceHTTP,
		Enabled:     true,
		CachedIndex: indexJSON(t, plain, popular, top, rated, tagged),
	}
	if err := st.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	entries, _, err := a.Marketplace(ctx, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].ID != "top" {
		t.Errorf("featured not first: %s", entries[0].ID)
	}
	if entries[1].ID != "rated" {
		t.Errorf("rating not second: %s", entries[1].ID)
	}
	if entries[2].ID != "popular" {
		t.Errorf("downloads not third: %s", entries[2].ID)
	}

	filtered, _, _ := a.Marketplace(ctx, Filters{Search: "llm"})
	if len(filtered) != 1 || filtered[0].ID != "tagged" {
		t.Errorf("tag search failed: %+v", filtered)
	}

	featured, _, _ := a.Marketplace(ctx, Filters{Featured: true})
	if len(featured) != 1 || featured[0].ID != "top" {
		t.Errorf("featured filter failed: %+v", featured)
	}
}

func TestDeleteOfficialSourceRefused(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	if err := a.EnsureOfficialSource(ctx, "http://official.example/registry.json"); err != nil {
		t.Fatal(err)
	}
	sources, _ := st.ListSources(ctx)
	if len(sources) != 1 || !sources[0].IsOfficial {
		t.Fatalf("official source not seeded: %+v", sources)
	}

	err := a.DeleteSource(ctx, sources[0].ID)
	if !errdefs.IsCode(err, errdefs.CodeCannotDeleteOfficial) {
		t.Fatalf("expected CANNOT_DELETE_OFFICIAL, got %v", err)
	}

	// Seeding twice does not duplicate.
	if err := a.EnsureOfficialSource(ctx, "http://official.example/registry.json"); err != nil {
		t.Fatal(err)
	}
	sources, _ = st.ListSources(ctx)
	if len(sources) != 1 {
		t.Errorf("official source duplicated: %d sources", len(sources))
	}
}

func TestParseGitHubRef(t *testing.T) {
	cases := []struct {
		in        string
		owner     string
		repo      string
		ref       string
		path      string
		wantErr   bool
	}{
		{in: "acme/plugins", owner: "acme", repo: "plugins", ref: "main"},
		{in: "https://github.com/acme/plugins", owner: "acme", repo: "plugins", ref: "main"},
		{in: "https://github.com/acme/plugins.git", owner: "acme", repo: "plugins", ref: "main"},
		{in: "https://github.com/acme/plugins/tree/v2", owner: "acme", repo: "plugins", ref: "v2"},
		{
			in:    "https://raw.githubusercontent.com/acme/plugins/main/dir/forgehook.json",
			owner: "acme", repo: "plugins", ref: "main", path: "dir/forgehook.json",
		},
		{in: "not-a-ref", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseGitHubRef(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseGitHubRef(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseGitHubRef(%q) failed: %v", tc.in, err)
			continue
		}
		if got.Owner != tc.owner || got.Repo != tc.repo || got.Ref != tc.ref || got.Path != tc.path {
			t.Errorf("ParseGitHubRef(%q) = %+v", tc.in, got)
		}
	}
}

func TestRawURLDefaults(t *testing.T) {
	ref := &GitHubRef{Owner: "acme", Repo: "plugins"}
	want := "https://raw.githubusercontent.com/acme/plugins/main/forgehook.json"
	if got := ref.RawURL(""); got != want {
		t.Errorf("RawURL() = %q, want %q", got, want)
	}
	if got := ref.RawURL("registry.json"); got != "https://raw.githubusercontent.com/acme/plugins/main/registry.json" {
		t.Errorf("RawURL(registry.json) = %q", got)
	}
}

func TestListSources(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	for _, src := range []*store.RegistrySource{
		{Name: "second", URL: "http://second", Priority: 20, Enabled: true},
		{Name: "first", URL: "http://first", Priority: 10, Enabled: true},
	} {
		if err := a.AddSource(ctx, src); err != nil {
			t.Fatalf("AddSource failed: %v", err)
		}
	}

	sources, err := a.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if sources[0].Name != "first" || sources[1].Name != "second" {
		t.Errorf("sources out of priority order: %s, %s", sources[0].Name, sources[1].Name)
	}
}
