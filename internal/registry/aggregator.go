// Package registry aggregates remote plugin catalogues into one
// marketplace view. Sources are fetched on a schedule, cached in the
// store and merged with priority-ordered dedup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/store"
)

// maxIndexBytes caps a fetched index document.
const maxIndexBytes = 8 << 20

// refreshSchedule drives the background refresh of all enabled sources.
const refreshSchedule = "@every 5m"

// Entry is one plugin listing in a registry index.
type Entry struct {
	ID        string             `json:"id"`
	Manifest  *manifest.Manifest `json:"manifest"`
	Featured  bool               `json:"featured,omitempty"`
	Verified  bool               `json:"verified,omitempty"`
	Downloads int64              `json:"downloads,omitempty"`
	Rating    float64            `json:"rating,omitempty"`
}

// Index is the fetched catalogue document.
type Index struct {
	Plugins   []Entry    `json:"plugins"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// MarketplaceEntry is a merged listing attributed to its source.
type MarketplaceEntry struct {
	Entry
	SourceID   string `json:"sourceId"`
	SourceName string `json:"sourceName"`
}

// Filters narrows the marketplace listing.
type Filters struct {
	Category string
	Search   string
	Featured bool
	Verified bool
}

// SourceSummary reports per-source fetch state alongside the listing.
type SourceSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Priority    int        `json:"priority"`
	PluginCount int        `json:"pluginCount"`
	LastFetched *time.Time `json:"lastFetched,omitempty"`
	FetchError  string     `json:"fetchError,omitempty"`
}

// Aggregator fetches, caches and merges registry sources.
type Aggregator struct {
	store  store.Store
	client *http.Client
	log    zerolog.Logger

	cron    *cron.Cron
	cronID  cron.EntryID
	startMu sync.Mutex
}

// NewAggregator builds an aggregator over the store.
func NewAggregator(st store.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("component", "registry").Logger(),
	}
}

// Start begins the periodic refresh of all enabled sources.
func (a *Aggregator) Start() {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.cron != nil {
		return
	}
	a.cron = cron.New()
	a.cronID, _ = a.cron.AddFunc(refreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := a.RefreshAll(ctx); err != nil {
			a.log.Warn().Err(err).Msg("scheduled registry refresh failed")
		}
	})
	a.cron.Start()
}

// Stop halts the refresh schedule and waits for a running job.
func (a *Aggregator) Stop() {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
	a.cron = nil
}

// EnsureOfficialSource seeds the official catalogue on first boot.
func (a *Aggregator) EnsureOfficialSource(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return err
	}
	for _, s := range sources {
		if s.IsOfficial {
			return nil
		}
	}
	now := time.Now().UTC()
	return a.store.SaveSource(ctx, &store.RegistrySource{
		ID:         uuid.NewString(),
		Name:       "Official",
		URL:        url,
		SourceType: store.SourceHTTP,
		Enabled:    true,
		IsOfficial: true,
		Priority:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// ListSources returns all configured sources in priority order.
func (a *Aggregator) ListSources(ctx context.Context) ([]*store.RegistrySource, error) {
	return a.store.ListSources(ctx)
}

// AddSource validates and persists a new source.
func (a *Aggregator) AddSource(ctx context.Context, src *store.RegistrySource) error {
	if src.Name == "" || src.URL == "" {
		return errdefs.New(errdefs.CodeValidation, "source requires name and url")
	}
	if src.SourceType == "" {
		src.SourceType = store.SourceHTTP
	}
	if src.SourceType == store.SourceGitHub {
		ref, err := ParseGitHubRef(src.URL)
		if err != nil {
			return err
		}
		src.GithubOwner = ref.Owner
		src.GithubRepo = ref.Repo
		if src.GithubBranch == "" {
			src.GithubBranch = ref.Ref
		}
		if src.GithubPath == "" {
			src.GithubPath = "registry.json"
		}
		src.URL = ref.RawURL(src.GithubPath)
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now
	return a.store.SaveSource(ctx, src)
}

// UpdateSource applies operator edits, preserving cache fields.
func (a *Aggregator) UpdateSource(ctx context.Context, id string, mutate func(*store.RegistrySource)) (*store.RegistrySource, error) {
	src, err := a.store.GetSource(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodeSourceNotFound, "registry source %s not found", id)
		}
		return nil, err
	}
	mutate(src)
	src.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

// DeleteSource removes a source. Official sources are protected.
func (a *Aggregator) DeleteSource(ctx context.Context, id string) error {
	src, err := a.store.GetSource(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return errdefs.New(errdefs.CodeSourceNotFound, "registry source %s not found", id)
		}
		return err
	}
	if src.IsOfficial {
		return errdefs.New(errdefs.CodeCannotDeleteOfficial,
			"the official registry source cannot be deleted")
	}
	return a.store.DeleteSource(ctx, id)
}

// RefreshAll refreshes every enabled source. Per-source failures are
// recorded on the source, not returned.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if err := a.RefreshSource(ctx, src.ID); err != nil {
			a.log.Warn().Str("source", src.Name).Err(err).Msg("source refresh failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// RefreshSource fetches one source immediately. On failure the previous
// cache is kept and the error is recorded on the source record.
func (a *Aggregator) RefreshSource(ctx context.Context, id string) error {
	src, err := a.store.GetSource(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return errdefs.New(errdefs.CodeSourceNotFound, "registry source %s not found", id)
		}
		return err
	}

	raw, fetchErr := a.fetchIndex(ctx, src.URL)
	now := time.Now().UTC()
	if fetchErr != nil {
		src.FetchError = fetchErr.Error()
		src.UpdatedAt = now
		if saveErr := a.store.SaveSource(ctx, src); saveErr != nil {
			return saveErr
		}
		return fetchErr
	}

	src.CachedIndex = raw
	src.LastFetched = &now
	src.FetchError = ""
	src.UpdatedAt = now
	return a.store.SaveSource(ctx, src)
}

// fetchIndex downloads and validates an index document.
func (a *Aggregator) fetchIndex(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid source url %q: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read index from %s: %w", url, err)
	}
	if len(raw) > maxIndexBytes {
		return nil, fmt.Errorf("index from %s exceeds %d bytes", url, maxIndexBytes)
	}

	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("index from %s is not valid JSON: %w", url, err)
	}
	if idx.Plugins == nil {
		return nil, fmt.Errorf("index from %s has no plugins array", url)
	}
	return raw, nil
}

// Marketplace merges cached indexes of enabled sources. Sources are
// visited in ascending priority; the first occurrence of a plugin id
// wins.
func (a *Aggregator) Marketplace(ctx context.Context, f Filters) ([]MarketplaceEntry, []SourceSummary, error) {
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	var merged []MarketplaceEntry
	summaries := make([]SourceSummary, 0, len(sources))

	for _, src := range sources {
		summary := SourceSummary{
			ID:          src.ID,
			Name:        src.Name,
			Enabled:     src.Enabled,
			Priority:    src.Priority,
			LastFetched: src.LastFetched,
			FetchError:  src.FetchError,
		}
		if !src.Enabled || len(src.CachedIndex) == 0 {
			summaries = append(summaries, summary)
			continue
		}

		var idx Index
		if err := json.Unmarshal(src.CachedIndex, &idx); err != nil {
			summary.FetchError = "cached index is corrupt"
			summaries = append(summaries, summary)
			continue
		}
		summary.PluginCount = len(idx.Plugins)
		summaries = append(summaries, summary)

		for _, entry := range idx.Plugins {
			id := entry.ID
			if id == "" && entry.Manifest != nil {
				id = entry.Manifest.ID
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			entry.ID = id
			merged = append(merged, MarketplaceEntry{
				Entry:      entry,
				SourceID:   src.ID,
				SourceName: src.Name,
			})
		}
	}

	merged = applyFilters(merged, f)
	sortEntries(merged)
	return merged, summaries, nil
}

// FindPlugin locates a marketplace entry by id, optionally pinned to a
// source.
func (a *Aggregator) FindPlugin(ctx context.Context, pluginID, sourceID string) (*MarketplaceEntry, error) {
	entries, _, err := a.Marketplace(ctx, Filters{})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID != pluginID {
			continue
		}
		if sourceID != "" && entries[i].SourceID != sourceID {
			continue
		}
		return &entries[i], nil
	}
	return nil, errdefs.New(errdefs.CodePluginNotFound,
		"plugin %s not found in any enabled registry source", pluginID)
}

func applyFilters(entries []MarketplaceEntry, f Filters) []MarketplaceEntry {
	if f.Category == "" && f.Search == "" && !f.Featured && !f.Verified {
		return entries
	}
	needle := strings.ToLower(f.Search)
	out := entries[:0]
	for _, e := range entries {
		if f.Featured && !e.Featured {
			continue
		}
		if f.Verified && !e.Verified {
			continue
		}
		m := e.Manifest
		if f.Category != "" && (m == nil || !strings.EqualFold(m.Category, f.Category)) {
			continue
		}
		if needle != "" && !matchesSearch(m, needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesSearch(m *manifest.Manifest, needle string) bool {
	if m == nil {
		return false
	}
	if strings.Contains(strings.ToLower(m.Name), needle) ||
		strings.Contains(strings.ToLower(m.Description), needle) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// sortEntries orders featured first, then rating desc, then downloads
// desc, with id as the stable tiebreaker.
func sortEntries(entries []MarketplaceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Featured != b.Featured {
			return a.Featured
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.Downloads != b.Downloads {
			return a.Downloads > b.Downloads
		}
		return a.ID < b.ID
	})
}
