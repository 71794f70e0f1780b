package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
)

// GitHubRef identifies a file location in a GitHub repository.
type GitHubRef struct {
	Owner string
	Repo  string
	Ref   string // branch, tag or commit; defaults to main
	Path  string // optional path parsed from a raw URL
}

// DefaultManifestPath is the manifest filename used for single-plugin
// installs from a repository.
const DefaultManifestPath = "forgehook.json"

// ParseGitHubRef accepts "owner/repo", "https://github.com/owner/repo"
// (optionally with /tree/<ref>) or a raw.githubusercontent.com URL.
func ParseGitHubRef(input string) (*GitHubRef, error) {
	s := strings.TrimSpace(input)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	switch {
	case strings.Contains(s, "raw.githubusercontent.com"):
		return parseRawURL(s)
	case strings.Contains(s, "github.com"):
		return parseRepoURL(s)
	default:
		parts := strings.Split(s, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errdefs.New(errdefs.CodeValidation,
				"invalid github reference %q (expected owner/repo or a github URL)", input)
		}
		return &GitHubRef{Owner: parts[0], Repo: parts[1], Ref: "main"}, nil
	}
}

func parseRepoURL(s string) (*GitHubRef, error) {
	idx := strings.Index(s, "github.com/")
	rest := s[idx+len("github.com/"):]
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return nil, errdefs.New(errdefs.CodeValidation, "invalid github URL %q", s)
	}
	ref := &GitHubRef{Owner: parts[0], Repo: parts[1], Ref: "main"}
	// https://github.com/owner/repo/tree/<ref>[/path...]
	if len(parts) >= 4 && (parts[2] == "tree" || parts[2] == "blob") {
		ref.Ref = parts[3]
		if len(parts) > 4 {
			ref.Path = strings.Join(parts[4:], "/")
		}
	}
	return ref, nil
}

func parseRawURL(s string) (*GitHubRef, error) {
	idx := strings.Index(s, "raw.githubusercontent.com/")
	rest := s[idx+len("raw.githubusercontent.com/"):]
	parts := strings.Split(rest, "/")
	// owner/repo/ref/path...
	if len(parts) < 4 {
		return nil, errdefs.New(errdefs.CodeValidation, "invalid raw github URL %q", s)
	}
	return &GitHubRef{
		Owner: parts[0],
		Repo:  parts[1],
		Ref:   parts[2],
		Path:  strings.Join(parts[3:], "/"),
	}, nil
}

// RawURL builds the raw content URL for a file in the repository. An
// empty path falls back to the path parsed from the input, then to the
// default manifest name.
func (r *GitHubRef) RawURL(path string) string {
	if path == "" {
		path = r.Path
	}
	if path == "" {
		path = DefaultManifestPath
	}
	ref := r.Ref
	if ref == "" {
		ref = "main"
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s",
		r.Owner, r.Repo, ref, strings.TrimPrefix(path, "/"))
}

// FetchGitHubManifest resolves a github reference to its plugin
// manifest by fetching the raw forgehook.json.
func (a *Aggregator) FetchGitHubManifest(ctx context.Context, input string) (*manifest.Manifest, error) {
	ref, err := ParseGitHubRef(input)
	if err != nil {
		return nil, err
	}
	return a.FetchManifestURL(ctx, ref.RawURL(""))
}

// FetchManifestURL fetches and validates a plugin manifest from any
// HTTP URL.
func (a *Aggregator) FetchManifestURL(ctx context.Context, url string) (*manifest.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInstallFailed, err, "failed to fetch manifest from %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.New(errdefs.CodeInstallFailed,
			"manifest fetch from %s returned status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInstallFailed, err, "failed to read manifest from %s", url)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeValidation, err, "manifest at %s is invalid", url)
	}
	return m, nil
}
