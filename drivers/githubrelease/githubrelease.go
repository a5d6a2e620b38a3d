// Package githubrelease implements a read-only storagedriver.Driver overlay
// presenting one or more GitHub repositories' releases as a virtual tree.
// There is no third-party GitHub API client in the example pack (the
// closest relative is a caching HTTP proxy in front of the REST API), so
// this driver speaks the REST API directly over net/http+encoding/json,
// grounded on that proxy's cache-by-TTL shape and on the S3 driver's
// parameter-parsing/wrapErr conventions for everything else.
package githubrelease

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

const driverName = "githubrelease"

const apiBase = "https://api.github.com"

const (
	defaultCacheTTL = 60 * time.Second
	maxCacheTTL     = time.Hour
)

func init() {
	factory.Register(driverName, func(params map[string]interface{}) (storagedriver.Driver, error) {
		return FromParameters(params)
	})
}

// repoMapping is one parsed line of repo_structure.
type repoMapping struct {
	root  string // mount-relative root; "/" for the single-entry shorthand
	owner string
	repo  string
}

// Driver is a read-only overlay over one or more GitHub repositories'
// releases, addressed by repoMappings rooted at distinct virtual prefixes.
type Driver struct {
	httpClient *http.Client
	token      string
	ghProxy    string

	showAllVersions   bool
	showReleaseNotes  bool
	showSourceCode    bool
	showReadme        bool

	cacheTTL time.Duration
	mappings []repoMapping

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

var _ storagedriver.Driver = (*Driver)(nil)

// FromParameters builds a Driver from a StorageConfig parameter map (spec
// §4.3.5).
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	repoStructure, _ := parameters["repo_structure"].(string)
	mappings, err := parseRepoStructure(repoStructure)
	if err != nil {
		return nil, err
	}

	ttl := defaultCacheTTL
	if raw, ok := parameters["cache_ttl"]; ok {
		if secs, ok := toInt(raw); ok {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	d := &Driver{
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		token:            stringParam(parameters, "token"),
		ghProxy:          stringParam(parameters, "gh_proxy"),
		showAllVersions:  boolParam(parameters, "show_all_version"),
		showReleaseNotes: boolParam(parameters, "show_release_notes"),
		showSourceCode:   boolParam(parameters, "show_source_code"),
		showReadme:       boolParam(parameters, "show_readme"),
		cacheTTL:         ttl,
		mappings:         mappings,
		cache:            make(map[string]cacheEntry),
	}
	return d, nil
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]interface{}, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	}
	return false
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// parseRepoStructure implements spec §4.3.5's three accepted syntaxes:
// "owner/repo", "alias:owner/repo", and a full GitHub URL. A single entry
// may use "/" as its root; with more than one entry every line must supply
// (or imply) a distinct alias.
func parseRepoStructure(raw string) ([]repoMapping, error) {
	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return nil, &storagedriver.Error{Provider: "GITHUB_RELEASES_INVALID_CONFIG", Body: "repo_structure is empty"}
	}

	mappings := make([]repoMapping, 0, len(lines))
	seenRoots := make(map[string]bool)

	for _, line := range lines {
		alias, owner, repo, err := parseRepoLine(line)
		if err != nil {
			return nil, err
		}

		var root string
		switch {
		case alias != "":
			root = "/" + alias
		case len(lines) == 1:
			root = "/"
		default:
			root = "/" + repo
		}
		if seenRoots[root] {
			return nil, &storagedriver.Error{Provider: "GITHUB_RELEASES_INVALID_CONFIG", Body: fmt.Sprintf("duplicate alias/root %q", root)}
		}
		seenRoots[root] = true
		mappings = append(mappings, repoMapping{root: root, owner: owner, repo: repo})
	}

	if len(mappings) > 1 {
		for _, m := range mappings {
			if m.root == "/" {
				return nil, &storagedriver.Error{Provider: "GITHUB_RELEASES_INVALID_CONFIG", Body: "multiple repos require distinct aliases, \"/\" root only valid for a single entry"}
			}
		}
	}

	return mappings, nil
}

func parseRepoLine(line string) (alias, owner, repo string, err error) {
	if strings.HasPrefix(line, "https://github.com/") || strings.HasPrefix(line, "http://github.com/") {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(line, "https://github.com/"), "http://github.com/")
		parts := strings.SplitN(trimmed, "/", 3)
		if len(parts) < 2 {
			return "", "", "", invalidConfig(line)
		}
		return "", parts[0], parts[1], nil
	}

	if idx := strings.Index(line, ":"); idx >= 0 && !strings.Contains(line[:idx], "/") {
		alias = line[:idx]
		rest := line[idx+1:]
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", "", "", invalidConfig(line)
		}
		return alias, parts[0], parts[1], nil
	}

	parts := strings.SplitN(line, "/", 2)
	if len(parts) != 2 {
		return "", "", "", invalidConfig(line)
	}
	return "", parts[0], parts[1], nil
}

func invalidConfig(line string) error {
	return &storagedriver.Error{Provider: "GITHUB_RELEASES_INVALID_CONFIG", Body: fmt.Sprintf("unrecognized repo_structure entry %q", line)}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Capabilities() storagedriver.Capabilities {
	return storagedriver.NewCapabilities(storagedriver.Reader, storagedriver.DirectLink, storagedriver.Proxy)
}

// resolveMapping finds the repoMapping owning subPath, returning the
// mapping and the remainder of the path beneath its root.
func (d *Driver) resolveMapping(subPath string) (repoMapping, string, bool) {
	clean := path.Clean("/" + subPath)
	for _, m := range d.mappings {
		if m.root == "/" {
			return m, clean, true
		}
		if clean == m.root {
			return m, "/", true
		}
		if strings.HasPrefix(clean, m.root+"/") {
			return m, strings.TrimPrefix(clean, m.root), true
		}
	}
	return repoMapping{}, "", false
}

func (d *Driver) cacheGet(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (d *Driver) cachePut(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(d.cacheTTL)}
}

func (d *Driver) get(ctx context.Context, apiPath string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+apiPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &storagedriver.Error{Provider: "GITHUB_API", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return storagedriver.PathNotFoundError{Path: apiPath}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &storagedriver.Error{Provider: "GITHUB_API", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *Driver) rewriteURL(raw string) string {
	if d.ghProxy == "" || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host != "github.com" {
		return raw
	}
	proxy, err := url.Parse(d.ghProxy)
	if err != nil {
		return raw
	}
	u.Scheme = proxy.Scheme
	u.Host = proxy.Host
	return u.String()
}
