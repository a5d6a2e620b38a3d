package githubrelease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudgateway/gateway/storagedriver"
)

// ghAsset/ghRelease mirror the subset of GitHub's releases API this driver
// consumes.
type ghAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
	UpdatedAt          string `json:"updated_at"`
}

type ghRelease struct {
	TagName         string    `json:"tag_name"`
	Body            string    `json:"body"`
	PublishedAt     string    `json:"published_at"`
	Assets          []ghAsset `json:"assets"`
	ZipballURL      string    `json:"zipball_url"`
	TarballURL      string    `json:"tarball_url"`
}

type ghContent struct {
	DownloadURL string `json:"download_url"`
	HTMLURL     string `json:"html_url"`
}

func parseGHTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d *Driver) latestRelease(ctx context.Context, m repoMapping, refresh bool) (*ghRelease, error) {
	key := "latest:" + m.owner + "/" + m.repo
	if !refresh {
		if v, ok := d.cacheGet(key); ok {
			return v.(*ghRelease), nil
		}
	}
	var rel ghRelease
	if err := d.get(ctx, fmt.Sprintf("/repos/%s/%s/releases/latest", m.owner, m.repo), &rel); err != nil {
		return nil, err
	}
	d.cachePut(key, &rel)
	return &rel, nil
}

func (d *Driver) allReleases(ctx context.Context, m repoMapping, refresh bool) ([]ghRelease, error) {
	key := "releases:" + m.owner + "/" + m.repo
	if !refresh {
		if v, ok := d.cacheGet(key); ok {
			return v.([]ghRelease), nil
		}
	}
	var releases []ghRelease
	if err := d.get(ctx, fmt.Sprintf("/repos/%s/%s/releases", m.owner, m.repo), &releases); err != nil {
		return nil, err
	}
	d.cachePut(key, releases)
	return releases, nil
}

func (d *Driver) readme(ctx context.Context, m repoMapping, refresh bool) (*ghContent, error) {
	key := "readme:" + m.owner + "/" + m.repo
	if !refresh {
		if v, ok := d.cacheGet(key); ok {
			if v == nil {
				return nil, nil
			}
			return v.(*ghContent), nil
		}
	}
	var content ghContent
	if err := d.get(ctx, fmt.Sprintf("/repos/%s/%s/readme", m.owner, m.repo), &content); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			d.cachePut(key, (*ghContent)(nil))
			return nil, nil
		}
		return nil, err
	}
	d.cachePut(key, &content)
	return &content, nil
}

func (d *Driver) license(ctx context.Context, m repoMapping, refresh bool) (*ghContent, error) {
	key := "license:" + m.owner + "/" + m.repo
	if !refresh {
		if v, ok := d.cacheGet(key); ok {
			if v == nil {
				return nil, nil
			}
			return v.(*ghContent), nil
		}
	}
	var content struct {
		ghContent
		License struct {
			Name string `json:"name"`
		} `json:"license"`
	}
	if err := d.get(ctx, fmt.Sprintf("/repos/%s/%s/license", m.owner, m.repo), &content); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			d.cachePut(key, (*ghContent)(nil))
			return nil, nil
		}
		return nil, err
	}
	d.cachePut(key, &content.ghContent)
	return &content.ghContent, nil
}

// releaseVirtualFiles appends the optional synthetic entries (spec §4.3.5)
// a release directory (or the mount root, in show_all_version=false mode)
// may carry alongside its real assets.
func (d *Driver) releaseVirtualFiles(rel *ghRelease) []storagedriver.FileEntry {
	var extra []storagedriver.FileEntry
	if d.showReleaseNotes && strings.TrimSpace(rel.Body) != "" {
		extra = append(extra, storagedriver.FileEntry{
			Name: "RELEASE_NOTES.md", Size: int64(len(rel.Body)), Modified: parseGHTime(rel.PublishedAt),
		})
	}
	if d.showSourceCode {
		if rel.ZipballURL != "" {
			extra = append(extra, storagedriver.FileEntry{Name: "Source code (zip)", Modified: parseGHTime(rel.PublishedAt)})
		}
		if rel.TarballURL != "" {
			extra = append(extra, storagedriver.FileEntry{Name: "Source code (tar.gz)", Modified: parseGHTime(rel.PublishedAt)})
		}
	}
	return extra
}

func assetEntry(parent string, a ghAsset) storagedriver.FileEntry {
	return storagedriver.FileEntry{
		FSPath:   strings.TrimSuffix(parent, "/") + "/" + a.Name,
		Name:     a.Name,
		Size:     a.Size,
		Modified: parseGHTime(a.UpdatedAt),
	}
}

func (d *Driver) repoLevelFiles(ctx context.Context, m repoMapping, refresh bool) ([]storagedriver.FileEntry, error) {
	var out []storagedriver.FileEntry
	if d.showReadme {
		if rm, err := d.readme(ctx, m, refresh); err == nil && rm != nil {
			out = append(out, storagedriver.FileEntry{Name: "README.md"})
		}
		if lic, err := d.license(ctx, m, refresh); err == nil && lic != nil {
			out = append(out, storagedriver.FileEntry{Name: "LICENSE"})
		}
	}
	return out, nil
}

// List implements the virtual tree described in spec §4.3.5.
func (d *Driver) List(ctx storagedriver.OpContext, subPath string) ([]storagedriver.FileEntry, error) {
	refresh := refreshFromRequest(ctx)
	m, rel, ok := d.resolveMapping(subPath)
	if !ok {
		if strings.Trim(subPath, "/") != "" {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		// The mount root above aliased repos lists one directory per alias.
		entries := make([]storagedriver.FileEntry, 0, len(d.mappings))
		for _, mp := range d.mappings {
			entries = append(entries, storagedriver.FileEntry{
				FSPath: mp.root, Name: strings.TrimPrefix(mp.root, "/"),
				IsDirectory: true, Mimetype: storagedriver.DirectoryMimeType,
			})
		}
		return entries, nil
	}

	segments := splitPath(rel)

	if len(segments) == 0 {
		if !d.showAllVersions {
			latest, err := d.latestRelease(ctx.Context, m, refresh)
			if err != nil {
				return nil, err
			}
			entries := make([]storagedriver.FileEntry, 0, len(latest.Assets))
			for _, a := range latest.Assets {
				entries = append(entries, assetEntry(subPath, a))
			}
			entries = append(entries, d.releaseVirtualFiles(latest)...)
			repoFiles, _ := d.repoLevelFiles(ctx.Context, m, refresh)
			entries = append(entries, repoFiles...)
			return entries, nil
		}

		releases, err := d.allReleases(ctx.Context, m, refresh)
		if err != nil {
			return nil, err
		}
		entries := make([]storagedriver.FileEntry, 0, len(releases)+2)
		for _, r := range releases {
			entries = append(entries, storagedriver.FileEntry{
				FSPath: strings.TrimSuffix(subPath, "/") + "/" + r.TagName, Name: r.TagName,
				IsDirectory: true, Modified: parseGHTime(r.PublishedAt), Mimetype: storagedriver.DirectoryMimeType,
			})
		}
		repoFiles, _ := d.repoLevelFiles(ctx.Context, m, refresh)
		entries = append(entries, repoFiles...)
		return entries, nil
	}

	if len(segments) == 1 && d.showAllVersions {
		tag := segments[0]
		releases, err := d.allReleases(ctx.Context, m, refresh)
		if err != nil {
			return nil, err
		}
		rel, ok := findByTag(releases, tag)
		if !ok {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		entries := make([]storagedriver.FileEntry, 0, len(rel.Assets))
		for _, a := range rel.Assets {
			entries = append(entries, assetEntry(subPath, a))
		}
		entries = append(entries, d.releaseVirtualFiles(rel)...)
		return entries, nil
	}

	return nil, storagedriver.PathNotFoundError{Path: subPath}
}

func findByTag(releases []ghRelease, tag string) (*ghRelease, bool) {
	for i := range releases {
		if releases[i].TagName == tag {
			return &releases[i], true
		}
	}
	return nil, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// refreshFromRequest reads the caller's refresh=true override (spec
// §4.3.5's cache-bypass flag) from the forwarded request header, since
// OpContext doesn't carry query parameters directly.
func refreshFromRequest(ctx storagedriver.OpContext) bool {
	if ctx.Request == nil {
		return false
	}
	for _, v := range ctx.Request.Header["X-Refresh"] {
		if v == "true" || v == "1" {
			return true
		}
	}
	return false
}
