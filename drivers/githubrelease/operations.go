package githubrelease

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/cloudgateway/gateway/storagedriver"
)

var errReadOnly = storagedriver.InvalidArgumentError{Reason: "githubrelease driver is read-only"}

func (d *Driver) Stat(ctx storagedriver.OpContext, subPath string) (storagedriver.FileEntry, error) {
	parent := path.Dir(strings.TrimSuffix(subPath, "/"))
	if parent == "." {
		parent = "/"
	}
	name := path.Base(subPath)

	entries, err := d.List(ctx, parent)
	if err != nil {
		return storagedriver.FileEntry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	// Fall back to treating subPath itself as a listable directory
	// (mount root / repo alias / release tag directories).
	if _, err := d.List(ctx, subPath); err == nil {
		return storagedriver.FileEntry{
			FSPath: subPath, Name: name, IsDirectory: true, Mimetype: storagedriver.DirectoryMimeType,
		}, nil
	}
	return storagedriver.FileEntry{}, storagedriver.PathNotFoundError{Path: subPath}
}

func (d *Driver) Exists(ctx storagedriver.OpContext, subPath string) (bool, error) {
	_, err := d.Stat(ctx, subPath)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(storagedriver.PathNotFoundError); ok {
		return false, nil
	}
	return false, err
}

// assetDownloadURL locates the asset's browser_download_url (or the
// virtual file's synthetic content) addressed by subPath.
func (d *Driver) assetDownloadURL(ctx context.Context, subPath string, refresh bool) (string, int64, error) {
	m, rel, ok := d.resolveMapping(subPath)
	if !ok {
		return "", 0, storagedriver.PathNotFoundError{Path: subPath}
	}
	segments := splitPath(rel)
	if len(segments) == 0 {
		return "", 0, storagedriver.IsADirectoryError{Path: subPath}
	}

	name := segments[len(segments)-1]

	var release *ghRelease
	if d.showAllVersions && len(segments) >= 2 {
		releases, err := d.allReleases(ctx, m, refresh)
		if err != nil {
			return "", 0, err
		}
		r, ok := findByTag(releases, segments[0])
		if !ok {
			return "", 0, storagedriver.PathNotFoundError{Path: subPath}
		}
		release = r
	} else if !d.showAllVersions && len(segments) == 1 {
		r, err := d.latestRelease(ctx, m, refresh)
		if err != nil {
			return "", 0, err
		}
		release = r
	}

	if release != nil {
		for _, a := range release.Assets {
			if a.Name == name {
				return d.rewriteURL(a.BrowserDownloadURL), a.Size, nil
			}
		}
		if name == "Source code (zip)" && d.showSourceCode {
			return d.rewriteURL(release.ZipballURL), 0, nil
		}
		if name == "Source code (tar.gz)" && d.showSourceCode {
			return d.rewriteURL(release.TarballURL), 0, nil
		}
		if name == "RELEASE_NOTES.md" && d.showReleaseNotes {
			return "", 0, nil // synthesized body, not a redirect target
		}
	}

	if name == "README.md" && d.showReadme {
		rm, err := d.readme(ctx, m, refresh)
		if err != nil {
			return "", 0, err
		}
		if rm != nil {
			return d.rewriteURL(rm.DownloadURL), 0, nil
		}
	}
	if name == "LICENSE" && d.showReadme {
		lic, err := d.license(ctx, m, refresh)
		if err != nil {
			return "", 0, err
		}
		if lic != nil {
			return d.rewriteURL(lic.DownloadURL), 0, nil
		}
	}

	return "", 0, storagedriver.PathNotFoundError{Path: subPath}
}

func (d *Driver) Download(ctx storagedriver.OpContext, subPath string) (*storagedriver.StreamDescriptor, error) {
	refresh := refreshFromRequest(ctx)

	if strings.HasSuffix(subPath, "/RELEASE_NOTES.md") {
		m, rel, ok := d.resolveMapping(subPath)
		if !ok {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		segments := splitPath(rel)
		var body string
		if d.showAllVersions && len(segments) >= 2 {
			releases, err := d.allReleases(ctx.Context, m, refresh)
			if err != nil {
				return nil, err
			}
			r, ok := findByTag(releases, segments[0])
			if !ok {
				return nil, storagedriver.PathNotFoundError{Path: subPath}
			}
			body = r.Body
		} else {
			r, err := d.latestRelease(ctx.Context, m, refresh)
			if err != nil {
				return nil, err
			}
			body = r.Body
		}
		data := []byte(body)
		return &storagedriver.StreamDescriptor{
			Size:        int64(len(data)),
			ContentType: "text/markdown",
			Open: func(ctx2 context.Context, rng *storagedriver.ByteRange) (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(string(data))), nil
			},
		}, nil
	}

	url, size, err := d.assetDownloadURL(ctx.Context, subPath, refresh)
	if err != nil {
		return nil, err
	}
	return &storagedriver.StreamDescriptor{
		Size: size,
		Open: func(ctx2 context.Context, rng *storagedriver.ByteRange) (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx2, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := d.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			return resp.Body, nil
		},
	}, nil
}

// GenerateDownloadURL returns the underlying provider's direct asset link
// (tier 2 of spec §4.6), rewritten through gh_proxy when configured.
func (d *Driver) GenerateDownloadURL(ctx storagedriver.OpContext, subPath string, expiresIn int) (string, int, error) {
	url, _, err := d.assetDownloadURL(ctx.Context, subPath, refreshFromRequest(ctx))
	if err != nil {
		return "", 0, err
	}
	if url == "" {
		return "", 0, storagedriver.InvalidArgumentError{Reason: "path has no direct link"}
	}
	return url, 0, nil
}

// GenerateProxyURL is declared (spec lists PROXY among this driver's
// capabilities) so the facade can fall back to streaming through the
// gateway when a client can't follow the direct redirect.
func (d *Driver) GenerateProxyURL(ctx storagedriver.OpContext, subPath string) (string, error) {
	return "", storagedriver.InvalidArgumentError{Reason: "use Download to stream through the gateway proxy"}
}

func (d *Driver) Upload(ctx storagedriver.OpContext, subPath string, body io.Reader, opts storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	return storagedriver.UploadResult{}, errReadOnly
}

func (d *Driver) Mkdir(ctx storagedriver.OpContext, subPath string) (storagedriver.MkdirResult, error) {
	return storagedriver.MkdirResult{}, errReadOnly
}

func (d *Driver) Remove(ctx storagedriver.OpContext, subPath string) error {
	return errReadOnly
}

func (d *Driver) Rename(ctx storagedriver.OpContext, oldPath, newPath string) error {
	return errReadOnly
}

func (d *Driver) Copy(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: errReadOnly.Error()}, errReadOnly
}

func (d *Driver) BatchRemove(ctx storagedriver.OpContext, paths []string) (storagedriver.BatchRemoveResult, error) {
	return storagedriver.BatchRemoveResult{}, errReadOnly
}

func (d *Driver) Search(ctx storagedriver.OpContext, query string, opts storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	entries, err := d.List(ctx, opts.SearchPath)
	if err != nil {
		return nil, err
	}
	var matches []storagedriver.FileEntry
	lowerQuery := strings.ToLower(query)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), lowerQuery) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

func (d *Driver) Multipart() storagedriver.MultipartDriver { return nil }
