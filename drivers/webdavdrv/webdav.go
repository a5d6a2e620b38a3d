// Package webdavdrv implements the storagedriver.Driver contract against a
// remote RFC-4918 WebDAV server, grounded on go-drive's webdav client
// (drive/drive_webdav.go): PROPFIND for list/stat, PUT/GET for content,
// MKCOL/DELETE/COPY/MOVE for mutation, all issued over a plain net/http
// client since the example pack carries no third-party WebDAV client
// library (only golang.org/x/net/webdav, which is server-side only).
package webdavdrv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

const driverName = "webdav"

func init() {
	factory.Register(driverName, func(params map[string]interface{}) (storagedriver.Driver, error) {
		return FromParameters(params)
	})
}

// Driver speaks WebDAV to a single remote collection root.
type Driver struct {
	baseURL  *url.URL
	username string
	password string
	client   *http.Client
}

var _ storagedriver.Driver = (*Driver)(nil)

// FromParameters builds a Driver. Required: url. Optional: username,
// password (HTTP Basic).
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	raw, _ := parameters["url"].(string)
	if raw == "" {
		return nil, fmt.Errorf("webdav: no url parameter provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("webdav: invalid url: %w", err)
	}
	username, _ := parameters["username"].(string)
	password, _ := parameters["password"].(string)

	return &Driver{
		baseURL:  u,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Capabilities() storagedriver.Capabilities {
	return storagedriver.NewCapabilities(storagedriver.Reader, storagedriver.Writer, storagedriver.Proxy)
}

func (d *Driver) resolve(subPath string) string {
	u := *d.baseURL
	u.Path = path.Join(d.baseURL.Path, subPath)
	return u.String()
}

func (d *Driver) do(ctx context.Context, method, subPath string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.resolve(subPath), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}
	return d.client.Do(req)
}

func statusErr(subPath string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return storagedriver.PathNotFoundError{Path: subPath}
	case http.StatusConflict:
		return storagedriver.ConflictError{Path: subPath, Reason: "conflict"}
	case http.StatusPreconditionFailed:
		return storagedriver.ConflictError{Path: subPath, Reason: "precondition failed"}
	}
	return &storagedriver.Error{Provider: "WEBDAV", StatusCode: resp.StatusCode, Body: resp.Status}
}

type multiStatus struct {
	Responses []propfindResponse `xml:"response"`
}

type propfindResponse struct {
	Href           string    `xml:"href"`
	LastModified   string    `xml:"propstat>prop>getlastmodified"`
	Size           int64     `xml:"propstat>prop>getcontentlength"`
	ETag           string    `xml:"propstat>prop>getetag"`
	ContentType    string    `xml:"propstat>prop>getcontenttype"`
	CollectionMark *xml.Name `xml:"propstat>prop>resourcetype>collection"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`

func (d *Driver) propfind(ctx context.Context, subPath string, depth string) (multiStatus, error) {
	header := http.Header{"Depth": []string{depth}, "Content-Type": []string{"application/xml"}}
	resp, err := d.do(ctx, "PROPFIND", subPath, header, strings.NewReader(propfindBody))
	if err != nil {
		return multiStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return multiStatus{}, statusErr(subPath, resp)
	}
	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return multiStatus{}, fmt.Errorf("webdav: decode multistatus: %w", err)
	}
	return ms, nil
}

func (d *Driver) entryFromResponse(r propfindResponse) storagedriver.FileEntry {
	href, _ := url.PathUnescape(r.Href)
	rel := strings.TrimPrefix(href, d.baseURL.Path)
	rel = "/" + strings.Trim(rel, "/")
	modTime, _ := time.Parse(time.RFC1123, r.LastModified)
	isDir := r.CollectionMark != nil

	mt := r.ContentType
	if isDir {
		mt = storagedriver.DirectoryMimeType
	}

	return storagedriver.FileEntry{
		FSPath:      rel,
		Name:        path.Base(rel),
		IsDirectory: isDir,
		Size:        r.Size,
		Modified:    modTime,
		Mimetype:    mt,
		ETag:        strings.Trim(r.ETag, `"`),
	}
}

func (d *Driver) List(ctx storagedriver.OpContext, subPath string) ([]storagedriver.FileEntry, error) {
	ms, err := d.propfind(ctx.Context, subPath, "1")
	if err != nil {
		return nil, err
	}
	selfPath := strings.TrimSuffix(path.Join(d.baseURL.Path, subPath), "/")
	var entries []storagedriver.FileEntry
	for _, r := range ms.Responses {
		href, _ := url.PathUnescape(r.Href)
		if strings.TrimSuffix(href, "/") == selfPath {
			continue // the self-entry returned alongside children at Depth:1
		}
		entries = append(entries, d.entryFromResponse(r))
	}
	return entries, nil
}

func (d *Driver) Stat(ctx storagedriver.OpContext, subPath string) (storagedriver.FileEntry, error) {
	ms, err := d.propfind(ctx.Context, subPath, "0")
	if err != nil {
		return storagedriver.FileEntry{}, err
	}
	if len(ms.Responses) == 0 {
		return storagedriver.FileEntry{}, storagedriver.PathNotFoundError{Path: subPath}
	}
	return d.entryFromResponse(ms.Responses[0]), nil
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

func (d *Driver) Download(ctx storagedriver.OpContext, subPath string) (*storagedriver.StreamDescriptor, error) {
	fi, err := d.Stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if fi.IsDirectory {
		return nil, storagedriver.IsADirectoryError{Path: subPath}
	}

	return &storagedriver.StreamDescriptor{
		Size:          fi.Size,
		ContentType:   fi.Mimetype,
		ETag:          fi.ETag,
		LastModified:  fi.Modified,
		SupportsRange: true,
		Open: func(ctx2 context.Context, rng *storagedriver.ByteRange) (io.ReadCloser, error) {
			header := http.Header{}
			if rng != nil {
				if rng.End < 0 {
					header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Start))
				} else {
					header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
				}
			}
			resp, err := d.do(ctx2, http.MethodGet, subPath, header, nil)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 300 {
				resp.Body.Close()
				return nil, statusErr(subPath, resp)
			}
			return resp.Body, nil
		},
	}, nil
}

func (d *Driver) Upload(ctx storagedriver.OpContext, subPath string, body io.Reader, opts storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	header := http.Header{}
	if opts.ContentType != "" {
		header.Set("Content-Type", opts.ContentType)
	}
	header.Set("Content-Length", strconv.FormatInt(opts.ContentLength, 10))

	resp, err := d.do(ctx.Context, http.MethodPut, subPath, header, body)
	if err != nil {
		return storagedriver.UploadResult{}, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return storagedriver.UploadResult{}, err
	}

	return storagedriver.UploadResult{
		StoragePath: subPath,
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
		Size:        opts.ContentLength,
	}, nil
}

func (d *Driver) Mkdir(ctx storagedriver.OpContext, subPath string) (storagedriver.MkdirResult, error) {
	resp, err := d.do(ctx.Context, "MKCOL", subPath, nil, nil)
	if err != nil {
		return storagedriver.MkdirResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return storagedriver.MkdirResult{AlreadyExists: true}, nil
	}
	if err := statusErr(subPath, resp); err != nil {
		return storagedriver.MkdirResult{}, err
	}
	return storagedriver.MkdirResult{}, nil
}

func (d *Driver) Remove(ctx storagedriver.OpContext, subPath string) error {
	resp, err := d.do(ctx.Context, http.MethodDelete, subPath, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(subPath, resp)
}

func (d *Driver) Rename(ctx storagedriver.OpContext, oldPath, newPath string) error {
	return d.copyOrMove(ctx, "MOVE", oldPath, newPath)
}

func (d *Driver) Copy(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if opts.SkipExisting {
		if exists, _ := d.Exists(ctx, dstPath); exists {
			return storagedriver.CopyResult{Status: storagedriver.CopySkipped, Reason: "destination already exists"}, nil
		}
	}
	if err := d.copyOrMove(ctx, "COPY", srcPath, dstPath); err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
}

func (d *Driver) copyOrMove(ctx storagedriver.OpContext, method, srcPath, dstPath string) error {
	header := http.Header{
		"Destination": []string{d.resolve(dstPath)},
		"Overwrite":   []string{"T"},
	}
	resp, err := d.do(ctx.Context, method, srcPath, header, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(srcPath, resp)
}

func (d *Driver) BatchRemove(ctx storagedriver.OpContext, paths []string) (storagedriver.BatchRemoveResult, error) {
	var result storagedriver.BatchRemoveResult
	for _, p := range paths {
		if err := d.Remove(ctx, p); err != nil {
			result.Failed = append(result.Failed, storagedriver.BatchItemError{Path: p, Error: err.Error()})
		} else {
			result.Success = append(result.Success, p)
		}
	}
	return result, nil
}

// Search has no native WebDAV equivalent across servers (SEARCH per RFC
//5323 is rarely implemented), so it degrades to a recursive PROPFIND walk.
func (d *Driver) Search(ctx storagedriver.OpContext, query string, opts storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	max := opts.MaxResults
	if max <= 0 {
		max = 1000
	}
	lowerQuery := strings.ToLower(query)
	var matches []storagedriver.FileEntry
	var walk func(p string) error
	walk = func(p string) error {
		entries, err := d.List(ctx, p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Name), lowerQuery) {
				matches = append(matches, e)
				if len(matches) >= max {
					return nil
				}
			}
			if e.IsDirectory {
				if err := walk(e.FSPath); err != nil {
					return err
				}
			}
			if len(matches) >= max {
				return nil
			}
		}
		return nil
	}
	if err := walk(opts.SearchPath); err != nil {
		return nil, err
	}
	return matches, nil
}

// GenerateDownloadURL is unsupported: remote WebDAV servers generally have
// no signed-URL mechanism, so the driver only declares Proxy.
func (d *Driver) GenerateDownloadURL(ctx storagedriver.OpContext, subPath string, expiresIn int) (string, int, error) {
	return "", 0, storagedriver.InvalidArgumentError{Reason: "webdav driver does not support direct links"}
}

// GenerateProxyURL returns the upstream URL with embedded Basic auth so the
// gateway's proxy path can fetch it without re-deriving credentials; the
// facade never exposes this URL to clients directly (spec §4.6 tier 1).
func (d *Driver) GenerateProxyURL(ctx storagedriver.OpContext, subPath string) (string, error) {
	u := *d.baseURL
	u.Path = path.Join(d.baseURL.Path, subPath)
	if d.username != "" {
		u.User = url.UserPassword(d.username, d.password)
	}
	return u.String(), nil
}

func (d *Driver) Multipart() storagedriver.MultipartDriver { return nil }
