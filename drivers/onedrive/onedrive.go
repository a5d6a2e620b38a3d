// Package onedrive implements the storagedriver.Driver contract against
// Microsoft Graph's OneDrive API, grounded on the upload-session lifecycle
// modeled by jstaf/onedriver's DriveItem (graph/drive_item.go): unlike
// Drive, OneDrive addresses items directly by "/drive/root:/a/b/c" path
// segments, so no client-side path-to-ID cache is required for Stat/List —
// only the upload-session's provider-reported nextExpectedRanges needs
// local bookkeeping (spec §4.4 "OneDrive driver").
package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cloudgateway/gateway/oauthmgr"
	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

const driverName = "onedrive"

const graphBase = "https://graph.microsoft.com/v1.0/me/drive"

var oauthEndpointMicrosoft = oauth2.Endpoint{
	AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
}

func init() {
	factory.Register(driverName, func(params map[string]interface{}) (storagedriver.Driver, error) {
		return FromParameters(params)
	})
}

// Driver addresses items directly via Graph's path-based item addressing
// ("/drive/root:/a/b/c:"), so no folder ID cache is needed.
type Driver struct {
	oauth  *oauthmgr.Manager
	client *http.Client
}

var _ storagedriver.Driver = (*Driver)(nil)

// FromParameters builds a Driver from a refresh_token grant (spec §4.4's
// standard OAuth2 mode; OneDrive has no service-account analogue).
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	refreshToken, _ := parameters["refresh_token"].(string)
	if refreshToken == "" {
		return nil, fmt.Errorf("onedrive: no refresh_token parameter provided")
	}
	clientID, _ := parameters["client_id"].(string)
	clientSecret, _ := parameters["client_secret"].(string)

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauthEndpointMicrosoft,
		Scopes:       []string{"Files.ReadWrite.All", "offline_access"},
	}

	source := &oauthmgr.RefreshTokenSource{Config: conf, RefreshToken: refreshToken}
	mgr := oauthmgr.New(oauthmgr.ModeRefreshToken, source)

	return &Driver{
		oauth:  mgr,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Capabilities() storagedriver.Capabilities {
	return storagedriver.NewCapabilities(
		storagedriver.Reader,
		storagedriver.Writer,
		storagedriver.Multipart,
		storagedriver.DirectLink,
		storagedriver.Search,
	)
}

// itemURL builds the "/root:/path/to/item:" addressing form Graph uses for
// path-based item lookups. The empty path addresses the root itself.
func itemURL(subPath string, suffix string) string {
	clean := strings.Trim(subPath, "/")
	if clean == "" {
		return graphBase + "/root" + suffix
	}
	return graphBase + "/root:/" + encodeSegments(clean) + ":" + suffix
}

func encodeSegments(clean string) string {
	segs := strings.Split(clean, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (d *Driver) do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	token, err := d.oauth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return d.client.Do(req)
}

type driveItem struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Size                 int64      `json:"size"`
	LastModifiedDateTime time.Time  `json:"lastModifiedDateTime"`
	ETag                 string     `json:"eTag"`
	File                 *fileFacet `json:"file"`
	Folder               *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
}

type fileFacet struct {
	MimeType string `json:"mimeType"`
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
	case http.StatusUnauthorized, http.StatusForbidden:
		return &storagedriver.Error{Provider: "ONEDRIVE.AUTH", StatusCode: resp.StatusCode}
	}
	return &storagedriver.Error{Provider: "ONEDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
}

func (d *Driver) getItem(ctx context.Context, subPath string) (*driveItem, error) {
	resp, err := d.do(ctx, http.MethodGet, itemURL(subPath, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return nil, err
	}
	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("onedrive: decode item: %w", err)
	}
	return &item, nil
}

func toEntry(parentPath string, item *driveItem) storagedriver.FileEntry {
	isDir := item.Folder != nil
	mt := ""
	if item.File != nil {
		mt = item.File.MimeType
	}
	if isDir {
		mt = storagedriver.DirectoryMimeType
	}
	return storagedriver.FileEntry{
		FSPath:      path.Join(parentPath, item.Name),
		Name:        item.Name,
		IsDirectory: isDir,
		Size:        item.Size,
		Modified:    item.LastModifiedDateTime,
		Mimetype:    mt,
		ETag:        strings.Trim(item.ETag, `"`),
	}
}

func (d *Driver) List(ctx storagedriver.OpContext, subPath string) ([]storagedriver.FileEntry, error) {
	resp, err := d.do(ctx.Context, http.MethodGet, itemURL(subPath, ":/children"), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return nil, err
	}
	var page struct {
		Value    []driveItem `json:"value"`
		NextLink string      `json:"@odata.nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("onedrive: decode children: %w", err)
	}

	entries := make([]storagedriver.FileEntry, 0, len(page.Value))
	for i := range page.Value {
		entries = append(entries, toEntry(subPath, &page.Value[i]))
	}

	for page.NextLink != "" {
		resp, err := d.do(ctx.Context, http.MethodGet, page.NextLink, nil, nil)
		if err != nil {
			return nil, err
		}
		var next struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&next)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		for i := range next.Value {
			entries = append(entries, toEntry(subPath, &next.Value[i]))
		}
		page.NextLink = next.NextLink
	}

	return entries, nil
}

func (d *Driver) Stat(ctx storagedriver.OpContext, subPath string) (storagedriver.FileEntry, error) {
	if strings.Trim(subPath, "/") == "" {
		return storagedriver.FileEntry{FSPath: "/", Name: "/", IsDirectory: true, Mimetype: storagedriver.DirectoryMimeType}, nil
	}
	item, err := d.getItem(ctx.Context, subPath)
	if err != nil {
		return storagedriver.FileEntry{}, err
	}
	return toEntry(path.Dir(subPath), item), nil
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
			resp, err := d.do(ctx2, http.MethodGet, itemURL(subPath, ":/content"), header, nil)
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
	resp, err := d.do(ctx.Context, http.MethodPut, itemURL(subPath, ":/content"), http.Header{"Content-Type": []string{opts.ContentType}}, body)
	if err != nil {
		return storagedriver.UploadResult{}, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return storagedriver.UploadResult{}, err
	}
	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return storagedriver.UploadResult{}, err
	}
	return storagedriver.UploadResult{StoragePath: subPath, ETag: strings.Trim(item.ETag, `"`), Size: item.Size}, nil
}

func (d *Driver) Mkdir(ctx storagedriver.OpContext, subPath string) (storagedriver.MkdirResult, error) {
	if exists, _ := d.Exists(ctx, subPath); exists {
		return storagedriver.MkdirResult{AlreadyExists: true}, nil
	}
	parentPath := path.Dir(subPath)
	name := path.Base(subPath)

	payload, _ := json.Marshal(map[string]interface{}{
		"name":                             name,
		"folder":                           map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	resp, err := d.do(ctx.Context, http.MethodPost, itemURL(parentPath, ":/children"), http.Header{"Content-Type": []string{"application/json"}}, strings.NewReader(string(payload)))
	if err != nil {
		return storagedriver.MkdirResult{}, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		if _, ok := err.(storagedriver.ConflictError); ok {
			return storagedriver.MkdirResult{AlreadyExists: true}, nil
		}
		return storagedriver.MkdirResult{}, err
	}
	return storagedriver.MkdirResult{}, nil
}

func (d *Driver) Remove(ctx storagedriver.OpContext, subPath string) error {
	resp, err := d.do(ctx.Context, http.MethodDelete, itemURL(subPath, ""), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(subPath, resp)
}

func (d *Driver) Rename(ctx storagedriver.OpContext, oldPath, newPath string) error {
	oldParent, newParent := path.Dir(oldPath), path.Dir(newPath)
	payload := map[string]interface{}{"name": path.Base(newPath)}
	if oldParent != newParent {
		parentItem, err := d.getItem(ctx.Context, newParent)
		if err != nil {
			return err
		}
		payload["parentReference"] = map[string]interface{}{"id": parentItem.ID}
	}
	body, _ := json.Marshal(payload)
	resp, err := d.do(ctx.Context, "PATCH", itemURL(oldPath, ""), http.Header{"Content-Type": []string{"application/json"}}, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusErr(oldPath, resp)
}

func (d *Driver) Copy(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if opts.SkipExisting {
		if exists, _ := d.Exists(ctx, dstPath); exists {
			return storagedriver.CopyResult{Status: storagedriver.CopySkipped, Reason: "destination already exists"}, nil
		}
	}

	parentItem, err := d.getItem(ctx.Context, path.Dir(dstPath))
	if err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"parentReference": map[string]interface{}{"id": parentItem.ID},
		"name":            path.Base(dstPath),
	})
	resp, err := d.do(ctx.Context, http.MethodPost, itemURL(srcPath, ":/copy"), http.Header{"Content-Type": []string{"application/json"}}, strings.NewReader(string(payload)))
	if err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}
	defer resp.Body.Close()
	// Graph's copy is asynchronous (202 Accepted + monitor URL); the
	// gateway treats acceptance as success and lets a subsequent Stat
	// naturally observe completion, matching spec §4.3's best-effort
	// cross-driver copy semantics.
	if resp.StatusCode != http.StatusAccepted {
		if err := statusErr(srcPath, resp); err != nil {
			return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
		}
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
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

func (d *Driver) Search(ctx storagedriver.OpContext, query string, opts storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	max := opts.MaxResults
	if max <= 0 {
		max = 100
	}
	searchURL := fmt.Sprintf("%s/root/search(q='%s')", graphBase, url.QueryEscape(query))
	resp, err := d.do(ctx.Context, http.MethodGet, searchURL, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusErr(opts.SearchPath, resp); err != nil {
		return nil, err
	}
	var page struct {
		Value []driveItem `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}
	n := len(page.Value)
	if n > max {
		n = max
	}
	entries := make([]storagedriver.FileEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, toEntry(opts.SearchPath, &page.Value[i]))
	}
	return entries, nil
}

// GenerateDownloadURL resolves Graph's @microsoft.graph.downloadUrl, a
// pre-authenticated, time-limited CDN link (spec §4.6 tier 2).
func (d *Driver) GenerateDownloadURL(ctx storagedriver.OpContext, subPath string, expiresIn int) (string, int, error) {
	resp, err := d.do(ctx.Context, http.MethodGet, itemURL(subPath, "")+"?select=@microsoft.graph.downloadUrl", nil, nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return "", 0, err
	}
	var body struct {
		DownloadURL string `json:"@microsoft.graph.downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, err
	}
	// Graph's download URL is valid for a fixed ~1 hour; we report the
	// lesser of that and the caller's requested TTL since we cannot
	// control the provider's expiry.
	actual := expiresIn
	if actual > 3600 {
		actual = 3600
	}
	return body.DownloadURL, actual, nil
}

func (d *Driver) GenerateProxyURL(ctx storagedriver.OpContext, subPath string) (string, error) {
	return "", storagedriver.InvalidArgumentError{Reason: "onedrive driver does not support proxy URLs"}
}

func (d *Driver) Multipart() storagedriver.MultipartDriver { return &multipart{d: d} }
