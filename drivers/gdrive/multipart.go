package gdrive

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/cloudgateway/gateway/storagedriver"
)

// driveUploadEndpoint is Drive's resumable-upload initiation URL (spec
// §4.5: each provider's resumable session is opened once and then proxied
// chunk by chunk).
const driveUploadEndpoint = "https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable"

// multipart proxies client chunks directly to Drive's resumable upload
// session, mirroring the provider's own Content-Range/"308 continue"/Range
// convention rather than buffering through the google-api-go-client Media()
// helper (which cannot resume a session across separate HTTP requests).
type multipart struct{ d *Driver }

func (m *multipart) Align(requestedPartSize int64) int64 {
	const alignment = 256 * 1024
	if requestedPartSize <= 0 {
		return 8 * alignment
	}
	return ((requestedPartSize + alignment - 1) / alignment) * alignment
}

func (m *multipart) OpenSession(ctx storagedriver.OpContext, subPath string, fileSize int64, partSize int64) (string, string, map[string]string, error) {
	parentPath := path.Dir(subPath)
	name := path.Base(subPath)

	parentID, isDir, err := m.d.resolve(ctx.Context, parentPath)
	if err != nil {
		return "", "", nil, err
	}
	if !isDir {
		return "", "", nil, storagedriver.NotADirectoryError{Path: parentPath}
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"name":    name,
		"parents": []string{parentID},
	})

	token, err := m.d.oauth.AccessToken(ctx.Context)
	if err != nil {
		return "", "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPost, driveUploadEndpoint, strings.NewReader(string(metadata)))
	if err != nil {
		return "", "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(fileSize, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", nil, &storagedriver.Error{Provider: "GDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
	}

	sessionURL := resp.Header.Get("Location")
	if sessionURL == "" {
		return "", "", nil, fmt.Errorf("gdrive: resumable session response missing Location header")
	}
	return sessionURL, sessionURL, map[string]string{"parentId": parentID, "name": name}, nil
}

func (m *multipart) ProxyChunk(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, chunk storagedriver.ChunkRequest) (storagedriver.ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPut, session.ProviderUploadURL, chunk.Body)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	req.ContentLength = chunk.BodyLength
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.ContentRangeStart, chunk.ContentRangeEnd, chunk.TotalSize))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var file struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&file)
		return storagedriver.ChunkResult{Done: true, BytesUploaded: chunk.TotalSize, ETag: file.ID}, nil
	case 308: // Resume Incomplete
		rng := resp.Header.Get("Range") // "bytes=0-N"
		uploaded := chunk.ContentRangeEnd + 1
		if rng != "" {
			if idx := strings.LastIndex(rng, "-"); idx >= 0 {
				if n, perr := strconv.ParseInt(rng[idx+1:], 10, 64); perr == nil {
					uploaded = n + 1
				}
			}
		}
		return storagedriver.ChunkResult{
			BytesUploaded:     uploaded,
			NextExpectedRange: fmt.Sprintf("%d-", uploaded),
		}, nil
	case http.StatusNotFound, http.StatusGone:
		return storagedriver.ChunkResult{NotFound: true}, nil
	default:
		return storagedriver.ChunkResult{}, &storagedriver.Error{Provider: "GDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
	}
}

// ProbeStatus issues the provider's documented status-probe PUT (an empty
// body with Content-Range: bytes */total) to recover the authoritative
// offset after a gateway restart (spec §4.5 "Refresh").
func (m *multipart) ProbeStatus(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) (storagedriver.ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPut, session.ProviderUploadURL, nil)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", session.FileSize))
	req.ContentLength = 0

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return storagedriver.ChunkResult{Done: true, BytesUploaded: session.FileSize}, nil
	case 308:
		rng := resp.Header.Get("Range")
		var uploaded int64
		if rng != "" {
			if idx := strings.LastIndex(rng, "-"); idx >= 0 {
				if n, perr := strconv.ParseInt(rng[idx+1:], 10, 64); perr == nil {
					uploaded = n + 1
				}
			}
		}
		return storagedriver.ChunkResult{BytesUploaded: uploaded, NextExpectedRange: fmt.Sprintf("%d-", uploaded)}, nil
	case http.StatusNotFound, http.StatusGone:
		return storagedriver.ChunkResult{NotFound: true}, nil
	default:
		return storagedriver.ChunkResult{}, &storagedriver.Error{Provider: "GDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
	}
}

// Complete is a no-op: Drive's resumable session already finalizes the file
// on the chunk whose range reaches the declared total size.
func (m *multipart) Complete(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, parts []storagedriver.CompletedPart) (int64, string, error) {
	m.d.invalidate(session.SubPath)
	return session.FileSize, "", nil
}

func (m *multipart) Abort(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) error {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodDelete, session.ProviderUploadURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
