package onedrive

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudgateway/gateway/storagedriver"
)

// multipart drives Graph's createUploadSession lifecycle: each PUT chunk
// reports either a nextExpectedRanges array (still incomplete) or the
// finished driveItem (spec §4.5's "per-part nextExpectedRanges resumable
// semantics").
type multipart struct{ d *Driver }

// Align rounds to Graph's documented 320 KiB multiple requirement for all
// but the final chunk.
func (m *multipart) Align(requestedPartSize int64) int64 {
	const unit = 320 * 1024
	if requestedPartSize <= 0 {
		return 10 * unit
	}
	return ((requestedPartSize + unit - 1) / unit) * unit
}

func (m *multipart) OpenSession(ctx storagedriver.OpContext, subPath string, fileSize int64, partSize int64) (string, string, map[string]string, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"item": map[string]interface{}{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	})
	resp, err := m.d.do(ctx.Context, http.MethodPost, itemURL(subPath, ":/createUploadSession"),
		http.Header{"Content-Type": []string{"application/json"}}, strings.NewReader(string(payload)))
	if err != nil {
		return "", "", nil, err
	}
	defer resp.Body.Close()
	if err := statusErr(subPath, resp); err != nil {
		return "", "", nil, err
	}
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", nil, fmt.Errorf("onedrive: decode upload session: %w", err)
	}
	return session.UploadURL, session.UploadURL, nil, nil
}

func (m *multipart) ProxyChunk(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, chunk storagedriver.ChunkRequest) (storagedriver.ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPut, session.ProviderUploadURL, chunk.Body)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	req.ContentLength = chunk.BodyLength
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.ContentRangeStart, chunk.ContentRangeEnd, chunk.TotalSize))
	req.Header.Set("Content-Length", strconv.FormatInt(chunk.BodyLength, 10))

	resp, err := m.d.client.Do(req)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var item driveItem
		_ = json.NewDecoder(resp.Body).Decode(&item)
		return storagedriver.ChunkResult{Done: true, BytesUploaded: chunk.TotalSize, ETag: strings.Trim(item.ETag, `"`)}, nil
	case http.StatusAccepted:
		var body struct {
			NextExpectedRanges []string `json:"nextExpectedRanges"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		nextRange := fmt.Sprintf("%d-", chunk.ContentRangeEnd+1)
		uploaded := chunk.ContentRangeEnd + 1
		if len(body.NextExpectedRanges) > 0 {
			nextRange = body.NextExpectedRanges[0]
			if idx := strings.Index(nextRange, "-"); idx >= 0 {
				if n, perr := strconv.ParseInt(nextRange[:idx], 10, 64); perr == nil {
					uploaded = n
				}
			}
		}
		return storagedriver.ChunkResult{BytesUploaded: uploaded, NextExpectedRange: nextRange}, nil
	case http.StatusNotFound, http.StatusGone:
		return storagedriver.ChunkResult{NotFound: true}, nil
	default:
		return storagedriver.ChunkResult{}, &storagedriver.Error{Provider: "ONEDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
	}
}

// ProbeStatus issues a GET against the upload session URL, which Graph
// documents as returning the current nextExpectedRanges without consuming
// any bytes (spec §4.5 "Refresh").
func (m *multipart) ProbeStatus(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) (storagedriver.ChunkResult, error) {
	resp, err := m.d.do(ctx.Context, http.MethodGet, session.ProviderUploadURL, nil, nil)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return storagedriver.ChunkResult{NotFound: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return storagedriver.ChunkResult{}, &storagedriver.Error{Provider: "ONEDRIVE", StatusCode: resp.StatusCode, Body: resp.Status}
	}

	var body struct {
		NextExpectedRanges []string `json:"nextExpectedRanges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return storagedriver.ChunkResult{}, err
	}
	if len(body.NextExpectedRanges) == 0 {
		return storagedriver.ChunkResult{Done: true, BytesUploaded: session.FileSize}, nil
	}
	first := body.NextExpectedRanges[0]
	var uploaded int64
	if idx := strings.Index(first, "-"); idx >= 0 {
		uploaded, _ = strconv.ParseInt(first[:idx], 10, 64)
	}
	return storagedriver.ChunkResult{BytesUploaded: uploaded, NextExpectedRange: first}, nil
}

func (m *multipart) Complete(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, parts []storagedriver.CompletedPart) (int64, string, error) {
	return session.FileSize, "", nil
}

func (m *multipart) Abort(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) error {
	resp, err := m.d.do(ctx.Context, http.MethodDelete, session.ProviderUploadURL, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
