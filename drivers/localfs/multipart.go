package localfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cloudgateway/gateway/storagedriver"
)

// multipart assembles client chunks on local disk, since the filesystem has
// no provider-side resumable session to proxy to: each part lands in its own
// file under the session's staging directory and Complete concatenates them
// into the final path (spec §4.5 applied to a backend with no native
// multipart endpoint of its own).
type multipart struct{ d *Driver }

func (m *multipart) Align(requestedPartSize int64) int64 {
	const defaultPart = 16 * 1024 * 1024
	if requestedPartSize <= 0 {
		return defaultPart
	}
	return requestedPartSize
}

func (m *multipart) OpenSession(ctx storagedriver.OpContext, subPath string, fileSize int64, partSize int64) (string, string, map[string]string, error) {
	uploadID := uuid.NewString()
	dir := m.d.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", "", nil, err
	}
	return uploadID, "", map[string]string{"subPath": subPath}, nil
}

func (m *multipart) ProxyChunk(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, chunk storagedriver.ChunkRequest) (storagedriver.ChunkResult, error) {
	dir := m.d.sessionDir(session.ProviderUploadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return storagedriver.ChunkResult{NotFound: true}, nil
		}
		return storagedriver.ChunkResult{}, err
	}

	partNumber := int(chunk.ContentRangeStart/session.PartSize) + 1
	f, err := os.OpenFile(partFileName(dir, partNumber), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	defer f.Close()

	n, err := io.Copy(f, chunk.Body)
	if err != nil {
		return storagedriver.ChunkResult{}, err
	}
	if n != chunk.BodyLength {
		return storagedriver.ChunkResult{}, fmt.Errorf("localfs: chunk short write: wrote %d of %d bytes", n, chunk.BodyLength)
	}

	uploaded := chunk.ContentRangeEnd + 1
	done := uploaded >= chunk.TotalSize
	result := storagedriver.ChunkResult{BytesUploaded: uploaded}
	if done {
		result.Done = true
	} else {
		result.NextExpectedRange = fmt.Sprintf("%d-", uploaded)
	}
	return result, nil
}

// ProbeStatus sums the bytes actually landed on disk across part files,
// since there is no provider session to ask.
func (m *multipart) ProbeStatus(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) (storagedriver.ChunkResult, error) {
	dir := m.d.sessionDir(session.ProviderUploadID)
	parts, err := sortedPartFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return storagedriver.ChunkResult{NotFound: true}, nil
		}
		return storagedriver.ChunkResult{}, err
	}

	var total int64
	for _, p := range parts {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	done := total >= session.FileSize && session.FileSize > 0
	result := storagedriver.ChunkResult{BytesUploaded: total, Done: done}
	if !done {
		result.NextExpectedRange = fmt.Sprintf("%d-", total)
	}
	return result, nil
}

func (m *multipart) Complete(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, parts []storagedriver.CompletedPart) (int64, string, error) {
	dir := m.d.sessionDir(session.ProviderUploadID)
	partFiles, err := sortedPartFiles(dir)
	if err != nil {
		return 0, "", err
	}

	full := m.d.fullPath(session.SubPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
		return 0, "", err
	}
	tempPath := full + "." + session.UploadID + ".assembling"
	out, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return 0, "", err
	}

	var total int64
	for _, pf := range partFiles {
		in, err := os.Open(pf)
		if err != nil {
			out.Close()
			os.Remove(tempPath)
			return 0, "", err
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(tempPath)
			return 0, "", err
		}
		total += n
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return 0, "", err
	}

	if err := os.Rename(tempPath, full); err != nil {
		os.Remove(tempPath)
		return 0, "", err
	}

	os.RemoveAll(dir)
	return total, "", nil
}

func (m *multipart) Abort(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) error {
	return os.RemoveAll(m.d.sessionDir(session.ProviderUploadID))
}
