// Package localfs implements the storagedriver.Driver contract against the
// gateway's own local disk, grounded on
// registry/storage/driver/filesystem/driver.go: writes go to a
// temp-then-rename path so a crash mid-upload never leaves a partial file
// visible at its final name. Multipart chunks are stored as part files in a
// per-session directory under rootDirectory/.uploads, and Complete
// concatenates them into a temp file beside the target before renaming it.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

const driverName = "localfs"

const uploadsDir = ".uploads"

func init() {
	factory.Register(driverName, func(params map[string]interface{}) (storagedriver.Driver, error) {
		return FromParameters(params)
	})
}

// Driver confines every operation to subpaths of rootDirectory.
type Driver struct {
	root string
}

var _ storagedriver.Driver = (*Driver)(nil)

// FromParameters builds a Driver. Required: rootdirectory.
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	root, _ := parameters["rootdirectory"].(string)
	if root == "" {
		return nil, fmt.Errorf("localfs: no rootdirectory parameter provided")
	}
	if err := os.MkdirAll(filepath.Join(root, uploadsDir), 0o777); err != nil {
		return nil, fmt.Errorf("localfs: creating root directory: %w", err)
	}
	return &Driver{root: root}, nil
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Capabilities() storagedriver.Capabilities {
	return storagedriver.NewCapabilities(
		storagedriver.Reader,
		storagedriver.Writer,
		storagedriver.Multipart,
		storagedriver.Atomic,
		storagedriver.Search,
	)
}

func (d *Driver) fullPath(subPath string) string {
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(subPath, "/")))
}

func (d *Driver) List(ctx storagedriver.OpContext, subPath string) ([]storagedriver.FileEntry, error) {
	full := d.fullPath(subPath)
	dirents, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath}
		}
		return nil, err
	}

	entries := make([]storagedriver.FileEntry, 0, len(dirents))
	for _, de := range dirents {
		if de.Name() == uploadsDir && subPath == "/" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, storagedriver.FileEntry{
			FSPath:      filepath.ToSlash(filepath.Join(subPath, de.Name())),
			Name:        de.Name(),
			IsDirectory: de.IsDir(),
			Size:        info.Size(),
			Modified:    info.ModTime(),
			Mimetype:    mimetypeFor(de.IsDir()),
		})
	}
	return entries, nil
}

func mimetypeFor(isDir bool) string {
	if isDir {
		return storagedriver.DirectoryMimeType
	}
	return ""
}

func (d *Driver) Stat(ctx storagedriver.OpContext, subPath string) (storagedriver.FileEntry, error) {
	full := d.fullPath(subPath)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return storagedriver.FileEntry{}, storagedriver.PathNotFoundError{Path: subPath}
		}
		return storagedriver.FileEntry{}, err
	}
	return storagedriver.FileEntry{
		FSPath:      subPath,
		Name:        filepath.Base(subPath),
		IsDirectory: info.IsDir(),
		Size:        info.Size(),
		Modified:    info.ModTime(),
		Mimetype:    mimetypeFor(info.IsDir()),
	}, nil
}

func (d *Driver) Exists(ctx storagedriver.OpContext, subPath string) (bool, error) {
	_, err := os.Stat(d.fullPath(subPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
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
	full := d.fullPath(subPath)

	return &storagedriver.StreamDescriptor{
		Size:          fi.Size,
		LastModified:  fi.Modified,
		SupportsRange: true,
		Open: func(ctx2 context.Context, rng *storagedriver.ByteRange) (io.ReadCloser, error) {
			f, err := os.Open(full)
			if err != nil {
				return nil, err
			}
			if rng != nil {
				if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
					f.Close()
					return nil, err
				}
				return &limitedFile{f: f, remaining: rng.Len(fi.Size)}, nil
			}
			return f, nil
		},
	}, nil
}

type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

func (d *Driver) Upload(ctx storagedriver.OpContext, subPath string, body io.Reader, opts storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	full := d.fullPath(subPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
		return storagedriver.UploadResult{}, err
	}

	tempPath := full + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return storagedriver.UploadResult{}, err
	}

	n, err := io.Copy(f, body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tempPath)
		return storagedriver.UploadResult{}, err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return storagedriver.UploadResult{}, closeErr
	}

	if err := os.Rename(tempPath, full); err != nil {
		os.Remove(tempPath)
		return storagedriver.UploadResult{}, err
	}

	return storagedriver.UploadResult{StoragePath: subPath, Size: n}, nil
}

func (d *Driver) Mkdir(ctx storagedriver.OpContext, subPath string) (storagedriver.MkdirResult, error) {
	full := d.fullPath(subPath)
	if info, err := os.Stat(full); err == nil {
		if !info.IsDir() {
			return storagedriver.MkdirResult{}, storagedriver.NotADirectoryError{Path: subPath}
		}
		return storagedriver.MkdirResult{AlreadyExists: true}, nil
	}
	if err := os.MkdirAll(full, 0o777); err != nil {
		return storagedriver.MkdirResult{}, err
	}
	return storagedriver.MkdirResult{}, nil
}

func (d *Driver) Remove(ctx storagedriver.OpContext, subPath string) error {
	full := d.fullPath(subPath)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: subPath}
		}
		return err
	}
	return os.RemoveAll(full)
}

func (d *Driver) Rename(ctx storagedriver.OpContext, oldPath, newPath string) error {
	newFull := d.fullPath(newPath)
	if err := os.MkdirAll(filepath.Dir(newFull), 0o777); err != nil {
		return err
	}
	if err := os.Rename(d.fullPath(oldPath), newFull); err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: oldPath}
		}
		return err
	}
	return nil
}

func (d *Driver) Copy(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if opts.SkipExisting {
		if exists, _ := d.Exists(ctx, dstPath); exists {
			return storagedriver.CopyResult{Status: storagedriver.CopySkipped, Reason: "destination already exists"}, nil
		}
	}

	fi, err := d.Stat(ctx, srcPath)
	if err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}

	if fi.IsDirectory {
		if err := d.copyDir(ctx, srcPath, dstPath, opts); err != nil {
			return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
		}
		return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
	}

	if err := d.copyFile(srcPath, dstPath, opts.Progress); err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
}

func (d *Driver) copyFile(srcPath, dstPath string, progress func(int64)) error {
	src, err := os.Open(d.fullPath(srcPath))
	if err != nil {
		return err
	}
	defer src.Close()

	dstFull := d.fullPath(dstPath)
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o777); err != nil {
		return err
	}
	dst, err := os.OpenFile(dstFull, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer dst.Close()

	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func (d *Driver) copyDir(ctx storagedriver.OpContext, srcPath, dstPath string, opts storagedriver.CopyOptions) error {
	if _, err := d.Mkdir(ctx, dstPath); err != nil {
		return err
	}
	children, err := d.List(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, c := range children {
		childDst := filepath.ToSlash(filepath.Join(dstPath, c.Name))
		if _, err := d.Copy(ctx, c.FSPath, childDst, opts); err != nil {
			return err
		}
	}
	return nil
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

// GenerateDownloadURL/GenerateProxyURL are unsupported: local disk has no
// signable or addressable URL of its own, only the gateway's proxy route,
// which the driver does not declare since serving it doesn't require a
// provider round trip (the facade streams straight from Download).
func (d *Driver) GenerateDownloadURL(ctx storagedriver.OpContext, subPath string, expiresIn int) (string, int, error) {
	return "", 0, storagedriver.InvalidArgumentError{Reason: "localfs driver does not support direct links"}
}

func (d *Driver) GenerateProxyURL(ctx storagedriver.OpContext, subPath string) (string, error) {
	return "", storagedriver.InvalidArgumentError{Reason: "localfs driver does not support proxy URLs"}
}

func (d *Driver) Multipart() storagedriver.MultipartDriver { return &multipart{d: d} }

func (d *Driver) sessionDir(uploadID string) string {
	return filepath.Join(d.root, uploadsDir, uploadID)
}

func partFileName(dir string, partNumber int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%08d", partNumber))
}

func sortedPartFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), "part-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}
