package localfs

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/storagedriver"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	root := t.TempDir()
	d, err := FromParameters(map[string]interface{}{"rootdirectory": root})
	require.NoError(t, err)
	return d
}

func testCtx() storagedriver.OpContext {
	return storagedriver.OpContext{Context: context.Background()}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	_, err := d.Upload(ctx, "/a/b/c.txt", strings.NewReader("hello world"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	desc, err := d.Download(ctx, "/a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len("hello world")), desc.Size)

	rc, err := desc.Open(context.Background(), nil)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestDownloadRange(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	_, err := d.Upload(ctx, "/file.txt", strings.NewReader("0123456789"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	desc, err := d.Download(ctx, "/file.txt")
	require.NoError(t, err)

	rc, err := desc.Open(context.Background(), &storagedriver.ByteRange{Start: 2, End: 4})
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "234", string(data))
}

func TestStatAndExists(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	exists, err := d.Exists(ctx, "/missing.txt")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = d.Upload(ctx, "/present.txt", strings.NewReader("x"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	exists, err = d.Exists(ctx, "/present.txt")
	require.NoError(t, err)
	require.True(t, exists)

	entry, err := d.Stat(ctx, "/present.txt")
	require.NoError(t, err)
	require.False(t, entry.IsDirectory)
	require.Equal(t, int64(1), entry.Size)
}

func TestMkdirAndList(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	_, err := d.Mkdir(ctx, "/docs")
	require.NoError(t, err)

	result, err := d.Mkdir(ctx, "/docs")
	require.NoError(t, err)
	require.True(t, result.AlreadyExists)

	_, err = d.Upload(ctx, "/docs/readme.txt", strings.NewReader("content"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	entries, err := d.List(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "readme.txt", entries[0].Name)
}

func TestRemoveNotFound(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	err := d.Remove(ctx, "/nope.txt")
	require.ErrorAs(t, err, &storagedriver.PathNotFoundError{})
}

func TestRenameAndCopy(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	_, err := d.Upload(ctx, "/src.txt", strings.NewReader("payload"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	err = d.Rename(ctx, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	exists, _ := d.Exists(ctx, "/src.txt")
	require.False(t, exists)
	exists, _ = d.Exists(ctx, "/dst.txt")
	require.True(t, exists)

	result, err := d.Copy(ctx, "/dst.txt", "/dst-copy.txt", storagedriver.CopyOptions{})
	require.NoError(t, err)
	require.Equal(t, storagedriver.CopySuccess, result.Status)
	exists, _ = d.Exists(ctx, "/dst-copy.txt")
	require.True(t, exists)
}

func TestSearch(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()

	_, err := d.Upload(ctx, "/reports/jan-report.txt", strings.NewReader("x"), storagedriver.UploadOptions{})
	require.NoError(t, err)
	_, err = d.Upload(ctx, "/reports/feb-summary.txt", strings.NewReader("x"), storagedriver.UploadOptions{})
	require.NoError(t, err)

	results, err := d.Search(ctx, "report", storagedriver.SearchOptions{SearchPath: "/"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "reports", results[0].Name)
	require.Equal(t, "jan-report.txt", results[1].Name)
}

func TestMultipartAssembly(t *testing.T) {
	d := newTestDriver(t)
	ctx := testCtx()
	mp := d.Multipart()
	require.NotNil(t, mp)

	partSize := mp.Align(4)
	uploadID, _, _, err := mp.OpenSession(ctx, "/big.bin", 8, partSize)
	require.NoError(t, err)

	view := storagedriver.MultipartSessionView{
		UploadID:         uploadID,
		SubPath:          "/big.bin",
		FileSize:         8,
		PartSize:         partSize,
		ProviderUploadID: uploadID,
	}

	res1, err := mp.ProxyChunk(ctx, view, storagedriver.ChunkRequest{
		ContentRangeStart: 0, ContentRangeEnd: partSize - 1, TotalSize: 8,
		Body: strings.NewReader(strings.Repeat("a", int(partSize))), BodyLength: partSize,
	})
	require.NoError(t, err)
	require.False(t, res1.Done)

	remaining := 8 - partSize
	res2, err := mp.ProxyChunk(ctx, view, storagedriver.ChunkRequest{
		ContentRangeStart: partSize, ContentRangeEnd: 7, TotalSize: 8,
		Body: strings.NewReader(strings.Repeat("b", int(remaining))), BodyLength: remaining,
	})
	require.NoError(t, err)
	require.True(t, res2.Done)

	size, _, err := mp.Complete(ctx, view, nil)
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	desc, err := d.Download(ctx, "/big.bin")
	require.NoError(t, err)
	rc, err := desc.Open(context.Background(), nil)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("a", int(partSize))+strings.Repeat("b", int(remaining)), string(data))

	_, err = os.Stat(d.sessionDir(uploadID))
	require.True(t, os.IsNotExist(err))
}
