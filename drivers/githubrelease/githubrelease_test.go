package githubrelease

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/storagedriver"
)

func TestParseRepoStructureSingleEntry(t *testing.T) {
	mappings, err := parseRepoStructure("owner/repo")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, "/", mappings[0].root)
	require.Equal(t, "owner", mappings[0].owner)
	require.Equal(t, "repo", mappings[0].repo)
}

func TestParseRepoStructureAliasAndURL(t *testing.T) {
	mappings, err := parseRepoStructure("cp:owner/CloudPaste\n# comment\n\nhttps://github.com/other/thing/releases")
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	require.Equal(t, "/cp", mappings[0].root)
	require.Equal(t, "owner", mappings[0].owner)
	require.Equal(t, "CloudPaste", mappings[0].repo)
	require.Equal(t, "/thing", mappings[1].root)
	require.Equal(t, "other", mappings[1].owner)
}

func TestParseRepoStructureDuplicateAlias(t *testing.T) {
	_, err := parseRepoStructure("a:owner/one\na:owner/two")
	require.Error(t, err)
}

func TestParseRepoStructureMultipleWithoutAlias(t *testing.T) {
	_, err := parseRepoStructure("owner/repo\nowner/other")
	require.NoError(t, err) // both derive aliases from repo name, so no collision
}

// roundTripFunc adapts a function to http.RoundTripper for stubbing the
// GitHub API without a real network call.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(t *testing.T, v interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestListLatestRelease(t *testing.T) {
	d, err := FromParameters(map[string]interface{}{
		"repo_structure": "owner/repo",
	})
	require.NoError(t, err)

	d.httpClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/repos/owner/repo/releases/latest", req.URL.Path)
		return jsonResponse(t, ghRelease{
			TagName: "v1.0.0",
			Assets: []ghAsset{
				{Name: "artifact.zip", Size: 42, BrowserDownloadURL: "https://github.com/owner/repo/releases/download/v1.0.0/artifact.zip"},
			},
		}), nil
	})

	entries, err := d.List(storagedriver.OpContext{Context: context.Background()}, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "artifact.zip", entries[0].Name)
	require.Equal(t, int64(42), entries[0].Size)
}

func TestListShowAllVersions(t *testing.T) {
	d, err := FromParameters(map[string]interface{}{
		"repo_structure":   "cp:owner/CloudPaste",
		"show_all_version": true,
	})
	require.NoError(t, err)

	d.httpClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, []ghRelease{
			{TagName: "v1.0.0", Assets: []ghAsset{{Name: "a.zip"}}},
			{TagName: "v0.9.0", Assets: []ghAsset{{Name: "b.zip"}}},
		}), nil
	})

	ctx := storagedriver.OpContext{Context: context.Background()}
	root, err := d.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	require.True(t, root[0].IsDirectory)
	require.Equal(t, "cp", root[0].Name)

	tagEntries, err := d.List(ctx, "/cp/v1.0.0")
	require.NoError(t, err)
	require.Len(t, tagEntries, 1)
	require.Equal(t, "a.zip", tagEntries[0].Name)
}

func TestDownloadRedirectsToBrowserDownloadURL(t *testing.T) {
	d, err := FromParameters(map[string]interface{}{"repo_structure": "owner/repo"})
	require.NoError(t, err)

	d.httpClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, ghRelease{
			TagName: "v1.0.0",
			Assets:  []ghAsset{{Name: "artifact.zip", BrowserDownloadURL: "https://github.com/owner/repo/releases/download/v1.0.0/artifact.zip"}},
		}), nil
	})

	url, _, err := d.GenerateDownloadURL(storagedriver.OpContext{Context: context.Background()}, "/artifact.zip", 0)
	require.NoError(t, err)
	require.Equal(t, "https://github.com/owner/repo/releases/download/v1.0.0/artifact.zip", url)
}

func TestGhProxyRewritesHost(t *testing.T) {
	d, err := FromParameters(map[string]interface{}{
		"repo_structure": "owner/repo",
		"gh_proxy":       "https://proxy.example.com",
	})
	require.NoError(t, err)

	rewritten := d.rewriteURL("https://github.com/owner/repo/releases/download/v1/asset.zip")
	require.Equal(t, "https://proxy.example.com/owner/repo/releases/download/v1/asset.zip", rewritten)
}

func TestUploadIsReadOnly(t *testing.T) {
	d, err := FromParameters(map[string]interface{}{"repo_structure": "owner/repo"})
	require.NoError(t, err)

	_, err = d.Upload(storagedriver.OpContext{Context: context.Background()}, "/x", bytes.NewReader(nil), storagedriver.UploadOptions{})
	require.Error(t, err)
}
