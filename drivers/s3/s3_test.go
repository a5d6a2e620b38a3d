package s3

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/storagedriver"
)

func newTestDriver(t *testing.T, params map[string]interface{}) *Driver {
	t.Helper()
	base := map[string]interface{}{
		"accesskey": "key",
		"secretkey": "secret",
		"bucket":    "bucket",
		"region":    "us-east-1",
	}
	for k, v := range params {
		base[k] = v
	}
	d, err := FromParameters(base)
	require.NoError(t, err)
	return d
}

func signedExpires(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	n, err := strconv.Atoi(u.Query().Get("X-Amz-Expires"))
	require.NoError(t, err)
	return n
}

func TestGenerateDownloadURLClipsSignedExpiry(t *testing.T) {
	d := newTestDriver(t, nil)

	rawURL, actual, err := d.GenerateDownloadURL(storagedriver.OpContext{}, "/a.txt", 3600)
	require.NoError(t, err)
	require.Equal(t, 3240, actual)
	require.Equal(t, 3240, signedExpires(t, rawURL))
}

func TestGenerateDownloadURLDefaultsFromSignatureExpiresIn(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"signature_expires_in": 1000})

	rawURL, actual, err := d.GenerateDownloadURL(storagedriver.OpContext{}, "/a.txt", 0)
	require.NoError(t, err)
	require.Equal(t, 900, actual)
	require.Equal(t, 900, signedExpires(t, rawURL))
}
