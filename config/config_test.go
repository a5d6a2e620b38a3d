package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, ":8080", c.HTTP.Addr)
	require.Equal(t, PutModeChunked, c.HTTP.WebDAV.PutMode)
	require.Equal(t, 64, c.Cache.DriverLRUSize)
}

func TestParseOverridesDefaults(t *testing.T) {
	yaml := `
http:
  addr: ":9000"
  webdav:
    putmode: single
mounts:
  - id: m1
    mountPath: /drive
    storageConfigId: sc1
    active: true
`
	c, err := Parse(strings.NewReader(yaml))
	require.NoError(t, err)
	require.Equal(t, ":9000", c.HTTP.Addr)
	require.Equal(t, PutModeSingle, c.HTTP.WebDAV.PutMode)
	require.Len(t, c.Mounts, 1)
	require.Equal(t, "/drive", c.Mounts[0].MountPath)
}

func TestParseRejectsTrailingSlashMountPath(t *testing.T) {
	yaml := `
mounts:
  - id: m1
    mountPath: /drive/
    storageConfigId: sc1
`
	_, err := Parse(strings.NewReader(yaml))
	require.Error(t, err)
}

func TestParseRejectsDuplicateMountPath(t *testing.T) {
	yaml := `
mounts:
  - id: m1
    mountPath: /a
    storageConfigId: sc1
  - id: m2
    mountPath: /a
    storageConfigId: sc2
`
	_, err := Parse(strings.NewReader(yaml))
	require.Error(t, err)
}

func TestParseRejectsInvalidPutMode(t *testing.T) {
	yaml := `
http:
  webdav:
    putmode: bogus
`
	_, err := Parse(strings.NewReader(yaml))
	require.Error(t, err)
}
