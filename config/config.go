// Package config defines the gateway's process configuration, grounded on
// configuration/configuration.go's yaml-tagged struct tree and Log/HTTP
// sections, generalized from a registry's storage/auth/middleware concerns
// to the gateway's mount bootstrap, session reconciliation, and cache
// sizing concerns (spec §5 "driver LRU", §4.5 "stale active session sweep",
// §4.3.5 "cache_ttl").
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// GatewayConfig is the top-level process configuration, intended to be
// loaded from a yaml file.
type GatewayConfig struct {
	Log     Log     `yaml:"log"`
	HTTP    HTTP    `yaml:"http"`
	Mounts  []Mount `yaml:"mounts"`
	Session Session `yaml:"session"`
	Cache   Cache   `yaml:"cache"`
}

// Log controls the structured logger (grounded on Log in
// configuration/configuration.go).
type Log struct {
	Level     string `yaml:"level"`
	Formatter string `yaml:"formatter"`
}

// PutMode selects how the WebDAV surface accepts a PUT body (spec §6.2
// "two modes — single ... and chunked").
type PutMode string

const (
	PutModeSingle  PutMode = "single"
	PutModeChunked PutMode = "chunked"
)

// HTTP configures the two listening surfaces (spec §6.1/§6.2).
type HTTP struct {
	Addr string `yaml:"addr"`

	WebDAV struct {
		Addr    string  `yaml:"addr"`
		PutMode PutMode `yaml:"putmode"`
	} `yaml:"webdav"`
}

// Mount is the bootstrap-time representation of a spec §3 Mount, loaded
// once at process start into the repository (administrators subsequently
// manage mounts through whatever out-of-scope admin UI owns the repository
// — spec §1 "Surrounding functionality is deliberately out of scope").
type Mount struct {
	ID              string `yaml:"id"`
	MountPath       string `yaml:"mountPath"`
	StorageConfigID string `yaml:"storageConfigId"`
	WebProxy        bool   `yaml:"webProxy"`
	WebDAVPolicy    string `yaml:"webdavPolicy"`
	CacheTTLSeconds int    `yaml:"cacheTtlSeconds"`
	Active          bool   `yaml:"active"`

	StorageType   string                 `yaml:"storageType"`
	StorageParams map[string]interface{} `yaml:"storageParams"`
}

// Session holds multipart-session upkeep settings. They are parsed and
// defaulted, but no component reads them: no background sweep or
// reconciliation runs, and a stale session surfaces as
// UPLOAD_SESSION_NOT_FOUND only when a caller next touches it.
type Session struct {
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	StaleAfter        time.Duration `yaml:"staleAfter"`
}

// Cache configures the driver LRU and signed-URL cache (spec §3 "Driver
// instance ... retained in an LRU of bounded size", §4.4.3 URL cache).
type Cache struct {
	DefaultTTLSeconds int `yaml:"defaultTtlSeconds"`
	DriverLRUSize     int `yaml:"driverLruSize"`
	URLCacheSize      int `yaml:"urlCacheSize"`
}

// Default returns a GatewayConfig with sane defaults for every field a
// deployment is likely to omit.
func Default() GatewayConfig {
	var c GatewayConfig
	c.Log.Level = "info"
	c.Log.Formatter = "text"
	c.HTTP.Addr = ":8080"
	c.HTTP.WebDAV.Addr = ":8081"
	c.HTTP.WebDAV.PutMode = PutModeChunked
	c.Session.ReconcileInterval = 30 * time.Second
	c.Session.SweepInterval = 5 * time.Minute
	c.Session.StaleAfter = 24 * time.Hour
	c.Cache.DefaultTTLSeconds = 60
	c.Cache.DriverLRUSize = 64
	c.Cache.URLCacheSize = 4096
	return c
}

// Parse reads and validates a GatewayConfig from r, applying Default()
// first so the yaml document only needs to override what it cares about.
func Parse(r io.Reader) (GatewayConfig, error) {
	c := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("config: reading: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return GatewayConfig{}, fmt.Errorf("config: parsing yaml: %w", err)
	}
	if err := c.validate(); err != nil {
		return GatewayConfig{}, err
	}
	return c, nil
}

// Load reads a GatewayConfig from the file at path.
func Load(path string) (GatewayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

func (c *GatewayConfig) validate() error {
	seen := make(map[string]bool, len(c.Mounts))
	for _, m := range c.Mounts {
		if m.MountPath == "" || m.MountPath[0] != '/' {
			return fmt.Errorf("config: mount %q: mountPath must be an absolute path", m.ID)
		}
		if m.MountPath != "/" && m.MountPath[len(m.MountPath)-1] == '/' {
			return fmt.Errorf("config: mount %q: mountPath must not have a trailing slash", m.ID)
		}
		if seen[m.MountPath] {
			return fmt.Errorf("config: duplicate mountPath %q", m.MountPath)
		}
		seen[m.MountPath] = true
	}
	if c.HTTP.WebDAV.PutMode != PutModeSingle && c.HTTP.WebDAV.PutMode != PutModeChunked {
		return fmt.Errorf("config: http.webdav.putmode must be %q or %q", PutModeSingle, PutModeChunked)
	}
	return nil
}
