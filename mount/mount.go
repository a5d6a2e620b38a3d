// Package mount implements longest-prefix mount routing and driver
// lifecycle management (spec §4.1), grounded on the driver-factory wiring
// in registry/storage/driver/factory and the way cmd/registry/main.go
// constructs one driver per configured storage backend.
package mount

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

// WebDAVPolicy selects how the link resolver treats a WebDAV mount (spec §3).
type WebDAVPolicy string

const (
	WebDAVNativeProxy  WebDAVPolicy = "native_proxy"
	WebDAV302Redirect  WebDAVPolicy = "302_redirect"
	WebDAVUseProxyURL  WebDAVPolicy = "use_proxy_url"
)

// Mount is an administrator-defined attachment point (spec §3).
type Mount struct {
	ID              string
	MountPath       string
	StorageConfigID string
	WebProxy        bool
	WebDAVPolicy    WebDAVPolicy
	CacheTTLSeconds int
	Active          bool
}

// StorageConfig is the provider-specific, already-decrypted credential
// blob plus the generic policy flags the core consults (spec §3). Concrete
// field meaning is provider-specific; Type selects the driver factory.
type StorageConfig struct {
	ID                  string
	Type                string
	Params              map[string]interface{}
	URLProxy            string
	SignatureExpiresIn  int
	ChunkSizeMB         int
}

// ConfigDisabledError is returned when a matched mount's storage config is
// disabled or otherwise invalid (spec §4.1).
type ConfigDisabledError struct {
	StorageConfigID string
}

func (e ConfigDisabledError) Error() string {
	return fmt.Sprintf("storage config %s is disabled or invalid", e.StorageConfigID)
}

// Resolved is the outcome of resolving a virtual path (spec §4.1).
type Resolved struct {
	Mount         Mount
	Driver        storagedriver.Driver
	SubPath       string
	StorageConfig StorageConfig
}

// ConfigSource supplies live Mount/StorageConfig data, typically backed by
// the repository interface (spec §1: "database access (a simple table
// repository is assumed)").
type ConfigSource interface {
	ListMounts() ([]Mount, error)
	GetStorageConfig(id string) (StorageConfig, bool, error)
}

// cachedDriver pairs a constructed driver with the StorageConfig it was
// built from, so callers that need config-level policy (e.g. the link
// resolver's URLProxy) don't have to refetch it.
type cachedDriver struct {
	driver storagedriver.Driver
	config StorageConfig
}

// Manager resolves virtual paths to (driver, mount, subPath) and owns
// driver instantiation (spec §4.1, §5 "Driver LRU and instances").
type Manager struct {
	source ConfigSource

	cache *lru.Cache // storageConfigID -> cachedDriver

	// perConfig guards double-construction of a driver for the same
	// storage config across concurrent misses (spec §5).
	mu        sync.Mutex
	perConfig map[string]*sync.Mutex
}

// NewManager constructs a Manager with a driver LRU of the given size.
func NewManager(source ConfigSource, driverCacheSize int) (*Manager, error) {
	if driverCacheSize <= 0 {
		driverCacheSize = 64
	}
	c, err := lru.New(driverCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		source:    source,
		cache:     c,
		perConfig: make(map[string]*sync.Mutex),
	}, nil
}

// Resolve implements the longest-prefix algorithm of spec §4.1.
func (m *Manager) Resolve(path string) (Resolved, error) {
	if !strings.HasPrefix(path, "/") {
		return Resolved{}, fmt.Errorf("mount: path %q must be absolute", path)
	}

	mounts, err := m.source.ListMounts()
	if err != nil {
		return Resolved{}, err
	}

	var best *Mount
	for i := range mounts {
		mt := mounts[i]
		if !mt.Active {
			continue
		}
		if !pathUnderMount(path, mt.MountPath) {
			continue
		}
		if best == nil || len(mt.MountPath) > len(best.MountPath) {
			m := mt
			best = &m
		}
	}
	if best == nil {
		return Resolved{}, ErrNoMount{Path: path}
	}

	sub := subPath(path, best.MountPath)

	drv, cfg, err := m.getDriver(*best)
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{Mount: *best, Driver: drv, SubPath: sub, StorageConfig: cfg}, nil
}

// pathUnderMount reports whether path is mountPath itself, mountPath+"/",
// or begins with mountPath+"/" (spec §4.1).
func pathUnderMount(path, mountPath string) bool {
	if mountPath == "/" {
		return true
	}
	if path == mountPath || path == mountPath+"/" {
		return true
	}
	return strings.HasPrefix(path, mountPath+"/")
}

// subPath derives the sub-path below a mount, always starting with "/".
func subPath(path, mountPath string) string {
	if mountPath == "/" {
		if path == "" {
			return "/"
		}
		if !strings.HasPrefix(path, "/") {
			return "/" + path
		}
		return path
	}
	rest := strings.TrimPrefix(path, mountPath)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// ErrNoMount is returned when no active mount matches a path.
type ErrNoMount struct{ Path string }

func (e ErrNoMount) Error() string { return fmt.Sprintf("no mount for path %q", e.Path) }

// getDriver returns the cached driver and StorageConfig for mount's storage
// config, constructing and caching them on first use (spec §4.1, §5).
func (m *Manager) getDriver(mt Mount) (storagedriver.Driver, StorageConfig, error) {
	if d, ok := m.cache.Get(mt.StorageConfigID); ok {
		cd := d.(cachedDriver)
		return cd.driver, cd.config, nil
	}

	lock := m.lockFor(mt.StorageConfigID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have won the race while we waited.
	if d, ok := m.cache.Get(mt.StorageConfigID); ok {
		cd := d.(cachedDriver)
		return cd.driver, cd.config, nil
	}

	cfg, ok, err := m.source.GetStorageConfig(mt.StorageConfigID)
	if err != nil {
		return nil, StorageConfig{}, err
	}
	if !ok {
		return nil, StorageConfig{}, ConfigDisabledError{StorageConfigID: mt.StorageConfigID}
	}

	drv, err := factory.Create(cfg.Type, driverParams(cfg))
	if err != nil {
		return nil, StorageConfig{}, ConfigDisabledError{StorageConfigID: mt.StorageConfigID}
	}

	m.cache.Add(mt.StorageConfigID, cachedDriver{driver: drv, config: cfg})
	return drv, cfg, nil
}

// driverParams folds the StorageConfig's typed policy fields into the
// params map drivers already read provider settings from, so a field like
// SignatureExpiresIn reaches e.g. the s3 driver's FromParameters the same
// way accesskey/bucket/region do, without a factory.Create signature change.
func driverParams(cfg StorageConfig) map[string]interface{} {
	if cfg.SignatureExpiresIn <= 0 {
		return cfg.Params
	}
	params := make(map[string]interface{}, len(cfg.Params)+1)
	for k, v := range cfg.Params {
		params[k] = v
	}
	if _, ok := params["signature_expires_in"]; !ok {
		params["signature_expires_in"] = cfg.SignatureExpiresIn
	}
	return params
}

func (m *Manager) lockFor(storageConfigID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perConfig[storageConfigID]
	if !ok {
		l = &sync.Mutex{}
		m.perConfig[storageConfigID] = l
	}
	return l
}

// Invalidate evicts a cached driver, e.g. after its StorageConfig mutates
// (spec §3 "Driver instance" lifecycle).
func (m *Manager) Invalidate(storageConfigID string) {
	m.cache.Remove(storageConfigID)
}
