// Package repository defines the persistence boundary for mounts, storage
// configs, API keys, and upload sessions (spec §6.3: "all out of core,
// accessed through a repository interface"), plus an in-memory
// implementation suitable for tests and single-process embedded
// deployments, grounded on the teacher's registry/storage in-memory driver
// pattern of guarding a map with a single mutex.
package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudgateway/gateway/mount"
)

// APIKey scopes a caller's access to a path prefix (spec §6.2 "basicPath").
type APIKey struct {
	ID         string
	Key        string
	BasicPath  string
	UserRef    string
	UserKind   string
	Active     bool
}

// UploadStatus is the session lifecycle state (spec §4.5 invariants: the
// DAG active → {completed, aborted, error}).
type UploadStatus string

const (
	UploadActive    UploadStatus = "active"
	UploadCompleted UploadStatus = "completed"
	UploadAborted   UploadStatus = "aborted"
	UploadError     UploadStatus = "error"
)

// UploadSession is the persisted record backing the multipart session
// manager (spec §3/§4.5).
type UploadSession struct {
	UploadID        string
	MountID         string
	StorageConfigID string
	FSPath          string
	FileName        string
	FileSize        int64
	PartSize        int64
	TotalParts      int

	Status            UploadStatus
	BytesUploaded     int64
	NextExpectedRange string
	ErrorCode         string

	ProviderUploadID  string
	ProviderUploadURL string
	ProviderMeta      map[string]string

	CompletedParts map[int]string // partNumber -> ETag, for providers that expose real per-part ETags

	UserRef  string
	UserKind string

	Fingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository is the full persistence surface the gateway core depends on.
type Repository interface {
	mount.ConfigSource

	ListAllMounts() ([]mount.Mount, error)
	GetMount(id string) (mount.Mount, bool, error)
	PutMount(m mount.Mount) error
	DeleteMount(id string) error

	PutStorageConfig(cfg mount.StorageConfig) error
	DeleteStorageConfig(id string) error

	GetAPIKey(key string) (APIKey, bool, error)
	PutAPIKey(k APIKey) error

	CreateUploadSession(s UploadSession) error
	GetUploadSession(uploadID string) (UploadSession, bool, error)
	UpdateUploadSession(s UploadSession) error
	FindActiveUploadSession(userRef, userKind, storageConfigID, fsPath, fileName string, fileSize int64, fingerprint string) (UploadSession, bool, error)
	ListUploadSessionsByPrefix(storageConfigID, pathPrefix string) ([]UploadSession, error)
}

// InMemory is a single-process Repository backed by guarded maps.
type InMemory struct {
	mu sync.RWMutex

	mounts   map[string]mount.Mount
	configs  map[string]mount.StorageConfig
	apiKeys  map[string]APIKey
	sessions map[string]UploadSession
}

var _ Repository = (*InMemory)(nil)

// NewInMemory constructs an empty repository.
func NewInMemory() *InMemory {
	return &InMemory{
		mounts:   make(map[string]mount.Mount),
		configs:  make(map[string]mount.StorageConfig),
		apiKeys:  make(map[string]APIKey),
		sessions: make(map[string]UploadSession),
	}
}

func (r *InMemory) ListMounts() ([]mount.Mount, error) {
	return r.ListAllMounts()
}

func (r *InMemory) ListAllMounts() ([]mount.Mount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mount.Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPath < out[j].MountPath })
	return out, nil
}

func (r *InMemory) GetMount(id string) (mount.Mount, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[id]
	return m, ok, nil
}

func (r *InMemory) PutMount(m mount.Mount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts[m.ID] = m
	return nil
}

func (r *InMemory) DeleteMount(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mounts, id)
	return nil
}

func (r *InMemory) GetStorageConfig(id string) (mount.StorageConfig, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[id]
	return c, ok, nil
}

func (r *InMemory) PutStorageConfig(cfg mount.StorageConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
	return nil
}

func (r *InMemory) DeleteStorageConfig(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
	return nil
}

func (r *InMemory) GetAPIKey(key string) (APIKey, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.apiKeys[key]
	return k, ok, nil
}

func (r *InMemory) PutAPIKey(k APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKeys[k.Key] = k
	return nil
}

func (r *InMemory) CreateUploadSession(s UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.UploadID]; ok {
		return fmt.Errorf("repository: upload session %s already exists", s.UploadID)
	}
	r.sessions[s.UploadID] = s
	return nil
}

func (r *InMemory) GetUploadSession(uploadID string) (UploadSession, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uploadID]
	return s, ok, nil
}

func (r *InMemory) UpdateUploadSession(s UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.UploadID]; !ok {
		return fmt.Errorf("repository: upload session %s not found", s.UploadID)
	}
	r.sessions[s.UploadID] = s
	return nil
}

func (r *InMemory) FindActiveUploadSession(userRef, userKind, storageConfigID, fsPath, fileName string, fileSize int64, fingerprint string) (UploadSession, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Status != UploadActive {
			continue
		}
		if s.UserRef == userRef && s.UserKind == userKind && s.StorageConfigID == storageConfigID &&
			s.FSPath == fsPath && s.FileName == fileName && s.FileSize == fileSize {
			if fingerprint == "" || s.Fingerprint == fingerprint {
				return s, true, nil
			}
		}
	}
	return UploadSession{}, false, nil
}

func (r *InMemory) ListUploadSessionsByPrefix(storageConfigID, pathPrefix string) ([]UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []UploadSession
	for _, s := range r.sessions {
		if s.StorageConfigID != storageConfigID {
			continue
		}
		if len(pathPrefix) == 0 || hasPathPrefix(s.FSPath, pathPrefix) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
