// Package linkresolver implements the three-tier download-link policy, the
// Windows MiniRedirector degrade-to-native_proxy quirk, and the signed-URL
// cache described in spec §4.6, grounded on the S3 driver's presign/copy
// split for "does this driver have a provider-authoritative URL" and on
// mount.WebDAVPolicy for the WebDAV-specific overrides.
package linkresolver

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/storagedriver"
)

// Kind tells the caller which tier produced the returned URL.
type Kind string

const (
	KindProxy  Kind = "proxy"
	KindDirect Kind = "direct"
)

// Resolution is the {url, kind, expiresIn?} response of spec §6.1's
// GET /api/fs/link.
type Resolution struct {
	URL       string
	Kind      Kind
	ExpiresIn int
}

// Request bundles the inputs the three-tier policy needs (spec §4.6).
type Request struct {
	Mount           mount.Mount
	StorageConfigID string
	Driver          storagedriver.Driver
	SubPath         string
	ForceProxy      bool
	ForceDownload   bool
	ExpiresIn       int
	UserAgent       string
	UserRef         string
	UserKind        string
	// URLProxy is the storage config's url_proxy flag (spec §3), the base
	// of the Worker-style URL webdav_policy=use_proxy_url forces.
	URLProxy string
}

// cacheKey omits UserRef: cachebus.Event carries no per-user information, so
// a key that included it could never be evicted by onInvalidate for a
// non-empty UserRef (spec §4.4.3's invalidation is best-effort, not this
// silent).
type cacheKey struct {
	storageConfigID string
	subPath         string
	forceDownload   bool
	userKind        string
}

type cacheEntry struct {
	resolution Resolution
	expiresAt  time.Time
}

// Resolver evaluates spec §4.6's policy and caches the result (spec §4.4.3
// "the URL cache, keyed by (storageConfigId, subPath, forceDownload,
// userKind)" — userRef is deliberately excluded, see cacheKey).
type Resolver struct {
	urlCache *lru.Cache

	mu          sync.Mutex
	miniRedirSeen map[string]bool // path -> a 302_redirect URL was already served to a MiniRedir UA once
}

// New constructs a Resolver with a signed-URL cache of urlCacheSize entries,
// subscribing it to bus for invalidation (spec §4.4.3).
func New(bus *cachebus.Bus, urlCacheSize int) *Resolver {
	if urlCacheSize <= 0 {
		urlCacheSize = 4096
	}
	c, _ := lru.New(urlCacheSize)
	r := &Resolver{urlCache: c, miniRedirSeen: make(map[string]bool)}
	if bus != nil {
		bus.Subscribe(r.onInvalidate)
	}
	return r
}

func (r *Resolver) onInvalidate(ev cachebus.Event) {
	for _, p := range ev.Paths {
		for _, fd := range []bool{true, false} {
			for _, uk := range []string{"", "user", "apikey"} {
				r.urlCache.Remove(cacheKey{storageConfigID: ev.StorageConfigID, subPath: p, forceDownload: fd, userKind: uk})
			}
		}
	}
}

const miniRedirUserAgentMarker1 = "Microsoft-WebDAV"
const miniRedirUserAgentMarker2 = "WebDAV-MiniRedir"

func isMiniRedirector(userAgent string) bool {
	return strings.Contains(userAgent, miniRedirUserAgentMarker1) || strings.Contains(userAgent, miniRedirUserAgentMarker2)
}

// Resolve implements spec §4.6's ordered three-tier policy plus the WebDAV
// policy overrides and MiniRedirector degrade quirk.
func (r *Resolver) Resolve(req Request) (Resolution, error) {
	key := cacheKey{
		storageConfigID: req.StorageConfigID, subPath: req.SubPath,
		forceDownload: req.ForceDownload, userKind: req.UserKind,
	}
	if v, ok := r.urlCache.Get(key); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.resolution, nil
		}
		r.urlCache.Remove(key)
	}

	res, err := r.resolveUncached(req)
	if err != nil {
		return Resolution{}, err
	}
	if res.ExpiresIn > 0 {
		r.urlCache.Add(key, cacheEntry{resolution: res, expiresAt: time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)})
	}
	return res, nil
}

func (r *Resolver) resolveUncached(req Request) (Resolution, error) {
	opCtx := storagedriver.OpContext{MountID: req.Mount.ID, StorageConfigID: req.StorageConfigID}

	wantProxyTier := req.ForceProxy || req.Mount.WebProxy

	if req.Mount.WebDAVPolicy != "" {
		switch req.Mount.WebDAVPolicy {
		case mount.WebDAV302Redirect:
			if r.degradedToNativeProxy(req) {
				return r.proxyResolution(req, opCtx)
			}
			if req.Driver.Capabilities().Has(storagedriver.DirectLink) {
				res, err := r.directResolution(req, opCtx)
				if err == nil {
					if isMiniRedirector(req.UserAgent) {
						r.markSeen(req)
					}
					return res, nil
				}
			}
			return r.proxyResolution(req, opCtx)
		case mount.WebDAVUseProxyURL:
			return r.proxyURLResolution(req)
		case mount.WebDAVNativeProxy:
			return r.proxyResolution(req, opCtx)
		}
	}

	if wantProxyTier {
		return r.proxyResolution(req, opCtx)
	}
	if req.Driver.Capabilities().Has(storagedriver.DirectLink) {
		if res, err := r.directResolution(req, opCtx); err == nil {
			return res, nil
		}
	}
	return r.proxyResolution(req, opCtx)
}

func (r *Resolver) directResolution(req Request, opCtx storagedriver.OpContext) (Resolution, error) {
	url, expiresIn, err := req.Driver.GenerateDownloadURL(opCtx, req.SubPath, req.ExpiresIn)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{URL: url, Kind: KindDirect, ExpiresIn: expiresIn}, nil
}

func (r *Resolver) proxyResolution(req Request, opCtx storagedriver.OpContext) (Resolution, error) {
	if req.Driver.Capabilities().Has(storagedriver.Proxy) {
		url, err := req.Driver.GenerateProxyURL(opCtx, req.SubPath)
		if err == nil && url != "" {
			return Resolution{URL: url, Kind: KindProxy}, nil
		}
	}
	return Resolution{URL: gatewayProxyPath(req), Kind: KindProxy}, nil
}

// proxyURLResolution implements webdav_policy=use_proxy_url (spec §4.6):
// it forces the url_proxy Worker-style URL rather than the gateway's own
// /api/p proxy path, falling back to the gateway path if the storage
// config carries no url_proxy.
func (r *Resolver) proxyURLResolution(req Request) (Resolution, error) {
	if req.URLProxy == "" {
		return Resolution{URL: gatewayProxyPath(req), Kind: KindProxy}, nil
	}
	return Resolution{URL: strings.TrimSuffix(req.URLProxy, "/") + req.SubPath, Kind: KindProxy}, nil
}

// gatewayProxyPath builds the /api/p link for req; /api/p takes a virtual
// path, so the mount path is put back in front of the mount-relative SubPath.
func gatewayProxyPath(req Request) string {
	return "/api/p" + strings.TrimSuffix(req.Mount.MountPath, "/") + req.SubPath
}

// degradedToNativeProxy reports whether this WebDAV path was already served
// a 302_redirect once to a MiniRedirector client (spec §4.6's quirk).
func (r *Resolver) degradedToNativeProxy(req Request) bool {
	if !isMiniRedirector(req.UserAgent) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.miniRedirSeen[req.StorageConfigID+"|"+req.SubPath]
}

func (r *Resolver) markSeen(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.miniRedirSeen[req.StorageConfigID+"|"+req.SubPath] = true
}
