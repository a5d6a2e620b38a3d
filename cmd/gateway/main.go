// Command gateway boots the CloudGateway process: it loads a GatewayConfig,
// seeds the repository with the configured mounts/storage configs, wires the
// mount manager, cache bus, session manager, link resolver, and fsfacade
// together, then serves the JSON/HTTP API and the WebDAV surface.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudgateway/gateway/api/httpapi"
	"github.com/cloudgateway/gateway/api/webdavsrv"
	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/config"
	_ "github.com/cloudgateway/gateway/drivers/gdrive"
	_ "github.com/cloudgateway/gateway/drivers/githubrelease"
	_ "github.com/cloudgateway/gateway/drivers/localfs"
	_ "github.com/cloudgateway/gateway/drivers/onedrive"
	_ "github.com/cloudgateway/gateway/drivers/s3"
	_ "github.com/cloudgateway/gateway/drivers/webdavdrv"
	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/health"
	"github.com/cloudgateway/gateway/health/checks"
	"github.com/cloudgateway/gateway/linkresolver"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/session"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		fatalf("configuration path unspecified")
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fatalf("configuration error: %v", err)
	}
	configureLogging(cfg)

	repo := repository.NewInMemory()
	if err := seedRepository(repo, cfg); err != nil {
		fatalf("seeding repository: %v", err)
	}
	registerBackendHealthChecks(cfg)

	mounts, err := mount.NewManager(repo, cfg.Cache.DriverLRUSize)
	if err != nil {
		fatalf("starting mount manager: %v", err)
	}
	bus := cachebus.New()
	sessions := session.NewManager(repo)
	facade := fsfacade.New(mounts, bus, sessions)
	resolver := linkresolver.New(bus, cfg.Cache.URLCacheSize)

	apiSrv := httpapi.NewServer(facade, resolver, repo)
	davSrv := webdavsrv.NewServer(facade, resolver, repo, cfg.HTTP.WebDAV.PutMode)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiSrv.Handler())
	mux.HandleFunc("/healthz", health.StatusHandler)

	log.Infof("listening on %v", cfg.HTTP.Addr)
	go func() {
		if err := http.ListenAndServe(cfg.HTTP.Addr, mux); err != nil {
			log.Fatal(err)
		}
	}()

	log.Infof("webdav listening on %v", cfg.HTTP.WebDAV.Addr)
	if err := http.ListenAndServe(cfg.HTTP.WebDAV.Addr, davSrv.Handler()); err != nil {
		log.Fatal(err)
	}
}

// seedRepository loads the configuration file's bootstrap mount list into
// the repository (spec §1: "Surrounding functionality is deliberately out
// of scope" — ongoing mount administration is assumed to happen through
// whatever external system owns the repository; this seeds the initial set
// a config-file deployment declares).
func seedRepository(repo repository.Repository, cfg config.GatewayConfig) error {
	for _, m := range cfg.Mounts {
		if err := repo.PutStorageConfig(mount.StorageConfig{
			ID:     m.StorageConfigID,
			Type:   m.StorageType,
			Params: m.StorageParams,
		}); err != nil {
			return err
		}
		if err := repo.PutMount(mount.Mount{
			ID:              m.ID,
			MountPath:       m.MountPath,
			StorageConfigID: m.StorageConfigID,
			WebProxy:        m.WebProxy,
			WebDAVPolicy:    mount.WebDAVPolicy(m.WebDAVPolicy),
			CacheTTLSeconds: m.CacheTTLSeconds,
			Active:          m.Active,
		}); err != nil {
			return err
		}
	}
	return nil
}

// backendHealthPollInterval is how often a backend reachability check is
// re-run in the background; /healthz itself only reads the last result.
const backendHealthPollInterval = 30 * time.Second

// backendHealthFailureThreshold is how many consecutive poll failures a
// backend must accumulate before /healthz reports it unhealthy, so a single
// transient timeout doesn't flap the gateway's reported status.
const backendHealthFailureThreshold = 2

// registerBackendHealthChecks adds a backgrounded HTTP reachability check to
// the default health registry for every configured mount whose storage
// parameters carry a "url" or "endpoint" key (WebDAV and S3-compatible
// backends), so /healthz reflects backend outages rather than only the
// gateway process itself being up.
func registerBackendHealthChecks(cfg config.GatewayConfig) {
	for _, m := range cfg.Mounts {
		endpoint, _ := m.StorageParams["endpoint"].(string)
		if endpoint == "" {
			endpoint, _ = m.StorageParams["url"].(string)
		}
		if endpoint == "" {
			continue
		}
		health.RegisterPeriodicFunc(m.ID+"-backend", backendHealthFailureThreshold, backendHealthPollInterval,
			checks.HTTPChecker(endpoint, http.StatusOK, 5*time.Second, nil).Check)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:", os.Args[0], "<config>")
	flag.PrintDefaults()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	usage()
	os.Exit(1)
}

func configureLogging(cfg config.GatewayConfig) {
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	switch cfg.Log.Formatter {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{})
	default:
		log.Warnf("unsupported logging formatter %q, using text", cfg.Log.Formatter)
	}
}
