// Package factory provides a registry mapping storage-config type
// discriminators to driver constructors, grounded on
// registry/storage/driver/factory's Register/Create pattern — the one
// place in the gateway allowed to switch on driver type.
package factory

import (
	"fmt"
	"sync"

	"github.com/cloudgateway/gateway/storagedriver"
)

// Driver constructs a storagedriver.Driver from a decrypted parameter map
// (the StorageConfig's provider-specific blob, spec §3).
type Driver func(params map[string]interface{}) (storagedriver.Driver, error)

var (
	mu       sync.Mutex
	builders = map[string]Driver{}
)

// Register makes a driver constructor available under name. Panics on a
// duplicate registration, matching the teacher's fail-fast-at-init-time
// posture for programming errors.
func Register(name string, build Driver) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := builders[name]; ok {
		panic(fmt.Sprintf("factory: driver %q already registered", name))
	}
	builders[name] = build
}

// Create builds a driver instance for the given StorageConfig type.
func Create(name string, params map[string]interface{}) (storagedriver.Driver, error) {
	mu.Lock()
	build, ok := builders[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("factory: no storage driver registered for type %q", name)
	}
	return build(params)
}

// Registered reports the set of known storage types, for config validation.
func Registered() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	return names
}
