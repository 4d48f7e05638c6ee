package afs

import (
	"fmt"
	"sync"

	tfs "github.com/twinsync/twinsync/fs"
)

// Factory constructs a Backend for a device, given backend-specific
// options (credentials, host, etc.) opaque to the registry itself.
type Factory func(device tfs.Device, options map[string]string) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[tfs.BackendKind]Factory{}
)

// Register associates a BackendKind with the factory that builds it.
// Backend packages call this from an init() func, registering themselves
// before any device lookup can occur.
func Register(kind tfs.BackendKind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// New builds a Backend for device using its registered factory.
func New(device tfs.Device, options map[string]string) (Backend, error) {
	registryMu.Lock()
	f, ok := registry[device.Kind]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("afs: no backend registered for kind %s", device.Kind)
	}
	return f(device, options)
}
